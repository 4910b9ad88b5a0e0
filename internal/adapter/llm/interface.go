// Package llm is a small client for OpenAI-compatible chat completion APIs.
package llm

import "context"

// ChatClient is what the planner needs from a model backend.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
}

var _ ChatClient = (*Client)(nil)
