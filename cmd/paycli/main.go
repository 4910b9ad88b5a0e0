// Package main provides a terminal client for the orchestrator WebSocket API.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/transport/ws"
)

// Client is a WebSocket client bound to one session.
type Client struct {
	conn *websocket.Conn
	done chan struct{}
}

// NewClient connects to addr, optionally resuming sessionID.
func NewClient(addr, sessionID string) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	if sessionID != "" {
		q := u.Query()
		q.Set("session_id", sessionID)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn, done: make(chan struct{})}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done is closed when the server side goes away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) send(msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(ws.InboundMessage{Type: msgType, Data: raw})
}

// Dispatch turns one input line into a message.
//
//	approve <request_id>
//	reject <request_id> [reason]
//	edit <request_id> <json args>
//	cancel <execution_id>
//
// Anything else is executed as a command.
func (c *Client) Dispatch(line string) error {
	fields := strings.Fields(line)
	if len(fields) >= 2 {
		switch fields[0] {
		case ws.TypeApprove:
			return c.send(ws.TypeApprove, domain.DecisionRequest{RequestID: fields[1], DecidedBy: "paycli"})
		case ws.TypeReject:
			return c.send(ws.TypeReject, domain.DecisionRequest{
				RequestID: fields[1],
				DecidedBy: "paycli",
				Reason:    strings.Join(fields[2:], " "),
			})
		case ws.TypeEdit:
			if len(fields) < 3 {
				return fmt.Errorf("usage: edit <request_id> <json args>")
			}
			args := strings.Join(fields[2:], " ")
			if !json.Valid([]byte(args)) {
				return fmt.Errorf("edited args must be JSON")
			}
			return c.send(ws.TypeEdit, domain.DecisionRequest{
				RequestID:  fields[1],
				DecidedBy:  "paycli",
				EditedArgs: json.RawMessage(args),
			})
		case ws.TypeCancel:
			return c.send(ws.TypeCancel, domain.CancelRequest{ExecutionID: fields[1]})
		}
	}
	return c.send(ws.TypeExecute, domain.ExecuteRequest{Command: line})
}

// ReadEvents prints events until the connection closes.
func (c *Client) ReadEvents() {
	defer close(c.done)
	for {
		var ev domain.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read error: %v", err)
			}
			return
		}
		fmt.Println(format(ev))
	}
}

func format(ev domain.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d %s]", ev.Seq, ev.Type)
	if ev.ExecutionID != "" {
		fmt.Fprintf(&b, " exec=%s", ev.ExecutionID)
	}
	if len(ev.Data) > 0 {
		b.WriteByte(' ')
		b.Write(ev.Data)
	}
	return b.String()
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/v1/ws", "WebSocket server address")
	session := flag.String("session", "", "Session to attach to (a new one is created when empty)")
	flag.Parse()

	log.SetFlags(log.Ltime)

	client, err := NewClient(*addr, *session)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	fmt.Println("Connected. Type a command, or approve/reject/edit/cancel <id>. /quit to exit.")
	go client.ReadEvents()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-interrupt:
			fmt.Println("\ninterrupted")
			_ = client.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-client.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit":
				return
			}
			if err := client.Dispatch(line); err != nil {
				log.Printf("send error: %v", err)
			}
		}
	}
}
