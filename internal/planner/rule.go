package planner

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/domain"
)

var (
	clauseSep   = regexp.MustCompile(`(?i)\s*(?:,\s*)?(?:\band then\b|\bthen\b|;)\s*`)
	payRule     = regexp.MustCompile(`(?i)^pay\s+(\d+(?:\.\d+)?)\s*([a-z]{2,10})\s+(?:to|for)\s+(.+)$`)
	transferRe  = regexp.MustCompile(`(?i)^(?:transfer|send)\s+(\d+(?:\.\d+)?)\s*([a-z]{2,10})\s+to\s+(0x[0-9a-f]{40})\s*$`)
	fetchRule   = regexp.MustCompile(`(?i)^(?:call|fetch|get|query)\s+(?:data\s+from\s+)?(.+?)$`)
	balanceRule = regexp.MustCompile(`(?i)\bbalance\b`)
	addressRe   = regexp.MustCompile(`(?i)0x[0-9a-f]{40}`)
	optionalRe  = regexp.MustCompile(`(?i)^(?:optionally|if possible,?|try to)\s+`)
	fillerRe    = regexp.MustCompile(`(?i)\b(?:access|the|a|an|use|using)\b`)
)

// RulePlanner understands direct payment, transfer and balance commands.
type RulePlanner struct {
	services map[string]string
	tokens   []string
}

// NewRulePlanner creates a planner resolving service names through services
// and recognizing the given token symbols.
func NewRulePlanner(services map[string]string, tokens []string) *RulePlanner {
	svc := make(map[string]string, len(services))
	for name, url := range services {
		svc[normalizeName(name)] = url
	}
	syms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		syms = append(syms, strings.ToUpper(t))
	}
	return &RulePlanner{services: svc, tokens: syms}
}

func (p *RulePlanner) Plan(_ context.Context, command string) (*domain.Plan, error) {
	command = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(command), "."))
	if command == "" {
		return nil, apperr.New(apperr.CodeValidation, "command is empty")
	}

	var steps []domain.Step
	for _, clause := range clauseSep.Split(command, -1) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		optional := false
		if optionalRe.MatchString(clause) {
			optional = true
			clause = optionalRe.ReplaceAllString(clause, "")
		}
		step, ok := p.planClause(clause)
		if !ok {
			return nil, apperr.Newf(apperr.CodeValidation, "could not understand %q", clause)
		}
		step.Optional = optional
		steps = append(steps, step)
	}
	if len(steps) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "command has no actionable steps")
	}
	number(steps, "step-")
	plan := &domain.Plan{Summary: command, Steps: steps}
	return plan, Validate(plan)
}

func (p *RulePlanner) planClause(clause string) (domain.Step, bool) {
	if m := transferRe.FindStringSubmatch(clause); m != nil {
		return transferStep(m[1], m[2], m[3], clause), true
	}
	if m := payRule.FindStringSubmatch(clause); m != nil {
		amount, token, target := m[1], strings.ToUpper(m[2]), strings.TrimSpace(m[3])
		if addressRe.MatchString(target) && common.IsHexAddress(target) {
			return transferStep(amount, token, target, clause), true
		}
		args := map[string]string{"amount": amount, "token": token}
		p.resolveTarget(target, args)
		return toolStep("pay_api", args, clause), true
	}
	if balanceRule.MatchString(clause) {
		args := map[string]string{"token": p.mentionedToken(clause)}
		if addr := addressRe.FindString(clause); addr != "" {
			args["address"] = common.HexToAddress(addr).Hex()
		}
		return toolStep("get_balance", args, clause), true
	}
	if m := fetchRule.FindStringSubmatch(clause); m != nil {
		args := map[string]string{}
		if p.resolveTarget(m[1], args) {
			return toolStep("pay_api", args, clause), true
		}
	}
	return domain.Step{}, false
}

// resolveTarget fills url or service into args. It reports whether the target
// was a URL or a catalog entry.
func (p *RulePlanner) resolveTarget(target string, args map[string]string) bool {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		args["url"] = strings.Fields(target)[0]
		return true
	}
	name := normalizeName(target)
	if url, ok := p.lookup(name); ok {
		args["url"] = url
		return true
	}
	args["service"] = name
	return false
}

func (p *RulePlanner) lookup(name string) (string, bool) {
	candidates := []string{name}
	for _, suffix := range []string{" api", " service", " endpoint"} {
		if strings.HasSuffix(name, suffix) {
			candidates = append(candidates, strings.TrimSuffix(name, suffix))
		}
	}
	for _, c := range candidates {
		if url, ok := p.services[c]; ok {
			return url, true
		}
	}
	// longest catalog name mentioned in the phrase
	keys := make([]string, 0, len(p.services))
	for k := range p.services {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if k != "" && strings.Contains(name, k) {
			return p.services[k], true
		}
	}
	return "", false
}

func (p *RulePlanner) mentionedToken(clause string) string {
	upper := " " + strings.ToUpper(clause) + " "
	for _, sym := range p.tokens {
		if strings.Contains(upper, " "+sym+" ") {
			return sym
		}
	}
	if len(p.tokens) > 0 {
		return p.tokens[0]
	}
	return "USDC"
}

func normalizeName(s string) string {
	s = fillerRe.ReplaceAllString(strings.ToLower(s), " ")
	return strings.Join(strings.Fields(s), " ")
}

func transferStep(amount, token, to, clause string) domain.Step {
	return toolStep("transfer_token", map[string]string{
		"to":     common.HexToAddress(to).Hex(),
		"amount": amount,
		"token":  strings.ToUpper(token),
	}, clause)
}

func toolStep(tool string, args map[string]string, description string) domain.Step {
	raw, _ := json.Marshal(args)
	return domain.Step{Kind: domain.StepKindTool, Tool: tool, Args: raw, Description: description}
}
