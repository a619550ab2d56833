// Package assist generates real-time agent assistance: it fans the eligible
// generation operations out concurrently over redacted conversation history,
// tolerates partial failure, and folds the results into one response with a
// recommended next action.
package assist

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rfontaine/carewire/pkg/carewire/conversation"
)

// Actions returned outside the rule table.
const (
	// GreetingAction is recommended for a conversation with no messages yet.
	GreetingAction = "Greet patient and ask how you can help"

	// FallbackAction is recommended when no rule matches.
	FallbackAction = "Clarify patient's primary concern"
)

// ActionRule maps keywords to a recommended next action. Rules are evaluated
// in order and the first match wins, so broader rules belong later.
type ActionRule struct {
	Keywords []string `yaml:"keywords"`
	Action   string   `yaml:"action"`
}

// DefaultRules returns the built-in rule table.
func DefaultRules() []ActionRule {
	return []ActionRule{
		{Keywords: []string{"appointment", "schedule", "book"}, Action: "Offer available appointment slots"},
		{Keywords: []string{"bill", "charge", "cost", "insurance"}, Action: "Look up patient billing information"},
		{Keywords: []string{"prescription", "medication", "refill"}, Action: "Check prescription status and process refill"},
		{Keywords: []string{"results", "test", "lab"}, Action: "Verify results are available and offer to send securely"},
		{Keywords: []string{"speak", "talk", "representative", "person"}, Action: "Prepare for escalation to specialized team"},
	}
}

// Selector picks the next best action from conversation history. The rule
// table can be swapped at runtime (see Watcher), so access is lock-guarded.
type Selector struct {
	mu    sync.RWMutex
	rules []ActionRule
}

// NewSelector builds a Selector; nil rules means the built-in table.
func NewSelector(rules []ActionRule) *Selector {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Selector{rules: rules}
}

// NextAction inspects only the most recent message, whatever its role, and
// returns the first matching rule's action. Empty history yields a greeting
// prompt; no match yields a clarification prompt.
func (s *Selector) NextAction(history []conversation.Message) string {
	if len(history) == 0 {
		return GreetingAction
	}
	last := strings.ToLower(history[len(history)-1].Text)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rule := range s.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(last, kw) {
				return rule.Action
			}
		}
	}
	return FallbackAction
}

// Replace swaps the rule table atomically.
func (s *Selector) Replace(rules []ActionRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// Rules returns a copy of the current rule table.
func (s *Selector) Rules() []ActionRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ActionRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// rulesFile is the YAML shape of an action rules override file.
type rulesFile struct {
	Actions []ActionRule `yaml:"actions"`
}

// LoadRules reads a rule table from a YAML file. Every rule must carry at
// least one keyword and a non-empty action.
func LoadRules(path string) ([]ActionRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file %q: %w", path, err)
	}
	if len(rf.Actions) == 0 {
		return nil, fmt.Errorf("rules file %q defines no actions", path)
	}
	for i, rule := range rf.Actions {
		if len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("rules file %q: rule %d has no keywords", path, i)
		}
		if strings.TrimSpace(rule.Action) == "" {
			return nil, fmt.Errorf("rules file %q: rule %d has no action", path, i)
		}
	}
	return rf.Actions, nil
}
