package policydoc

import (
	"context"
	"strings"

	"github.com/Vleonone/aeonsage-sub000/pkg/models"
)

// AnyHost marks a rule that applies to every host of its target. Rules are
// only relaxed from exact host to AnyHost; there is no other wildcarding.
const AnyHost = "*"

// Rule is a durable "always allow" exception. It never expires on its own
// and is removed only through explicit deletion.
type Rule struct {
	AgentID          string `json:"agent_id"`
	Host             string `json:"host"`
	CommandSignature string `json:"command_signature"`
	CreatedAtMs      int64  `json:"created_at_ms"`
	CreatedBy        string `json:"created_by"`
}

// CommandSignature normalizes command text for allow-list matching: leading
// and trailing space dropped, runs of whitespace collapsed to single spaces.
// Nothing else: two commands differing in any argument stay distinct.
func CommandSignature(command string) string {
	return strings.Join(strings.Fields(command), " ")
}

// ResolveAllow finds a matching rule in the target's committed document.
// Exact (agent, host, signature) wins; a rule recorded against AnyHost for
// the same agent and signature is the one documented relaxation.
func (s *Store) ResolveAllow(ctx context.Context, target models.Target, agentID, host, command string) (*Rule, error) {
	m, err := s.target(ctx, target)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	signature := CommandSignature(command)
	if signature == "" {
		return nil, nil
	}
	var relaxed *Rule
	for _, entry := range ruleEntries(m.committed) {
		rule := ruleFromEntry(entry)
		if rule.AgentID != agentID || rule.CommandSignature != signature {
			continue
		}
		if rule.Host == host {
			matched := rule
			return &matched, nil
		}
		if rule.Host == AnyHost && relaxed == nil {
			matched := rule
			relaxed = &matched
		}
	}
	return relaxed, nil
}

// AddRule records an allow-always decision directly against the committed
// document: the rule and the agent binding required by validation are merged
// into a copy of the committed tree and persisted, so an operator's staged
// but unsaved edits are neither committed nor able to fail the write. Adding
// a rule that already exists is a no-op. The rule is also mirrored into the
// working copy so a later Save cannot drop it.
func (s *Store) AddRule(ctx context.Context, target models.Target, rule Rule) error {
	rule.CommandSignature = CommandSignature(rule.CommandSignature)
	if rule.Host == "" {
		rule.Host = AnyHost
	}
	m, err := s.target(ctx, target)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()

	if ruleIndex(m.committed, rule) >= 0 {
		return nil
	}
	next := deepCopy(m.committed).(map[string]any)
	mergeRule(next, rule)
	if err := s.commitLocked(ctx, target, m, next); err != nil {
		return err
	}
	if ruleIndex(m.working, rule) < 0 {
		mergeRule(m.working, rule)
	}
	return nil
}

// RemoveRule deletes an exact rule from the committed document. Like
// AddRule it works on a copy of the committed tree and leaves staged edits
// alone. Missing rules report ErrPathNotFound.
func (s *Store) RemoveRule(ctx context.Context, target models.Target, agentID, host, command string) error {
	lookup := Rule{AgentID: agentID, Host: host, CommandSignature: CommandSignature(command)}
	m, err := s.target(ctx, target)
	if err != nil {
		return err
	}
	defer m.mu.Unlock()

	i := ruleIndex(m.committed, lookup)
	if i < 0 {
		return ErrPathNotFound
	}
	next := deepCopy(m.committed).(map[string]any)
	deleteRuleAt(next, i)
	if err := s.commitLocked(ctx, target, m, next); err != nil {
		return err
	}
	if j := ruleIndex(m.working, lookup); j >= 0 {
		deleteRuleAt(m.working, j)
	}
	return nil
}

// ruleIndex finds the position of a rule with the same agent, host and
// signature in doc's allowlist, or -1.
func ruleIndex(doc map[string]any, rule Rule) int {
	raw, _ := doc["allowlist"].([]any)
	for i, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		existing := ruleFromEntry(entry)
		if existing.AgentID == rule.AgentID && existing.Host == rule.Host && existing.CommandSignature == rule.CommandSignature {
			return i
		}
	}
	return -1
}

func mergeRule(doc map[string]any, rule Rule) {
	entry := map[string]any{
		"agent_id":          rule.AgentID,
		"host":              rule.Host,
		"command_signature": rule.CommandSignature,
		"created_at_ms":     float64(rule.CreatedAtMs),
		"created_by":        rule.CreatedBy,
	}
	rules, _ := doc["allowlist"].([]any)
	doc["allowlist"] = append(rules, entry)

	agents, _ := doc["agents"].(map[string]any)
	if agents == nil {
		agents = map[string]any{}
		doc["agents"] = agents
	}
	if _, ok := agents[rule.AgentID].(map[string]any); !ok {
		agents[rule.AgentID] = map[string]any{"bound_at_ms": float64(rule.CreatedAtMs)}
	}
}

func deleteRuleAt(doc map[string]any, i int) {
	rules, _ := doc["allowlist"].([]any)
	doc["allowlist"] = append(rules[:i:i], rules[i+1:]...)
}

func ruleEntries(doc map[string]any) []map[string]any {
	raw, _ := doc["allowlist"].([]any)
	entries := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if entry, ok := item.(map[string]any); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

func ruleFromEntry(entry map[string]any) Rule {
	createdAt, _ := entry["created_at_ms"].(float64)
	return Rule{
		AgentID:          stringField(entry, "agent_id"),
		Host:             stringField(entry, "host"),
		CommandSignature: stringField(entry, "command_signature"),
		CreatedAtMs:      int64(createdAt),
		CreatedBy:        stringField(entry, "created_by"),
	}
}
