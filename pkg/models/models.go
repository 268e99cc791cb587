package models

import (
	"fmt"
	"strings"
)

// GateAction is the default disposition of a safety gate.
type GateAction string

const (
	ActionAllow GateAction = "allow"
	ActionAsk   GateAction = "ask"
	ActionBlock GateAction = "block"
)

func (a GateAction) Valid() bool {
	switch a {
	case ActionAllow, ActionAsk, ActionBlock:
		return true
	default:
		return false
	}
}

// SafetyGate is a named policy category. Locked gates reject enable/action
// changes arriving through the standard management surface.
type SafetyGate struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Enabled       bool       `json:"enabled"`
	Locked        bool       `json:"locked"`
	DefaultAction GateAction `json:"default_action"`
}

// Operation is the descriptor an agent submits for evaluation.
type Operation struct {
	AgentID      string `json:"agent_id"`
	SessionKey   string `json:"session_key,omitempty"`
	Host         string `json:"host"`
	Command      string `json:"command"`
	Cwd          string `json:"cwd,omitempty"`
	ResolvedPath string `json:"resolved_path,omitempty"`
	GateID       string `json:"gate_id"`
}

// Validate reports every missing required field at once so callers can fix
// a malformed descriptor in a single round trip.
func (op Operation) Validate() error {
	var missing []string
	if strings.TrimSpace(op.AgentID) == "" {
		missing = append(missing, "agent_id")
	}
	if strings.TrimSpace(op.Command) == "" {
		missing = append(missing, "command")
	}
	if strings.TrimSpace(op.GateID) == "" {
		missing = append(missing, "gate_id")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// ValidationError lists the required fields absent from a descriptor.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}
