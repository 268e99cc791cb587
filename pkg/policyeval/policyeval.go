// Package policyeval decides what happens to a submitted operation. The
// precedence is fixed: kill switch, then gate state, then allow-list memory,
// then a fresh approval request. Nothing may consult these out of order.
package policyeval

import (
	"context"
	"errors"
	"fmt"

	"github.com/Vleonone/aeonsage-sub000/pkg/approvals"
	"github.com/Vleonone/aeonsage-sub000/pkg/gates"
	"github.com/Vleonone/aeonsage-sub000/pkg/killswitch"
	"github.com/Vleonone/aeonsage-sub000/pkg/models"
	"github.com/Vleonone/aeonsage-sub000/pkg/policydoc"
	"github.com/Vleonone/aeonsage-sub000/pkg/threat"
)

// Verdict is the terminal shape of an evaluation.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictDeny    Verdict = "deny"
	VerdictPending Verdict = "pending"
)

// Reason codes carried on every outcome so callers and audit records can
// distinguish how a verdict was reached without re-running evaluation.
const (
	ReasonKillSwitchActive = "KILL_SWITCH_ACTIVE"
	ReasonGateUnknown      = "GATE_UNKNOWN"
	ReasonGateDisabled     = "GATE_DISABLED"
	ReasonGateBlocked      = "GATE_BLOCKED"
	ReasonGateDefaultAllow = "GATE_DEFAULT_ALLOW"
	ReasonAllowlistMatch   = "ALLOWLIST_MATCH"
	ReasonApprovalPending  = "APPROVAL_PENDING"
)

// Outcome is what an agent gets back for a submitted operation.
type Outcome struct {
	Verdict     Verdict        `json:"verdict"`
	Reason      string         `json:"reason"`
	RequestID   string         `json:"request_id,omitempty"`
	Report      *threat.Report `json:"threat_report,omitempty"`
	ExpiresAtMs int64          `json:"expires_at_ms,omitempty"`
}

// Allowlist is the evaluator's view of the allow-list store.
type Allowlist interface {
	ResolveAllow(ctx context.Context, target models.Target, agentID, host, command string) (*policydoc.Rule, error)
	AddRule(ctx context.Context, target models.Target, rule policydoc.Rule) error
}

// GateResolver is the evaluator's view of the gate registry.
type GateResolver interface {
	Get(ctx context.Context, target models.Target, gateID string) (models.SafetyGate, error)
}

// Evaluator wires the components in precedence order. All fields are
// required; construct it once at startup and share it across handlers.
type Evaluator struct {
	kill      killswitch.Guard
	gates     GateResolver
	allowlist Allowlist
	queue     *approvals.Queue
	scan      func(string) threat.Report
}

func New(kill killswitch.Guard, gateReg GateResolver, allow Allowlist, queue *approvals.Queue) *Evaluator {
	return &Evaluator{
		kill:      kill,
		gates:     gateReg,
		allowlist: allow,
		queue:     queue,
		scan:      threat.Scan,
	}
}

// Evaluate runs the precedence ladder for one operation. The kill switch is
// checked before anything else, including descriptor validation, so that a
// halted gateway answers deterministically even to malformed requests.
func (e *Evaluator) Evaluate(ctx context.Context, op models.Operation) (Outcome, error) {
	if e.kill.Active() {
		return Outcome{Verdict: VerdictDeny, Reason: ReasonKillSwitchActive}, nil
	}
	if err := op.Validate(); err != nil {
		return Outcome{}, err
	}
	target := models.TargetForHost(op.Host)

	gate, err := e.gates.Get(ctx, target, op.GateID)
	if err != nil {
		if errors.Is(err, gates.ErrGateUnknown) {
			return Outcome{Verdict: VerdictDeny, Reason: ReasonGateUnknown}, nil
		}
		return Outcome{}, err
	}
	if !gate.Enabled {
		return Outcome{Verdict: VerdictDeny, Reason: ReasonGateDisabled}, nil
	}
	switch gate.DefaultAction {
	case models.ActionAllow:
		return Outcome{Verdict: VerdictAllow, Reason: ReasonGateDefaultAllow}, nil
	case models.ActionBlock:
		return Outcome{Verdict: VerdictDeny, Reason: ReasonGateBlocked}, nil
	}

	rule, err := e.allowlist.ResolveAllow(ctx, target, op.AgentID, op.Host, op.Command)
	if err != nil {
		return Outcome{}, err
	}
	if rule != nil {
		return Outcome{Verdict: VerdictAllow, Reason: ReasonAllowlistMatch}, nil
	}

	report := e.scan(op.Command)
	req, err := e.queue.Enqueue(op, gate.ID, report)
	if err != nil && !errors.Is(err, approvals.ErrDuplicate) {
		return Outcome{}, err
	}
	return Outcome{
		Verdict:     VerdictPending,
		Reason:      ReasonApprovalPending,
		RequestID:   req.ID,
		Report:      &req.Report,
		ExpiresAtMs: req.ExpiresAtMs,
	}, nil
}

// ApplyDecision resolves a pending request and, for allow-always, records a
// durable allow-list rule. The queue transition happens first so a failed
// rule write can never leave a decided request looking pending.
func (e *Evaluator) ApplyDecision(ctx context.Context, requestID string, kind approvals.DecisionKind, actorID string) (approvals.Request, error) {
	req, err := e.queue.Decide(requestID, approvals.Decision{Kind: kind, ActorID: actorID})
	if err != nil {
		return req, err
	}
	if kind == approvals.DecideAllowAlways {
		rule := policydoc.Rule{
			AgentID:          req.AgentID,
			Host:             req.Host,
			CommandSignature: policydoc.CommandSignature(req.Command),
			CreatedBy:        actorID,
		}
		if req.Decision != nil {
			rule.CreatedAtMs = req.Decision.DecidedAt
		}
		if err := e.allowlist.AddRule(ctx, models.TargetForHost(req.Host), rule); err != nil {
			return req, fmt.Errorf("record allow-always rule: %w", err)
		}
	}
	return req, nil
}
