package models

import (
	"errors"
	"fmt"
	"strings"
)

// TargetKind distinguishes the gateway's own policy document from the
// per-node documents of remote execution nodes.
type TargetKind string

const (
	TargetGateway TargetKind = "gateway"
	TargetNode    TargetKind = "node"
)

var ErrInvalidTarget = errors.New("invalid policy target")

// Target identifies the owner of a policy document.
type Target struct {
	Kind   TargetKind `json:"kind"`
	NodeID string     `json:"node_id,omitempty"`
}

// GatewayTarget is the gateway's own document.
func GatewayTarget() Target { return Target{Kind: TargetGateway} }

// NodeTarget addresses a remote execution node's document.
func NodeTarget(nodeID string) Target {
	return Target{Kind: TargetNode, NodeID: strings.TrimSpace(nodeID)}
}

// TargetForHost maps an operation's host to the policy document governing
// it. The gateway's own host names resolve to the gateway document; anything
// else is treated as a node id.
func TargetForHost(host string) Target {
	switch strings.TrimSpace(host) {
	case "", "gateway", "localhost":
		return GatewayTarget()
	default:
		return NodeTarget(host)
	}
}

// ParseTarget accepts "gateway" or "node:<id>".
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, string(TargetGateway)) {
		return GatewayTarget(), nil
	}
	if rest, ok := strings.CutPrefix(raw, "node:"); ok {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return Target{}, fmt.Errorf("%w: empty node id", ErrInvalidTarget)
		}
		return NodeTarget(rest), nil
	}
	return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
}

func (t Target) Validate() error {
	switch t.Kind {
	case TargetGateway:
		return nil
	case TargetNode:
		if strings.TrimSpace(t.NodeID) == "" {
			return fmt.Errorf("%w: node target requires node id", ErrInvalidTarget)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidTarget, t.Kind)
	}
}

// Key is the stable storage key for the target's document.
func (t Target) Key() string {
	if t.Kind == TargetNode {
		return "node:" + t.NodeID
	}
	return string(TargetGateway)
}

func (t Target) String() string { return t.Key() }
