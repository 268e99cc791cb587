// Package statebus mirrors policy decisions onto a Kafka topic so remote
// execution nodes can observe verdicts and kill-switch transitions without
// polling the gateway.
package statebus

import (
	"context"
	"encoding/json"
	"time"
)

// DecisionEvent is the wire shape of one published verdict or transition.
type DecisionEvent struct {
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	AgentID     string `json:"agent_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Verdict     string `json:"verdict,omitempty"`
	Reason      string `json:"reason,omitempty"`
	EmittedAtMs int64  `json:"emitted_at_ms"`
}

func NewDecisionEvent(kind, target string) DecisionEvent {
	return DecisionEvent{Kind: kind, Target: target, EmittedAtMs: time.Now().UnixMilli()}
}

func (e DecisionEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type Message struct {
	Key   []byte
	Value []byte
}

// Publisher pushes decision events to the bus.
type Publisher interface {
	Publish(ctx context.Context, evt DecisionEvent) error
	Close() error
}

// Consumer reads decision events from the bus, for node-side mirrors.
type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DecisionEvent) error { return nil }
func (NopPublisher) Close() error                                 { return nil }
