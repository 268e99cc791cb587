// Package gates owns safety gate state. Every read and write of gate
// configuration goes through Registry; overrides live in the target's policy
// document under "gates.<id>" so they survive restarts with the rest of the
// policy state.
package gates

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Vleonone/aeonsage-sub000/pkg/models"
	"github.com/Vleonone/aeonsage-sub000/pkg/policydoc"
)

var (
	// ErrGateLocked rejects enabled/action changes on a locked gate
	// arriving through the standard management surface.
	ErrGateLocked = errors.New("gate is locked")

	// ErrGateUnknown is returned for gate ids outside the builtin set.
	ErrGateUnknown = errors.New("unknown gate")
)

// builtinGates is the closed set of policy categories. Overrides can change
// enabled and default_action but never add, remove, or unlock a gate.
var builtinGates = []models.SafetyGate{
	{
		ID:            "shell-exec",
		Name:          "Shell execution",
		Description:   "Running commands in a shell on the gateway or a node",
		Enabled:       true,
		Locked:        true,
		DefaultAction: models.ActionAsk,
	},
	{
		ID:            "file-write",
		Name:          "File writes",
		Description:   "Creating, modifying or deleting files outside the workspace",
		Enabled:       true,
		DefaultAction: models.ActionAsk,
	},
	{
		ID:            "file-read",
		Name:          "File reads",
		Description:   "Reading files outside the workspace",
		Enabled:       true,
		DefaultAction: models.ActionAllow,
	},
	{
		ID:            "net-access",
		Name:          "Network access",
		Description:   "Outbound network connections initiated by an agent",
		Enabled:       true,
		DefaultAction: models.ActionAsk,
	},
	{
		ID:            "secrets-access",
		Name:          "Secrets access",
		Description:   "Reading credential material or secret stores",
		Enabled:       true,
		Locked:        true,
		DefaultAction: models.ActionBlock,
	},
}

// DocumentStore is the slice of the policy document store the registry needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, target models.Target) (policydoc.View, error)
	Patch(ctx context.Context, target models.Target, path []string, value any) error
	Save(ctx context.Context, target models.Target) error
}

// Registry resolves effective gate state by layering per-target document
// overrides on top of the builtin definitions.
type Registry struct {
	docs DocumentStore
}

func NewRegistry(docs DocumentStore) *Registry {
	return &Registry{docs: docs}
}

// Get returns the effective gate for a target.
func (r *Registry) Get(ctx context.Context, target models.Target, gateID string) (models.SafetyGate, error) {
	base, ok := builtin(gateID)
	if !ok {
		return models.SafetyGate{}, fmt.Errorf("%w: %s", ErrGateUnknown, gateID)
	}
	overrides, err := r.overrides(ctx, target)
	if err != nil {
		return models.SafetyGate{}, err
	}
	return applyOverride(base, overrides[gateID]), nil
}

// List returns every gate for a target, sorted by id.
func (r *Registry) List(ctx context.Context, target models.Target) ([]models.SafetyGate, error) {
	overrides, err := r.overrides(ctx, target)
	if err != nil {
		return nil, err
	}
	out := make([]models.SafetyGate, 0, len(builtinGates))
	for _, base := range builtinGates {
		out = append(out, applyOverride(base, overrides[base.ID]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetEnabled toggles a gate through the standard management surface. Locked
// gates reject the change with ErrGateLocked and keep their current state.
func (r *Registry) SetEnabled(ctx context.Context, target models.Target, gateID string, enabled bool) error {
	base, ok := builtin(gateID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrGateUnknown, gateID)
	}
	if base.Locked {
		return fmt.Errorf("%w: %s", ErrGateLocked, gateID)
	}
	return r.persistOverride(ctx, target, gateID, "enabled", enabled)
}

// SetDefaultAction changes a gate's default disposition. Locked gates refuse.
func (r *Registry) SetDefaultAction(ctx context.Context, target models.Target, gateID string, action models.GateAction) error {
	base, ok := builtin(gateID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrGateUnknown, gateID)
	}
	if base.Locked {
		return fmt.Errorf("%w: %s", ErrGateLocked, gateID)
	}
	if !action.Valid() {
		return fmt.Errorf("invalid gate action %q", action)
	}
	return r.persistOverride(ctx, target, gateID, "default_action", string(action))
}

func (r *Registry) persistOverride(ctx context.Context, target models.Target, gateID, field string, value any) error {
	if err := r.docs.Patch(ctx, target, []string{"gates", gateID, field}, value); err != nil {
		return err
	}
	return r.docs.Save(ctx, target)
}

func (r *Registry) overrides(ctx context.Context, target models.Target) (map[string]map[string]any, error) {
	view, err := r.docs.GetDocument(ctx, target)
	if err != nil {
		return nil, err
	}
	raw, ok := view.Doc["gates"].(map[string]any)
	if !ok {
		return nil, nil
	}
	out := make(map[string]map[string]any, len(raw))
	for id, v := range raw {
		if override, ok := v.(map[string]any); ok {
			out[id] = override
		}
	}
	return out, nil
}

func builtin(gateID string) (models.SafetyGate, bool) {
	for _, g := range builtinGates {
		if g.ID == gateID {
			return g, true
		}
	}
	return models.SafetyGate{}, false
}

func applyOverride(base models.SafetyGate, override map[string]any) models.SafetyGate {
	if override == nil || base.Locked {
		return base
	}
	if v, ok := override["enabled"].(bool); ok {
		base.Enabled = v
	}
	if v, ok := override["default_action"].(string); ok {
		if action := models.GateAction(v); action.Valid() {
			base.DefaultAction = action
		}
	}
	return base
}
