package gates

import (
	"context"
	"errors"
	"testing"

	"github.com/Vleonone/aeonsage-sub000/pkg/models"
	"github.com/Vleonone/aeonsage-sub000/pkg/policydoc"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(policydoc.NewStore(policydoc.NewMemoryPersister()))
}

func TestGetAndListBuiltins(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	ctx := context.Background()
	target := models.GatewayTarget()

	gate, err := r.Get(ctx, target, "shell-exec")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !gate.Enabled || !gate.Locked || gate.DefaultAction != models.ActionAsk {
		t.Fatalf("shell-exec gate = %+v", gate)
	}

	all, err := r.List(ctx, target)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != len(builtinGates) {
		t.Fatalf("List returned %d gates, want %d", len(all), len(builtinGates))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatalf("List not sorted: %s before %s", all[i-1].ID, all[i].ID)
		}
	}

	if _, err := r.Get(ctx, target, "no-such-gate"); !errors.Is(err, ErrGateUnknown) {
		t.Fatalf("Get unknown err = %v; want ErrGateUnknown", err)
	}
}

func TestSetEnabledPersistsOverride(t *testing.T) {
	t.Parallel()
	docs := policydoc.NewStore(policydoc.NewMemoryPersister())
	r := NewRegistry(docs)
	ctx := context.Background()
	target := models.GatewayTarget()

	if err := r.SetEnabled(ctx, target, "file-write", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	gate, err := r.Get(ctx, target, "file-write")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gate.Enabled {
		t.Fatal("file-write should be disabled after SetEnabled(false)")
	}

	// The override lands in the committed document, not just registry state.
	view, err := docs.GetDocument(ctx, target)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if view.Dirty {
		t.Fatal("document should be committed after SetEnabled")
	}
	override, _ := view.Doc["gates"].(map[string]any)["file-write"].(map[string]any)
	if enabled, ok := override["enabled"].(bool); !ok || enabled {
		t.Fatalf("persisted override = %+v", override)
	}
}

func TestLockedGateRejectsChanges(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	ctx := context.Background()
	target := models.GatewayTarget()

	if err := r.SetEnabled(ctx, target, "shell-exec", false); !errors.Is(err, ErrGateLocked) {
		t.Fatalf("SetEnabled locked err = %v; want ErrGateLocked", err)
	}
	if err := r.SetDefaultAction(ctx, target, "secrets-access", models.ActionAllow); !errors.Is(err, ErrGateLocked) {
		t.Fatalf("SetDefaultAction locked err = %v; want ErrGateLocked", err)
	}

	gate, err := r.Get(ctx, target, "shell-exec")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !gate.Enabled {
		t.Fatal("locked gate state must be unchanged after rejected SetEnabled")
	}
}

func TestSetDefaultAction(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	ctx := context.Background()
	target := models.GatewayTarget()

	if err := r.SetDefaultAction(ctx, target, "net-access", models.ActionBlock); err != nil {
		t.Fatalf("SetDefaultAction: %v", err)
	}
	gate, err := r.Get(ctx, target, "net-access")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gate.DefaultAction != models.ActionBlock {
		t.Fatalf("net-access default = %s; want block", gate.DefaultAction)
	}

	if err := r.SetDefaultAction(ctx, target, "net-access", models.GateAction("maybe")); err == nil {
		t.Fatal("invalid action should be rejected")
	}
}

func TestOverridesArePerTarget(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	ctx := context.Background()

	if err := r.SetEnabled(ctx, models.NodeTarget("node-1"), "file-write", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	nodeGate, err := r.Get(ctx, models.NodeTarget("node-1"), "file-write")
	if err != nil {
		t.Fatalf("Get node: %v", err)
	}
	gwGate, err := r.Get(ctx, models.GatewayTarget(), "file-write")
	if err != nil {
		t.Fatalf("Get gateway: %v", err)
	}
	if nodeGate.Enabled || !gwGate.Enabled {
		t.Fatalf("node enabled=%v gateway enabled=%v; override leaked across targets", nodeGate.Enabled, gwGate.Enabled)
	}
}

func TestLockedGateIgnoresDocumentOverride(t *testing.T) {
	t.Parallel()
	docs := policydoc.NewStore(policydoc.NewMemoryPersister())
	r := NewRegistry(docs)
	ctx := context.Background()
	target := models.GatewayTarget()

	// A hand-edited document cannot weaken a locked gate.
	if err := docs.Patch(ctx, target, []string{"gates", "secrets-access", "default_action"}, "allow"); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if err := docs.Save(ctx, target); err != nil {
		t.Fatalf("Save: %v", err)
	}
	gate, err := r.Get(ctx, target, "secrets-access")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gate.DefaultAction != models.ActionBlock {
		t.Fatalf("secrets-access default = %s; locked gate must ignore overrides", gate.DefaultAction)
	}
}
