package policy

import (
	"sync"

	"github.com/latchwork/latch/pkg/envelope"
)

// ActionSpec is one registered action's policy posture. Unregistered
// actions skip the registry layer entirely and fall through to the base
// policy.
type ActionSpec struct {
	Name string

	// MinZone is the lowest zone the action may run in without an
	// approval. Empty means any zone.
	MinZone envelope.Zone

	// Irreversible actions outside high_stakes escalate to approval.
	Irreversible bool

	// RequiresPreApproval escalates unconditionally unless an approved
	// approval already covers the request.
	RequiresPreApproval bool

	// ExternalWrite routes the action through the kill switch and the
	// approval gate.
	ExternalWrite bool

	// Egress subjects the action to quarantine and the hourly quota,
	// and records an egress entry when allowed.
	Egress bool
}

// Registry maps action names to their specs. It is safe for concurrent
// use; services may register additional actions at startup.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]ActionSpec
}

// NewRegistry returns a registry seeded with the built-in actions.
func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]ActionSpec)}
	for _, spec := range builtinActions() {
		r.actions[spec.Name] = spec
	}
	return r
}

func (r *Registry) Register(spec ActionSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[spec.Name] = spec
}

func (r *Registry) Lookup(name string) (ActionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.actions[name]
	return spec, ok
}

// Names returns the registered action names, for the system summary.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}

func builtinActions() []ActionSpec {
	return []ActionSpec{
		{Name: ActionExternalWrite, ExternalWrite: true, Egress: true},
		{Name: ActionDataRead},
		{Name: ActionDataWrite},
		{Name: "notify.send_email", ExternalWrite: true, Egress: true},
		{Name: "github.merge_pr", ExternalWrite: true, Egress: true, Irreversible: true},
		{Name: "payment.execute", ExternalWrite: true, Egress: true, Irreversible: true, RequiresPreApproval: true},
		{Name: "shell.exec", MinZone: envelope.ZoneSupervised},
		{Name: "secrets.rotate", MinZone: envelope.ZoneHighStakes, RequiresPreApproval: true},
	}
}
