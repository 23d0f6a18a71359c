package engine

import (
	"context"
	"fmt"
	"strings"
)

// fakeHandler is an in-memory Handler used across the engine tests. Absence
// is a missing map entry; errors are injected per name and operation.
type fakeHandler struct {
	kind      ResourceKind
	resources map[string]*ObservedState

	describeErr map[string]error
	createErr   map[string]error
	updateErr   map[string]error
	deleteErr   map[string]error

	created []string
	updated []string
	deleted []string
	drained []string

	// drainZeroes makes Drain set the instance count to zero, matching the
	// real scaling group behavior.
	drainZeroes bool

	// absentOnce makes the next Describe of the named resource report
	// absence even when seeded, simulating a resource that appears between
	// the existence re-check and the create call.
	absentOnce map[string]bool
}

func newFakeHandler(kind ResourceKind) *fakeHandler {
	return &fakeHandler{
		kind:        kind,
		resources:   make(map[string]*ObservedState),
		describeErr: make(map[string]error),
		createErr:   make(map[string]error),
		updateErr:   make(map[string]error),
		deleteErr:   make(map[string]error),
		absentOnce:  make(map[string]bool),
	}
}

// seed places an existing resource into the fake provider.
func (f *fakeHandler) seed(name string, fields map[string]string) *fakeHandler {
	if fields == nil {
		fields = map[string]string{}
	}
	f.resources[name] = &ObservedState{
		Key:        NodeKey{Kind: f.kind, Name: name},
		ProviderID: "existing-" + name,
		Fields:     fields,
	}
	return f
}

func (f *fakeHandler) Kind() ResourceKind { return f.kind }

func (f *fakeHandler) Describe(ctx context.Context, name string) (*ObservedState, error) {
	if err := f.describeErr[name]; err != nil {
		return nil, err
	}
	if f.absentOnce[name] {
		f.absentOnce[name] = false
		return nil, nil
	}
	state, ok := f.resources[name]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (f *fakeHandler) Create(ctx context.Context, desired DesiredState) (string, error) {
	if err := f.createErr[desired.Key.Name]; err != nil {
		return "", err
	}
	f.created = append(f.created, desired.Key.Name)
	id := fmt.Sprintf("created-%s", desired.Key.Name)
	fields := make(map[string]string, len(desired.Fields))
	for k, v := range desired.Fields {
		fields[k] = v
	}
	f.resources[desired.Key.Name] = &ObservedState{
		Key:        desired.Key,
		ProviderID: id,
		Fields:     fields,
	}
	return id, nil
}

func (f *fakeHandler) Update(ctx context.Context, desired DesiredState, observed ObservedState) error {
	if err := f.updateErr[desired.Key.Name]; err != nil {
		return err
	}
	f.updated = append(f.updated, desired.Key.Name)
	if state, ok := f.resources[desired.Key.Name]; ok {
		for k, v := range desired.Fields {
			state.Fields[k] = v
		}
	}
	return nil
}

func (f *fakeHandler) Delete(ctx context.Context, name string) error {
	if err := f.deleteErr[name]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, name)
	delete(f.resources, name)
	return nil
}

func (f *fakeHandler) List(ctx context.Context, prefix string) ([]ObservedState, error) {
	var out []ObservedState
	for name, state := range f.resources {
		if strings.HasPrefix(name, prefix) {
			out = append(out, *state)
		}
	}
	return out, nil
}

func (f *fakeHandler) Drain(ctx context.Context, name string) error {
	f.drained = append(f.drained, name)
	if f.drainZeroes {
		if state, ok := f.resources[name]; ok {
			state.Fields[FieldInstanceCount] = "0"
		}
	}
	return nil
}

// newTestRegistry registers one fake handler per kind and returns both.
func newTestRegistry(kinds ...ResourceKind) (*Registry, map[ResourceKind]*fakeHandler) {
	reg := NewRegistry()
	handlers := make(map[ResourceKind]*fakeHandler, len(kinds))
	for _, kind := range kinds {
		h := newFakeHandler(kind)
		handlers[kind] = h
		if err := reg.Register(h); err != nil {
			panic(err)
		}
	}
	return reg, handlers
}
