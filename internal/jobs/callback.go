package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Callback is the opaque work of a job. A returned error marks the run as
// failed; callbacks must tolerate at-least-once execution.
type Callback interface {
	Execute(ctx context.Context, desc Descriptor) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, desc Descriptor) error

func (f CallbackFunc) Execute(ctx context.Context, desc Descriptor) error { return f(ctx, desc) }

var (
	ErrUnknownKind   = errors.New("unknown job kind")
	ErrDuplicateKind = errors.New("job kind already registered")
)

// Factory builds the callback for a job kind. Params carries kind-specific
// settings (from config or the scheduling request) and may be nil.
type Factory func(params json.RawMessage) (Callback, error)

// Factories maps job kinds to constructors. The zero value is not usable;
// use NewFactories.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory

	// Built callbacks, keyed by job key.
	cbMu sync.RWMutex
	cb   map[string]bound
}

type bound struct {
	cb     Callback
	params json.RawMessage
}

func NewFactories() *Factories {
	return &Factories{m: map[string]Factory{}, cb: map[string]bound{}}
}

func (f *Factories) Register(kind string, fn Factory) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || fn == nil {
		return fmt.Errorf("register job kind: empty kind or nil factory")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.m[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	f.m[kind] = fn
	return nil
}

// MustRegister is Register for startup wiring.
func (f *Factories) MustRegister(kind string, fn Factory) {
	if err := f.Register(kind, fn); err != nil {
		panic(err)
	}
}

func (f *Factories) Has(kind string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.m[kind]
	return ok
}

func (f *Factories) Kinds() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.m))
	for k := range f.m {
		out = append(out, k)
	}
	f.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Bind builds the callback for desc and remembers it under desc.Key().
// A later Bind for the same key replaces the previous callback.
func (f *Factories) Bind(desc Descriptor, params json.RawMessage) (Callback, error) {
	f.mu.RLock()
	fn, ok := f.m[desc.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, desc.Kind)
	}
	cb, err := fn(params)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", desc.Kind, err)
	}
	f.cbMu.Lock()
	f.cb[desc.Key()] = bound{cb: cb, params: params}
	f.cbMu.Unlock()
	return cb, nil
}

// Resolve returns the bound callback for desc, building one with nil params
// if the job was scheduled elsewhere and landed here.
func (f *Factories) Resolve(desc Descriptor) (Callback, error) {
	f.cbMu.RLock()
	b, ok := f.cb[desc.Key()]
	f.cbMu.RUnlock()
	if ok {
		return b.cb, nil
	}
	return f.Bind(desc, nil)
}

// Params returns the settings the job was bound with.
func (f *Factories) Params(key string) json.RawMessage {
	f.cbMu.RLock()
	defer f.cbMu.RUnlock()
	return f.cb[key].params
}

func (f *Factories) Unbind(key string) {
	f.cbMu.Lock()
	delete(f.cb, key)
	f.cbMu.Unlock()
}
