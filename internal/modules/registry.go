package modules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenFEACore/internal/session"
	"go.uber.org/zap"
)

// Registry owns the modules built from the device catalog.
type Registry struct {
	sess     *session.Session
	modules  []Module
	byNumber map[int]Module
	mu       sync.RWMutex
	logger   *zap.Logger
}

// ChannelReadiness is one cached readiness flag.
type ChannelReadiness struct {
	Module  int    `json:"module"`
	Name    string `json:"name"`
	Channel int    `json:"channel"`
	Ready   bool   `json:"ready"`
}

// NewRegistry reads the catalog and builds one module per known family.
// Unknown families are logged and skipped.
func NewRegistry(ctx context.Context, sess *session.Session, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	descriptors, err := sess.ReadCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read module catalog: %w", err)
	}

	r := &Registry{
		sess:     sess,
		byNumber: make(map[int]Module, len(descriptors)),
		logger:   logger,
	}

	for _, d := range descriptors {
		family, ok := LookupFamily(d.Name)
		if !ok {
			logger.Warn("Skipping module of unknown family",
				zap.Int("module", d.Number),
				zap.String("name", d.Name))
			continue
		}

		m := r.build(d, family)
		r.modules = append(r.modules, m)
		r.byNumber[d.Number] = m

		logger.Info("Module registered",
			zap.Int("module", d.Number),
			zap.String("name", d.Name),
			zap.String("kind", string(family.Kind)),
			zap.Ints("channels", family.Channels))
	}

	sort.Slice(r.modules, func(i, j int) bool { return r.modules[i].Number() < r.modules[j].Number() })
	return r, nil
}

func (r *Registry) build(d session.Descriptor, family Family) Module {
	b := newBase(r.sess, d, family, r.refresh, r.logger)
	if family.Kind == KindMeter {
		return &Meter{base: b}
	}
	supply := &Supply{base: b}
	if family.Explicit {
		return &MultiSupply{Supply: supply}
	}
	return supply
}

func (r *Registry) refresh(ctx context.Context) error {
	_, err := r.RefreshReadiness(ctx)
	return err
}

// Session returns the session the modules are built on.
func (r *Registry) Session() *session.Session {
	return r.sess
}

// Modules returns all modules ordered by number.
func (r *Registry) Modules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, len(r.modules))
	copy(out, r.modules)
	return out
}

// Get returns the module with the given logical number.
func (r *Registry) Get(number int) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byNumber[number]
	if !ok {
		return nil, fmt.Errorf("%w: %d", session.ErrUnknownModule, number)
	}
	return m, nil
}

// ByName returns the module with the given catalog name, case-insensitively.
func (r *Registry) ByName(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.modules {
		if strings.EqualFold(m.Name(), name) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", session.ErrUnknownModule, name)
}

// Supply returns the supply with the given number.
func (r *Registry) Supply(number int) (*Supply, error) {
	m, err := r.Get(number)
	if err != nil {
		return nil, err
	}
	s := AsSupply(m)
	if s == nil {
		return nil, fmt.Errorf("module %d: %w", number, ErrUnsupported)
	}
	return s, nil
}

// Meter returns the meter with the given number.
func (r *Registry) Meter(number int) (*Meter, error) {
	m, err := r.Get(number)
	if err != nil {
		return nil, err
	}
	meter, ok := m.(*Meter)
	if !ok {
		return nil, fmt.Errorf("module %d: %w", number, ErrUnsupported)
	}
	return meter, nil
}

// AsSupply returns the supply behind m, or nil for other kinds.
func AsSupply(m Module) *Supply {
	switch v := m.(type) {
	case *Supply:
		return v
	case *MultiSupply:
		return v.Supply
	}
	return nil
}

// Supplies returns all supply modules.
func (r *Registry) Supplies() []*Supply {
	var out []*Supply
	for _, m := range r.Modules() {
		if s := AsSupply(m); s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Meters returns all meter modules.
func (r *Registry) Meters() []*Meter {
	var out []*Meter
	for _, m := range r.Modules() {
		if meter, ok := m.(*Meter); ok {
			out = append(out, meter)
		}
	}
	return out
}

// Targets returns the modules as questionable walk targets.
func (r *Registry) Targets() []session.Target {
	modules := r.Modules()
	out := make([]session.Target, len(modules))
	for i, m := range modules {
		out[i] = m
	}
	return out
}

// Apply stores readiness updates in the modules and returns the updates that
// changed a cached flag. Updates for unknown modules or channels are dropped.
func (r *Registry) Apply(updates []session.ReadinessUpdate) []session.ReadinessUpdate {
	var changed []session.ReadinessUpdate
	for _, u := range updates {
		m, err := r.Get(u.Module)
		if err != nil {
			r.logger.Debug("Readiness update for unknown module", zap.Int("module", u.Module))
			continue
		}
		if m.core().setReady(u.Channel, u.Ready) {
			changed = append(changed, u)
			r.logger.Info("Channel readiness changed",
				zap.Int("module", u.Module),
				zap.Int("channel", u.Channel),
				zap.Bool("ready", u.Ready))
		}
	}
	return changed
}

// RefreshReadiness walks the questionable tree now and applies the result.
func (r *Registry) RefreshReadiness(ctx context.Context) ([]session.ReadinessUpdate, error) {
	updates, err := r.sess.ReadQuestionableTree(ctx, r.Targets())
	if err != nil {
		return nil, fmt.Errorf("failed to read questionable registers: %w", err)
	}
	return r.Apply(updates), nil
}

// Readiness returns every cached flag without wire traffic.
func (r *Registry) Readiness() []ChannelReadiness {
	var out []ChannelReadiness
	for _, m := range r.Modules() {
		for _, ch := range m.Channels() {
			ready, _ := m.core().Ready(ch)
			out = append(out, ChannelReadiness{Module: m.Number(), Name: m.Name(), Channel: ch, Ready: ready})
		}
	}
	return out
}

// TurnOnAll switches every module on, waiting once at the end when wait is set.
func (r *Registry) TurnOnAll(ctx context.Context, wait bool) error {
	return r.switchAll(ctx, true, wait)
}

// TurnOffAll switches every module off. It keeps going after a failure and
// returns all errors joined.
func (r *Registry) TurnOffAll(ctx context.Context, wait bool) error {
	return r.switchAll(ctx, false, wait)
}

func (r *Registry) switchAll(ctx context.Context, on, wait bool) error {
	var errs []error
	for _, m := range r.Modules() {
		var err error
		if on {
			err = m.TurnOn(ctx, false)
		} else {
			err = m.TurnOff(ctx, false)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if wait {
		if err := r.sess.WaitForOperationComplete(ctx, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
