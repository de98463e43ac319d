// Package lifecycle starts the worker process's components in order and
// stops them in reverse.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Component is anything with a start/stop pair. Start must not block.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Runner is a component that also does blocking work until ctx ends.
type Runner interface {
	Component
	Run(ctx context.Context) error
}

const DefaultShutdownTimeout = 45 * time.Second

type Manager struct {
	components      []Component
	ShutdownTimeout time.Duration
}

func New() *Manager {
	return &Manager{ShutdownTimeout: DefaultShutdownTimeout}
}

// Add registers components in start order. The first one added is stopped last.
func (m *Manager) Add(cs ...Component) {
	m.components = append(m.components, cs...)
}

// Run starts everything, blocks until ctx is cancelled or a runner fails,
// then shuts everything down. If a component fails to start, the ones
// already started are shut down and the start error returned.
func (m *Manager) Run(ctx context.Context) error {
	started := make([]Component, 0, len(m.components))
	for _, c := range m.components {
		if err := c.Start(ctx); err != nil {
			slog.Error("component failed to start", "component", c.Name(), "error", err)
			return errors.Join(fmt.Errorf("start %s: %w", c.Name(), err), m.shutdown(started))
		}
		slog.Info("component started", "component", c.Name())
		started = append(started, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range started {
		r, ok := c.(Runner)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := r.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", r.Name(), err)
			}
			return nil
		})
	}

	<-gctx.Done()
	slog.Info("shutting down", "components", len(started))
	shutdownErr := m.shutdown(started)
	return errors.Join(g.Wait(), shutdownErr)
}

func (m *Manager) shutdown(started []Component) error {
	timeout := m.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.Shutdown(ctx); err != nil {
			slog.Error("component failed to shut down", "component", c.Name(), "error", err)
			errs = append(errs, fmt.Errorf("shutdown %s: %w", c.Name(), err))
			continue
		}
		slog.Info("component stopped", "component", c.Name())
	}
	return errors.Join(errs...)
}

// Periodic runs fn on a fixed interval while the manager runs. Errors are
// logged and the next tick proceeds.
type Periodic struct {
	name      string
	interval  time.Duration
	fn        func(ctx context.Context) error
	immediate bool
}

// Every builds a periodic component. With immediate set, fn also runs once
// at start.
func Every(name string, interval time.Duration, immediate bool, fn func(ctx context.Context) error) *Periodic {
	return &Periodic{name: name, interval: interval, fn: fn, immediate: immediate}
}

func (p *Periodic) Name() string                       { return p.name }
func (p *Periodic) Start(ctx context.Context) error    { return nil }
func (p *Periodic) Shutdown(ctx context.Context) error { return nil }

func (p *Periodic) Run(ctx context.Context) error {
	if p.immediate {
		p.tick(ctx)
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Periodic) tick(ctx context.Context) {
	if err := p.fn(ctx); err != nil && ctx.Err() == nil {
		slog.Error("periodic task failed", "task", p.name, "error", err)
	}
}

// Func adapts plain start and stop functions. Either may be nil.
type Func struct {
	ComponentName string
	OnStart       func(ctx context.Context) error
	OnShutdown    func(ctx context.Context) error
}

func (f Func) Name() string { return f.ComponentName }

func (f Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Func) Shutdown(ctx context.Context) error {
	if f.OnShutdown == nil {
		return nil
	}
	return f.OnShutdown(ctx)
}
