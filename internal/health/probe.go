package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/edudeploy/internal/xerrors"
)

// Probe is evaluated at request time
// nil = OK non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always returns ok or fails with the given reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All is AND: passes only if all probes pass; returns the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Gate is a readiness switch for a batch run. A closed gate fails its probe
// with the reason it was closed with; an open gate passes.
type Gate struct {
	closed atomic.Bool
	reason atomic.Value
}

// NewGate returns a gate that starts closed with reason.
func NewGate(reason string) *Gate {
	g := &Gate{}
	g.Close(reason)
	return g
}

// Close fails the probe with reason until Open is called.
func (g *Gate) Close(reason string) {
	g.reason.Store(reason)
	g.closed.Store(true)
}

func (g *Gate) Open() {
	g.closed.Store(false)
	g.reason.Store("")
}

func (g *Gate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.closed.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "not ready"
		}
		return xerrors.New(r)
	}
}
