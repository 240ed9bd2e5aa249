package slskd

import (
	"context"
	"errors"

	"github.com/bozzfozz/soulspot-sub007/internal/breaker"
)

// Guarded wraps a Client so every call passes through the circuit
// breaker. While the breaker is open, calls fail immediately with an
// unavailable error and never touch the downloader.
type Guarded struct {
	inner Client
	br    *breaker.Breaker
}

func NewGuarded(inner Client, br *breaker.Breaker) *Guarded {
	return &Guarded{inner: inner, br: br}
}

// Breaker exposes the underlying breaker for health snapshots.
func (g *Guarded) Breaker() *breaker.Breaker {
	return g.br
}

func (g *Guarded) execute(op string, fn func() error) error {
	err := g.br.Execute(fn)
	if errors.Is(err, breaker.ErrOpen) {
		return newError(KindUnavailable, op, "circuit breaker open")
	}
	return err
}

func (g *Guarded) Search(ctx context.Context, query string) ([]Hit, error) {
	var hits []Hit
	err := g.execute("search", func() error {
		var err error
		hits, err = g.inner.Search(ctx, query)
		return err
	})
	return hits, err
}

func (g *Guarded) Enqueue(ctx context.Context, peer, filename string, priority int) (string, error) {
	var ref string
	err := g.execute("enqueue", func() error {
		var err error
		ref, err = g.inner.Enqueue(ctx, peer, filename, priority)
		return err
	})
	return ref, err
}

func (g *Guarded) Status(ctx context.Context, externalRef string) (*TransferStatus, error) {
	var st *TransferStatus
	err := g.execute("status", func() error {
		var err error
		st, err = g.inner.Status(ctx, externalRef)
		return err
	})
	return st, err
}

func (g *Guarded) Cancel(ctx context.Context, externalRef string) error {
	return g.execute("cancel", func() error {
		return g.inner.Cancel(ctx, externalRef)
	})
}

func (g *Guarded) Ping(ctx context.Context) error {
	return g.execute("ping", func() error {
		return g.inner.Ping(ctx)
	})
}
