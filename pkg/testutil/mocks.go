// Package testutil provides test doubles for the ledger transport, signing
// and clock collaborators.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/R3E-Network/collateral_vault/internal/chain"
)

// ErrTransport is returned by FlakyTransport for injected network failures.
var ErrTransport = errors.New("testutil: injected transport failure")

// ErrDeclined is returned by DecliningSigner.
var ErrDeclined = errors.New("testutil: user declined to sign")

// Transport is the ledger surface FlakyTransport wraps.
type Transport interface {
	LatestReference(ctx context.Context) (chain.Reference, error)
	Send(ctx context.Context, sub *chain.Submission) (chain.Receipt, error)
	Status(ctx context.Context, id string) (chain.Status, error)
}

// FlakyTransport injects failures in front of a real transport. Each counter
// is consumed by one call of the matching kind, in the order the fields are
// listed.
type FlakyTransport struct {
	Inner Transport

	mu sync.Mutex
	// FailSends fails sends without forwarding them.
	FailSends int
	// LoseReceipts forwards sends and then reports a failure, as if the
	// response had been lost.
	LoseReceipts int
	// ExpireSends rejects sends as carrying an expired reference.
	ExpireSends int
	// BusySends rejects sends with a retryable non-expiry rejection.
	BusySends int
	// PendingPolls reports StatePending instead of asking the inner status.
	PendingPolls int
	// FailReferences fails LatestReference calls.
	FailReferences int

	sends    int
	statuses int
}

var _ Transport = (*FlakyTransport)(nil)

// NewFlakyTransport wraps inner.
func NewFlakyTransport(inner Transport) *FlakyTransport {
	return &FlakyTransport{Inner: inner}
}

// LatestReference implements Transport.
func (f *FlakyTransport) LatestReference(ctx context.Context) (chain.Reference, error) {
	f.mu.Lock()
	if f.FailReferences > 0 {
		f.FailReferences--
		f.mu.Unlock()
		return chain.Reference{}, ErrTransport
	}
	f.mu.Unlock()
	return f.Inner.LatestReference(ctx)
}

// Send implements Transport.
func (f *FlakyTransport) Send(ctx context.Context, sub *chain.Submission) (chain.Receipt, error) {
	f.mu.Lock()
	f.sends++
	switch {
	case f.FailSends > 0:
		f.FailSends--
		f.mu.Unlock()
		return chain.Receipt{}, ErrTransport
	case f.LoseReceipts > 0:
		f.LoseReceipts--
		f.mu.Unlock()
		if _, err := f.Inner.Send(ctx, sub); err != nil {
			return chain.Receipt{}, err
		}
		return chain.Receipt{}, ErrTransport
	case f.ExpireSends > 0:
		f.ExpireSends--
		f.mu.Unlock()
		return chain.Receipt{}, &chain.RejectError{Reason: "reference expired", Retryable: true, ReferenceExpired: true}
	case f.BusySends > 0:
		f.BusySends--
		f.mu.Unlock()
		return chain.Receipt{}, &chain.RejectError{Reason: "ledger busy", Retryable: true}
	}
	f.mu.Unlock()
	return f.Inner.Send(ctx, sub)
}

// Status implements Transport.
func (f *FlakyTransport) Status(ctx context.Context, id string) (chain.Status, error) {
	f.mu.Lock()
	f.statuses++
	if f.PendingPolls > 0 {
		f.PendingPolls--
		f.mu.Unlock()
		return chain.Status{ID: id, State: chain.StatePending}, nil
	}
	f.mu.Unlock()
	return f.Inner.Status(ctx, id)
}

// Sends returns the number of Send calls seen.
func (f *FlakyTransport) Sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

// StatusCalls returns the number of Status calls seen.
func (f *FlakyTransport) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses
}

// DecliningSigner has an identity but refuses to sign.
type DecliningSigner struct {
	Addr string
}

// Address returns the configured identity.
func (s DecliningSigner) Address() string { return s.Addr }

// Sign always declines.
func (s DecliningSigner) Sign(context.Context, *chain.Submission) error { return ErrDeclined }

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Invalidations records cache invalidations.
type Invalidations struct {
	mu     sync.Mutex
	owners []string
}

// Invalidate records owners.
func (i *Invalidations) Invalidate(_ context.Context, owners ...string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.owners = append(i.owners, owners...)
	return nil
}

// Owners returns every owner invalidated so far.
func (i *Invalidations) Owners() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.owners...)
}
