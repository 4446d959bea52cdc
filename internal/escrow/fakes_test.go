package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/fraud"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/payouts"
)

// fakeStore is a minimal in-memory Store with the same conditional update
// semantics as the real backends.
type fakeStore struct {
	mu      sync.Mutex
	escrows map[string]*Escrow
	payouts []*payouts.Payout
	jobs    []*jobs.Job
	ledger  []*ledger.Transaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{escrows: make(map[string]*Escrow)}
}

func (f *fakeStore) CreateEscrow(_ context.Context, e *Escrow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.escrows[e.ID] = &cp
	return nil
}

func (f *fakeStore) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) ListEscrows(_ context.Context, flt ListFilter) ([]*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Escrow
	for _, e := range f.escrows {
		if flt.UserID != "" && !e.IsParty(flt.UserID) {
			continue
		}
		if flt.State != "" && e.State != flt.State {
			continue
		}
		if !flt.Cursor.After(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > flt.Limit+1 {
		out = out[:flt.Limit+1]
	}
	return out, nil
}

func (f *fakeStore) ListExpiredEscrows(_ context.Context, now time.Time, limit int) ([]*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Escrow
	for _, e := range f.escrows {
		if e.State == StateWaitingForPayment && e.ExpiresAt.Before(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) TransitionEscrow(_ context.Context, req TransitionRequest) (*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.escrows[req.EscrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.State != req.From {
		return nil, ErrConflict
	}
	e.Apply(req.To, req.Actor.ID, req.Reason, req.At)
	f.payouts = append(f.payouts, req.Payouts...)
	f.jobs = append(f.jobs, req.Jobs...)
	f.ledger = append(f.ledger, req.Ledger...)
	cp := *e
	return &cp, nil
}

func (f *fakeStore) ListLedgerByEscrow(_ context.Context, escrowID string) ([]*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Transaction
	for _, tx := range f.ledger {
		if tx.EscrowID == escrowID {
			out = append(out, tx)
		}
	}
	return out, nil
}

// setState forces an escrow into a state, e.g. to simulate a confirmed payment.
func (f *fakeStore) setState(id string, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escrows[id].State = state
}

func (f *fakeStore) legs() []*payouts.Payout {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*payouts.Payout(nil), f.payouts...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []notify.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*jobs.Job
}

func (q *fakeQueue) EnqueueJob(_ context.Context, job *jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.jobs {
		if existing.Queue == job.Queue && existing.DedupeKey == job.DedupeKey {
			return nil
		}
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type fakeFraud struct {
	assessment *fraud.Assessment
	err        error
}

func (f fakeFraud) Evaluate(context.Context, fraud.Input) (*fraud.Assessment, error) {
	return f.assessment, f.err
}
