// Package memstore is an in-memory implementation of the compliance
// persistence ports. A transaction works on a copy of the state and swaps it
// in on commit, so a failed unit of work leaves nothing behind.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

var _ compliance.TransactionManager = (*Store)(nil)

// Stored values are never mutated in place: updates replace the pointer, so
// cloning the containers is enough to isolate a transaction.
type state struct {
	principals map[uuid.UUID]*principal.Principal
	emails     map[string]uuid.UUID
	consents   []*consent.Record
	versions   map[string]bool
	grievances map[uuid.UUID]*grievance.Grievance
	tickets    map[string]uuid.UUID
	ticketSeq  map[string]int
	events     []*audit.Event
	outbox     map[uuid.UUID]*notification.Message
}

func newState() *state {
	return &state{
		principals: make(map[uuid.UUID]*principal.Principal),
		emails:     make(map[string]uuid.UUID),
		versions:   make(map[string]bool),
		grievances: make(map[uuid.UUID]*grievance.Grievance),
		tickets:    make(map[string]uuid.UUID),
		ticketSeq:  make(map[string]int),
		outbox:     make(map[uuid.UUID]*notification.Message),
	}
}

func (s *state) clone() *state {
	c := &state{
		principals: make(map[uuid.UUID]*principal.Principal, len(s.principals)),
		emails:     make(map[string]uuid.UUID, len(s.emails)),
		consents:   append([]*consent.Record(nil), s.consents...),
		versions:   make(map[string]bool, len(s.versions)),
		grievances: make(map[uuid.UUID]*grievance.Grievance, len(s.grievances)),
		tickets:    make(map[string]uuid.UUID, len(s.tickets)),
		ticketSeq:  make(map[string]int, len(s.ticketSeq)),
		events:     append([]*audit.Event(nil), s.events...),
		outbox:     make(map[uuid.UUID]*notification.Message, len(s.outbox)),
	}
	for k, v := range s.principals {
		c.principals[k] = v
	}
	for k, v := range s.emails {
		c.emails[k] = v
	}
	for k, v := range s.versions {
		c.versions[k] = v
	}
	for k, v := range s.grievances {
		c.grievances[k] = v
	}
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	for k, v := range s.ticketSeq {
		c.ticketSeq[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

// Store is the in-memory transaction manager.
type Store struct {
	mu sync.RWMutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

// ExecuteInTransaction serializes units of work and commits fn's writes only
// when it returns nil.
func (s *Store) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context, repos compliance.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return errors.NewInternalError("transaction aborted: context cancelled").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &repos{store: s, tx: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Repositories() compliance.Repositories {
	return &repos{store: s}
}

type repos struct {
	store *Store
	tx    *state
}

func (r *repos) view(fn func(st *state) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return fn(r.store.st)
}

func (r *repos) update(fn func(st *state) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return fn(r.store.st)
}

func (r *repos) Principals() principal.Repository { return &principalRepo{r} }
func (r *repos) Consents() consent.Repository { return &consentRepo{r} }
func (r *repos) Grievances() grievance.Repository { return &grievanceRepo{r} }
func (r *repos) Audit() audit.Repository { return &auditRepo{r} }
func (r *repos) Outbox() notification.Outbox { return &outboxRepo{r} }
