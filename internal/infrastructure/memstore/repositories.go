package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

type principalRepo struct{ *repos }

func (r *principalRepo) Create(_ context.Context, p *principal.Principal) error {
	return r.update(func(st *state) error {
		if _, ok := st.emails[p.Email]; ok {
			return errors.NewConflictError(errors.CodeConflict, "email already registered")
		}
		if _, ok := st.principals[p.ID]; ok {
			return errors.NewConflictError(errors.CodeConflict, "principal already exists")
		}
		cp := *p
		st.principals[p.ID] = &cp
		st.emails[p.Email] = p.ID
		return nil
	})
}

func (r *principalRepo) Get(_ context.Context, id uuid.UUID) (*principal.Principal, error) {
	var out *principal.Principal
	err := r.view(func(st *state) error {
		p, ok := st.principals[id]
		if !ok {
			return errors.NewNotFoundError("principal")
		}
		cp := *p
		out = &cp
		return nil
	})
	return out, err
}

func (r *principalRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*principal.Principal, error) {
	return r.Get(ctx, id)
}

func (r *principalRepo) GetByEmail(ctx context.Context, email string) (*principal.Principal, error) {
	var id uuid.UUID
	err := r.view(func(st *state) error {
		found, ok := st.emails[email]
		if !ok {
			return errors.NewNotFoundError("principal")
		}
		id = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *principalRepo) Update(_ context.Context, p *principal.Principal) error {
	return r.update(func(st *state) error {
		old, ok := st.principals[p.ID]
		if !ok {
			return errors.NewNotFoundError("principal")
		}
		if old.Email != p.Email {
			if owner, taken := st.emails[p.Email]; taken && owner != p.ID {
				return errors.NewConflictError(errors.CodeConflict, "email already registered")
			}
			delete(st.emails, old.Email)
			st.emails[p.Email] = p.ID
		}
		cp := *p
		st.principals[p.ID] = &cp
		return nil
	})
}

func (r *principalRepo) ListByRole(_ context.Context, role principal.Role) ([]*principal.Principal, error) {
	var out []*principal.Principal
	err := r.view(func(st *state) error {
		for _, p := range st.principals {
			if p.Role == role && p.Active {
				cp := *p
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *principalRepo) ListDueForPurge(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var due []*principal.Principal
	err := r.view(func(st *state) error {
		for _, p := range st.principals {
			if p.PurgeDue(now) {
				due = append(due, p)
			}
		}
		return nil
	})
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledPurgeAt.Before(*due[j].ScheduledPurgeAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]uuid.UUID, 0, len(due))
	for _, p := range due {
		ids = append(ids, p.ID)
	}
	return ids, err
}

type consentRepo struct{ *repos }

func versionKey(r *consent.Record) string {
	return fmt.Sprintf("%s/%s/%d", r.PrincipalID, r.Purpose, r.Version)
}

func (r *consentRepo) Append(_ context.Context, rec *consent.Record) error {
	return r.update(func(st *state) error {
		key := versionKey(rec)
		if st.versions[key] {
			return errors.NewConflictError(errors.CodeConflict, "consent version already recorded")
		}
		cp := *rec
		st.consents = append(st.consents, &cp)
		st.versions[key] = true
		return nil
	})
}

func (r *consentRepo) History(_ context.Context, principalID uuid.UUID, purpose consent.Purpose) ([]*consent.Record, error) {
	return r.collect(func(rec *consent.Record) bool {
		return rec.PrincipalID == principalID && rec.Purpose == purpose
	})
}

func (r *consentRepo) ListByPrincipal(_ context.Context, principalID uuid.UUID) ([]*consent.Record, error) {
	return r.collect(func(rec *consent.Record) bool { return rec.PrincipalID == principalID })
}

func (r *consentRepo) collect(match func(*consent.Record) bool) ([]*consent.Record, error) {
	var out []*consent.Record
	err := r.view(func(st *state) error {
		for _, rec := range st.consents {
			if match(rec) {
				cp := *rec
				out = append(out, &cp)
			}
		}
		return nil
	})
	consent.SortHistory(out)
	return out, err
}

func (r *consentRepo) DeleteByPrincipal(_ context.Context, principalID uuid.UUID) (int, error) {
	removed := 0
	err := r.update(func(st *state) error {
		kept := st.consents[:0:0]
		for _, rec := range st.consents {
			if rec.PrincipalID == principalID {
				delete(st.versions, versionKey(rec))
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		st.consents = kept
		return nil
	})
	return removed, err
}

func (r *consentRepo) CountByPrincipal(ctx context.Context, principalID uuid.UUID) (int, error) {
	recs, err := r.ListByPrincipal(ctx, principalID)
	return len(recs), err
}

type grievanceRepo struct{ *repos }

func (r *grievanceRepo) Create(_ context.Context, g *grievance.Grievance) error {
	return r.update(func(st *state) error {
		if _, ok := st.tickets[g.TicketNumber]; ok {
			return errors.NewConflictError(errors.CodeTicketCollision, "ticket number already in use")
		}
		cp := *g
		st.grievances[g.ID] = &cp
		st.tickets[g.TicketNumber] = g.ID
		return nil
	})
}

func (r *grievanceRepo) Get(_ context.Context, id uuid.UUID) (*grievance.Grievance, error) {
	var out *grievance.Grievance
	err := r.view(func(st *state) error {
		g, ok := st.grievances[id]
		if !ok {
			return errors.NewNotFoundError("grievance")
		}
		cp := *g
		out = &cp
		return nil
	})
	return out, err
}

func (r *grievanceRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*grievance.Grievance, error) {
	return r.Get(ctx, id)
}

func (r *grievanceRepo) Update(_ context.Context, g *grievance.Grievance) error {
	return r.update(func(st *state) error {
		if _, ok := st.grievances[g.ID]; !ok {
			return errors.NewNotFoundError("grievance")
		}
		cp := *g
		st.grievances[g.ID] = &cp
		return nil
	})
}

func (r *grievanceRepo) List(_ context.Context, f grievance.Filter) ([]*grievance.Grievance, error) {
	var out []*grievance.Grievance
	err := r.view(func(st *state) error {
		for _, g := range st.grievances {
			if f.PrincipalID != uuid.Nil && g.PrincipalID != f.PrincipalID {
				continue
			}
			if f.Status != "" && g.Status != f.Status {
				continue
			}
			cp := *g
			out = append(out, &cp)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TicketNumber < out[j].TicketNumber
	})
	return paginate(out, f.Offset, f.Limit), err
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (r *grievanceRepo) NextTicketSequence(_ context.Context, day time.Time) (int, error) {
	var seq int
	err := r.update(func(st *state) error {
		key := day.UTC().Format("20060102")
		st.ticketSeq[key]++
		seq = st.ticketSeq[key]
		return nil
	})
	return seq, err
}

func (r *grievanceRepo) ListOverdue(_ context.Context, now time.Time, limit int) ([]*grievance.Grievance, error) {
	var out []*grievance.Grievance
	err := r.view(func(st *state) error {
		for _, g := range st.grievances {
			if g.SLABreached(now) {
				cp := *g
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SLADeadline.Before(out[j].SLADeadline) })
	return paginate(out, 0, limit), err
}

func (r *grievanceRepo) MarkBreachNotified(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	marked := false
	err := r.update(func(st *state) error {
		g, ok := st.grievances[id]
		if !ok {
			return errors.NewNotFoundError("grievance")
		}
		if g.BreachNotifiedAt != nil {
			return nil
		}
		cp := *g
		flagged := at
		cp.BreachNotifiedAt = &flagged
		cp.UpdatedAt = at
		st.grievances[id] = &cp
		marked = true
		return nil
	})
	return marked, err
}

func (r *grievanceRepo) DeleteByPrincipal(_ context.Context, principalID uuid.UUID) (int, error) {
	removed := 0
	err := r.update(func(st *state) error {
		for id, g := range st.grievances {
			if g.PrincipalID == principalID {
				delete(st.tickets, g.TicketNumber)
				delete(st.grievances, id)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (r *grievanceRepo) AnonymizeByPrincipal(_ context.Context, principalID uuid.UUID, at time.Time) (int, error) {
	changed := 0
	err := r.update(func(st *state) error {
		for id, g := range st.grievances {
			if g.PrincipalID == principalID {
				cp := *g
				cp.Anonymize(at)
				st.grievances[id] = &cp
				changed++
			}
		}
		return nil
	})
	return changed, err
}

func (r *grievanceRepo) CountByPrincipal(_ context.Context, principalID uuid.UUID) (int, error) {
	count := 0
	err := r.view(func(st *state) error {
		for _, g := range st.grievances {
			if g.PrincipalID == principalID {
				count++
			}
		}
		return nil
	})
	return count, err
}

type auditRepo struct{ *repos }

func (r *auditRepo) Append(_ context.Context, e *audit.Event) error {
	return r.update(func(st *state) error {
		cp := *e
		st.events = append(st.events, &cp)
		return nil
	})
}

func (r *auditRepo) History(_ context.Context, principalID uuid.UUID, categories []audit.Category, since time.Time) ([]*audit.Event, error) {
	wanted := make(map[audit.Category]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}
	return r.collect(func(e *audit.Event) bool {
		return e.Subject() == principalID && wanted[e.Category] && !e.CreatedAt.Before(since)
	}, 0)
}

func (r *auditRepo) ListByPrincipal(_ context.Context, principalID uuid.UUID) ([]*audit.Event, error) {
	return r.collect(func(e *audit.Event) bool { return e.Subject() == principalID }, 0)
}

func (r *auditRepo) List(_ context.Context, f audit.Filter) ([]*audit.Event, error) {
	return r.collect(f.Matches, f.Limit)
}

// collect returns matches oldest first; with a limit it keeps the newest.
func (r *auditRepo) collect(match func(*audit.Event) bool, limit int) ([]*audit.Event, error) {
	var out []*audit.Event
	err := r.view(func(st *state) error {
		for _, e := range st.events {
			if match(e) {
				cp := *e
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, err
}

func (r *auditRepo) DeleteByPrincipal(_ context.Context, principalID uuid.UUID) (int, error) {
	removed := 0
	err := r.update(func(st *state) error {
		kept := st.events[:0:0]
		for _, e := range st.events {
			if e.Subject() == principalID && !e.RetentionExempt {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		st.events = kept
		return nil
	})
	return removed, err
}

type outboxRepo struct{ *repos }

func (r *outboxRepo) Enqueue(_ context.Context, m *notification.Message) error {
	return r.update(func(st *state) error {
		cp := *m
		st.outbox[m.ID] = &cp
		return nil
	})
}

func (r *outboxRepo) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*notification.Message, error) {
	var out []*notification.Message
	err := r.update(func(st *state) error {
		var due []*notification.Message
		for _, m := range st.outbox {
			if m.Status == notification.StatusPending && !m.NextAttemptAt.After(now) {
				due = append(due, m)
			}
		}
		sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
		due = paginate(due, 0, limit)
		for _, m := range due {
			leased := *m
			leased.NextAttemptAt = now.Add(lease)
			st.outbox[m.ID] = &leased
			cp := leased
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

func (r *outboxRepo) modify(id uuid.UUID, fn func(m *notification.Message)) error {
	return r.update(func(st *state) error {
		m, ok := st.outbox[id]
		if !ok {
			return errors.NewNotFoundError("notification")
		}
		cp := *m
		fn(&cp)
		st.outbox[id] = &cp
		return nil
	})
}

func (r *outboxRepo) MarkDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.modify(id, func(m *notification.Message) {
		delivered := at
		m.Status = notification.StatusDelivered
		m.Attempts++
		m.DeliveredAt = &delivered
		m.LastError = ""
	})
}

func (r *outboxRepo) MarkRetry(_ context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	return r.modify(id, func(m *notification.Message) {
		m.Attempts = attempts
		m.NextAttemptAt = next
		m.LastError = lastErr
	})
}

func (r *outboxRepo) MarkFailed(_ context.Context, id uuid.UUID, attempts int, lastErr string) error {
	return r.modify(id, func(m *notification.Message) {
		m.Status = notification.StatusFailed
		m.Attempts = attempts
		m.LastError = lastErr
	})
}

func (r *outboxRepo) List(_ context.Context, kind notification.Kind) ([]*notification.Message, error) {
	var out []*notification.Message
	err := r.view(func(st *state) error {
		for _, m := range st.outbox {
			if kind == "" || m.Kind == kind {
				cp := *m
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}
