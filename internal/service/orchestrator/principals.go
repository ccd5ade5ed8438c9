package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

type RegisterRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Name  string `json:"name" validate:"required,min=1,max=200"`
	Role  string `json:"role" validate:"omitempty,oneof=principal dpo admin"`
}

// Profile is what a principal sees under the right to access.
type Profile struct {
	Principal       *principal.Principal              `json:"principal"`
	Consents        map[consent.Purpose]consent.Status `json:"consents"`
	DeletionPending bool                               `json:"deletion_pending"`
}

// Export is the data portability bundle for one principal.
type Export struct {
	Principal   *principal.Principal   `json:"principal"`
	Consents    []*consent.Record      `json:"consent_records"`
	Grievances  []*grievance.Grievance `json:"grievances"`
	AuditEvents []*audit.Event         `json:"audit_events"`
	ExportedAt  time.Time              `json:"exported_at"`
}

type AccessRequest struct {
	PrincipalID uuid.UUID `json:"principal_id" validate:"required"`
	Purpose     string    `json:"purpose" validate:"required"`
	Resource    string    `json:"resource" validate:"required,max=200"`
}

// RegisterPrincipal creates a principal with essential consent and queues a
// welcome notice. Anyone may self-register as a plain principal; dpo and
// admin accounts can only be created by an admin.
func (o *Orchestrator) RegisterPrincipal(ctx context.Context, req RegisterRequest) (p *principal.Principal, err error) {
	role := principal.RolePrincipal
	if req.Role != "" {
		if role, err = principal.ParseRole(req.Role); err != nil {
			return nil, err
		}
	}

	if role == principal.RolePrincipal {
		var finish func(error)
		ctx, finish = o.span(ctx, principal.OpRegister)
		defer func() { finish(err) }()

		p, err = o.register(ctx, req.Email, req.Name, role)
		if err != nil {
			ev := audit.NewEvent(uuid.Nil, audit.CategoryAuth, "principal.register")
			ev.Outcome = audit.OutcomeFailure
			if appErr, ok := errors.As(err); ok {
				ev.WithDetail("code", appErr.Code)
			}
			o.record(ctx, ev)
			return nil, err
		}
		return p, nil
	}

	ctx, c, finish, err := o.begin(ctx, principal.OpRegisterPrivileged, audit.CategoryAdminAction)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, uuid.Nil); err != nil {
		return nil, err
	}
	if p, err = o.register(ctx, req.Email, req.Name, role); err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return p, nil
}

func (o *Orchestrator) register(ctx context.Context, email, name string, role principal.Role) (*principal.Principal, error) {
	now := o.now()
	p, err := principal.New(email, name, role, now)
	if err != nil {
		return nil, err
	}

	err = o.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
		if err := repos.Principals().Create(ctx, p); err != nil {
			return err
		}
		if _, err := o.consent.GrantTx(ctx, repos, p.ID, consent.PurposeEssential, now); err != nil {
			return err
		}
		ev := audit.NewEvent(p.ID, audit.CategoryAuth, "principal.registered").
			WithResource("principal", p.ID.String()).
			WithDetail("role", string(p.Role))
		if err := o.audit.RecordTx(ctx, repos, ev); err != nil {
			return err
		}
		welcome := notification.ToPrincipal(notification.KindWelcome, p.ID, map[string]interface{}{
			"name": p.Name,
		}, now)
		if err := repos.Outbox().Enqueue(ctx, welcome); err != nil {
			return errors.NewInternalError("failed to enqueue welcome notice").WithCause(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("principal registered",
		zap.String("principal_id", p.ID.String()),
		zap.String("role", string(p.Role)))
	return p, nil
}

// BootstrapAdmin creates an admin with the given email unless an admin
// already exists. It reports whether one was created.
func (o *Orchestrator) BootstrapAdmin(ctx context.Context, email string) (bool, error) {
	admins, err := o.tx.Repositories().Principals().ListByRole(ctx, principal.RoleAdmin)
	if err != nil {
		return false, err
	}
	if len(admins) > 0 {
		return false, nil
	}
	if _, err := o.register(audit.SystemContext(ctx), email, "Administrator", principal.RoleAdmin); err != nil {
		if errors.IsType(err, errors.ErrorTypeConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetProfile returns the target's profile and consent summary.
func (o *Orchestrator) GetProfile(ctx context.Context, target uuid.UUID) (profile *Profile, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpViewProfile, audit.CategoryDataAccess)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, target); err != nil {
		return nil, err
	}

	p, err := o.tx.Repositories().Principals().Get(ctx, target)
	if err != nil {
		return nil, o.fail(ctx, c, err)
	}
	statuses, err := o.consent.Statuses(ctx, target)
	if err != nil {
		return nil, o.fail(ctx, c, err)
	}

	o.record(ctx, audit.NewEvent(target, audit.CategoryDataAccess, "principal.profile_viewed").
		WithResource("principal", target.String()))
	return &Profile{Principal: p, Consents: statuses, DeletionPending: p.DeletionPending()}, nil
}

// UpdateProfile corrects the target's display name.
func (o *Orchestrator) UpdateProfile(ctx context.Context, target uuid.UUID, name string) (p *principal.Principal, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpUpdateProfile, audit.CategoryDataModification)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, target); err != nil {
		return nil, err
	}

	err = compliance.WithPrincipalLock(ctx, o.locker, target, func() error {
		return o.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
			var err error
			p, err = repos.Principals().GetForUpdate(ctx, target)
			if err != nil {
				return err
			}
			if err := p.Rename(name, o.now()); err != nil {
				return err
			}
			if err := repos.Principals().Update(ctx, p); err != nil {
				return err
			}
			// Field names only: the audit trail can outlive an erasure purge.
			ev := audit.NewEvent(target, audit.CategoryDataModification, "principal.profile_updated").
				WithResource("principal", target.String()).
				WithDetail("changed_fields", []string{"name"})
			return o.audit.RecordTx(ctx, repos, ev)
		})
	})
	if err != nil {
		return nil, o.fail(ctx, c, err)
	}
	return p, nil
}

// ExportPrincipalData returns everything held about the target.
func (o *Orchestrator) ExportPrincipalData(ctx context.Context, target uuid.UUID) (out *Export, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpExportData, audit.CategoryDataAccess)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, target); err != nil {
		return nil, err
	}

	out = &Export{ExportedAt: o.now()}
	err = o.tx.ExecuteInTransaction(ctx, func(ctx context.Context, repos compliance.Repositories) error {
		p, err := repos.Principals().Get(ctx, target)
		if err != nil {
			return err
		}
		if p.Purged() {
			return errors.NewStateError(errors.CodeAlreadyPurged, "principal data has been purged").AffectsRights()
		}
		out.Principal = p
		if out.Consents, err = repos.Consents().ListByPrincipal(ctx, target); err != nil {
			return err
		}
		consent.SortHistory(out.Consents)
		if out.Grievances, err = repos.Grievances().List(ctx, grievance.Filter{PrincipalID: target}); err != nil {
			return err
		}
		out.AuditEvents, err = repos.Audit().ListByPrincipal(ctx, target)
		return err
	})
	if err != nil {
		return nil, o.fail(ctx, c, err)
	}

	o.record(ctx, audit.NewEvent(target, audit.CategoryDataAccess, "data.exported").
		WithResource("principal", target.String()).
		WithDetail("consent_records", len(out.Consents)).
		WithDetail("grievances", len(out.Grievances)).
		WithDetail("audit_events", len(out.AuditEvents)))
	o.logger.Info("principal data exported",
		zap.String("principal_id", target.String()),
		zap.String("actor_id", c.caller.PrincipalID.String()))
	return out, nil
}

// AccessData records an access to the target's data for a purpose. Owners
// always pass; anyone else needs the target's current consent for the
// purpose and no pending deletion. The recorded event is returned with its
// anomaly classification.
func (o *Orchestrator) AccessData(ctx context.Context, req AccessRequest) (ev *audit.Event, err error) {
	ctx, c, finish, err := o.begin(ctx, principal.OpAccessData, audit.CategoryDataAccess)
	defer func() { finish(err) }()
	if err != nil {
		return nil, err
	}
	if err = o.authorize(ctx, c, req.PrincipalID); err != nil {
		return nil, err
	}
	purpose, err := o.consent.Catalog().Parse(req.Purpose)
	if err != nil {
		return nil, o.fail(ctx, c, err)
	}

	if c.caller.PrincipalID != req.PrincipalID {
		if err = o.checkConsentedAccess(ctx, req.PrincipalID, purpose); err != nil {
			denied := audit.NewEvent(req.PrincipalID, audit.CategoryDataAccess, "data.access").
				WithSeverity(audit.SeverityWarning).
				WithResource("data", req.Resource).
				WithDetail("purpose", string(purpose))
			denied.Outcome = audit.OutcomeDenied
			if appErr, ok := errors.As(err); ok {
				denied.WithDetail("code", appErr.Code)
			}
			o.record(ctx, denied)
			return nil, err
		}
	}

	ev = audit.NewEvent(req.PrincipalID, audit.CategoryDataAccess, "data.access").
		WithResource("data", req.Resource).
		WithDetail("purpose", string(purpose))
	if _, err = o.audit.Record(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (o *Orchestrator) checkConsentedAccess(ctx context.Context, target uuid.UUID, purpose consent.Purpose) error {
	p, err := o.tx.Repositories().Principals().Get(ctx, target)
	if err != nil {
		return err
	}
	if p.Purged() {
		return errors.NewStateError(errors.CodeAlreadyPurged, "principal data has been purged")
	}
	if p.DeletionPending() && purpose != consent.PurposeEssential {
		return errors.NewStateError(errors.CodeDeletionPending, "processing is suspended while a deletion request is pending")
	}
	status, err := o.consent.CurrentStatus(ctx, target, string(purpose))
	if err != nil {
		return err
	}
	if status != consent.StatusGranted {
		return errors.NewConsentRequiredError(string(purpose))
	}
	return nil
}
