package database

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/audit"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/consent"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/grievance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements compliance.TransactionManager on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ compliance.TransactionManager = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// ExecuteInTransaction runs fn in a READ COMMITTED transaction. Row locks
// taken through GetForUpdate and the per-principal Locker provide the
// isolation the services need.
func (s *Store) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context, repos compliance.Repositories) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(err, "transaction")
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !stderrors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("transaction rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(ctx, &repos{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err, "transaction")
	}
	return nil
}

func (s *Store) Repositories() compliance.Repositories {
	return &repos{q: s.pool}
}

// Ping reports database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stat exposes connection pool statistics.
func (s *Store) Stat() *pgxpool.Stat {
	return s.pool.Stat()
}

func (s *Store) Close() {
	s.pool.Close()
}

type repos struct {
	q querier
}

func (r *repos) Principals() principal.Repository { return &PrincipalRepository{q: r.q} }
func (r *repos) Consents() consent.Repository     { return &ConsentRepository{q: r.q} }
func (r *repos) Grievances() grievance.Repository { return &GrievanceRepository{q: r.q} }
func (r *repos) Audit() audit.Repository          { return &AuditRepository{q: r.q} }
func (r *repos) Outbox() notification.Outbox      { return &OutboxRepository{q: r.q} }

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

// mapError translates driver errors into AppErrors. AppErrors pass through.
func mapError(err error, entity string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NewNotFoundError(entity)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == "grievances_ticket_number_key" {
				return errors.NewConflictError(errors.CodeTicketCollision, "ticket number already in use").WithCause(err)
			}
			return errors.NewConflictError(errors.CodeConflict, fmt.Sprintf("%s already exists", entity)).WithCause(err)
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return errors.NewConflictError(errors.CodeConflict, fmt.Sprintf("concurrent update of %s", entity)).WithCause(err)
		case pgQueryCanceled:
			return errors.NewInternalError(fmt.Sprintf("%s query cancelled", entity)).WithCause(err)
		}
	}
	return errors.NewInternalError(fmt.Sprintf("%s storage failure", entity)).WithCause(err)
}
