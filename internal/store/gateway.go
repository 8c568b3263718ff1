// Package store is the persistence gateway. Every query the pipeline
// issues goes through a scoped transaction that carries the tenant
// variable and role the row-level policies consult.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/faults"
	"github.com/andrewcho-dev/opsconductor-pulse-sub012/pkg/logging"
)

// Connection roles consulted by row-level policies
const (
	RoleTenant   = "tenant"
	RoleOperator = "operator"
	RoleService  = "iot_service"
)

// ErrBackpressure is returned when the pool cannot hand out a connection
// within the acquire timeout. Callers treat it as transient.
var ErrBackpressure = faults.New(faults.KindTransient, "store backpressure: connection acquire timed out")

// Scope is the tenant context applied to one gateway transaction
type Scope struct {
	TenantID string
	Role     string
}

// Gateway hands out scoped transactions over a bounded pool. Waiters queue
// FIFO inside database/sql; an acquire that exceeds the timeout maps to
// ErrBackpressure.
type Gateway struct {
	db             *sql.DB
	logger         logging.Logger
	acquireTimeout time.Duration
}

// NewGateway wraps an established pool
func NewGateway(db *sql.DB, logger logging.Logger) *Gateway {
	return &Gateway{
		db:             db,
		logger:         logger,
		acquireTimeout: 5 * time.Second,
	}
}

// DB exposes the underlying pool for health checks
func (g *Gateway) DB() *sql.DB {
	return g.db
}

// SetAcquireTimeout overrides the 5 s default acquire timeout
func (g *Gateway) SetAcquireTimeout(d time.Duration) {
	if d > 0 {
		g.acquireTimeout = d
	}
}

// WithScope acquires a connection, opens a transaction, sets the tenant
// variable and role for the policies, runs fn, and commits on nil error.
// The settings are transaction-local so nothing leaks back to the pool.
func (g *Gateway) WithScope(ctx context.Context, scope Scope, fn func(tx *sql.Tx) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	conn, err := g.db.Conn(acquireCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrBackpressure
		}
		return faults.Wrap(faults.KindTransient, err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err)
	}

	if _, err := tx.ExecContext(ctx,
		`SELECT set_config('app.tenant_id', $1, true), set_config('app.role', $2, true)`,
		scope.TenantID, scope.Role,
	); err != nil {
		_ = tx.Rollback()
		return faults.Wrapf(faults.KindTransient, err, "set tenant scope")
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.KindTransient, err)
	}
	return nil
}

// WithTenant runs fn scoped to one tenant
func (g *Gateway) WithTenant(ctx context.Context, tenantID string, fn func(tx *sql.Tx) error) error {
	return g.WithScope(ctx, Scope{TenantID: tenantID, Role: RoleTenant}, fn)
}

// WithService runs fn as the pipeline service role, which the policies
// grant cross-tenant access
func (g *Gateway) WithService(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return g.WithScope(ctx, Scope{Role: RoleService}, fn)
}

// WithOperator runs fn as the read-only operator role for fleet views
func (g *Gateway) WithOperator(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return g.WithScope(ctx, Scope{Role: RoleOperator}, fn)
}

// IsUniqueViolation reports whether err is a unique-constraint conflict,
// which idempotent upserts treat as success
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
