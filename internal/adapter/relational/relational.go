// Package relational implements the relational store adapter (C6.1): query,
// execute and transaction(fn) over database/sql, wrapping
// github.com/microsoft/go-mssqldb as the default driver exactly as the
// teacher's internal/pool/pool.go does (sql.Open("sqlserver", dsn),
// MaxOpenConns(1) per pooled slot, PingContext to validate on construction).
// The manager's pool owns lifecycle; this package only ever sees a
// *sql.DB wrapped as connpool.PooledConn.Raw().
package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog/log"

	"github.com/multidb/connectcore/internal/breaker"
	"github.com/multidb/connectcore/internal/connpool"
	"github.com/multidb/connectcore/internal/manager"
	"github.com/multidb/connectcore/internal/metrics"
	"github.com/multidb/connectcore/internal/secret"
	"github.com/multidb/connectcore/pkg/poolkey"
)

// DSNResolver returns the (still encrypted) connection string configured
// for tenant. The platform DB itself is out of scope; callers supply
// their own lookup.
type DSNResolver func(tenantID string) (string, error)

// Adapter wraps a manager.Manager with relational-shaped operations.
type Adapter struct {
	mgr     *manager.Manager
	box     *secret.Box
	tls     secret.TLSPolicy
	resolve DSNResolver
}

// New constructs a relational Adapter and registers its AdapterFactory for
// poolkey.StoreRelational on mgr.
func New(mgr *manager.Manager, box *secret.Box, tlsPolicy secret.TLSPolicy, resolve DSNResolver) *Adapter {
	a := &Adapter{mgr: mgr, box: box, tls: tlsPolicy, resolve: resolve}
	mgr.RegisterAdapter(poolkey.StoreRelational, relationalFactory{a})
	return a
}

// Row is one row of the result set Query returns: the adapter scans every
// column into a column-name→value map, so it never has to know a caller's
// destination struct shape.
type Row = map[string]any

// query runs sql with bound params and returns the result set as a slice of
// column-name→value maps. Parameters are always passed positionally to the
// driver; concatenation never happens here.
func (a *Adapter) Query(ctx context.Context, tenantID string, tier poolkey.Tier, sqlText string, params ...any) ([]Row, error) {
	key := poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreRelational}
	return manager.Execute(ctx, a.mgr, key, tier, "query", func(ctx context.Context, conn *connpool.PooledConn) ([]Row, error) {
		db := conn.Raw().(*sql.DB)
		rows, err := db.QueryContext(ctx, sqlText, params...)
		if err != nil {
			return nil, fmt.Errorf("relational: query: %w", err)
		}
		defer rows.Close()
		return scanRows(rows)
	})
}

// Execute runs a non-returning statement and returns rows affected.
func (a *Adapter) Execute(ctx context.Context, tenantID string, tier poolkey.Tier, sqlText string, params ...any) (int64, error) {
	key := poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreRelational}
	return manager.Execute(ctx, a.mgr, key, tier, "execute", func(ctx context.Context, conn *connpool.PooledConn) (int64, error) {
		db := conn.Raw().(*sql.DB)
		res, err := db.ExecContext(ctx, sqlText, params...)
		if err != nil {
			return 0, fmt.Errorf("relational: execute: %w", err)
		}
		return res.RowsAffected()
	})
}

// TxFunc is the unit of work passed to Transaction; any non-nil return
// rolls back, including ctx cancellation observed by the driver.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// Transaction runs fn inside a begin/commit/rollback envelope. The
// underlying connection is pinned for the duration so the pool's
// idle-reclaimer and validate-on-borrow never interrupt an open
// transaction — the same pinning discipline connpool.PinReason exists
// for more generally.
func (a *Adapter) Transaction(ctx context.Context, tenantID string, tier poolkey.Tier, fn TxFunc) error {
	key := poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreRelational}
	_, err := manager.Execute(ctx, a.mgr, key, tier, "transaction", func(ctx context.Context, conn *connpool.PooledConn) (struct{}, error) {
		conn.Pin(connpool.PinTransaction)
		metrics.ConnectionsPinned.WithLabelValues(poolkey.StoreRelational.String(), metrics.TenantLabel(tenantID), string(connpool.PinTransaction)).Inc()
		defer func() {
			dur := conn.Unpin()
			metrics.ConnectionsPinned.WithLabelValues(poolkey.StoreRelational.String(), metrics.TenantLabel(tenantID), string(connpool.PinTransaction)).Dec()
			metrics.PinningDuration.WithLabelValues(poolkey.StoreRelational.String(), string(connpool.PinTransaction)).Observe(dur.Seconds())
		}()

		db := conn.Raw().(*sql.DB)
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return struct{}{}, fmt.Errorf("relational: begin: %w", err)
		}

		if err := fn(ctx, tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Error().Err(rbErr).Msg("relational: rollback failed after work error")
			}
			return struct{}{}, fmt.Errorf("relational: transaction: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return struct{}{}, fmt.Errorf("relational: commit: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// HealthCheck performs a minimal round-trip — SELECT 1 for SQL Server.
func (a *Adapter) HealthCheck(ctx context.Context, tenantID string, tier poolkey.Tier) bool {
	key := poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreRelational}
	_, err := manager.Execute(ctx, a.mgr, key, tier, "health_check", func(ctx context.Context, conn *connpool.PooledConn) (struct{}, error) {
		db := conn.Raw().(*sql.DB)
		var one int
		return struct{}{}, db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
	return err == nil
}

// Close drains the pool for tenantID.
func (a *Adapter) Close(tenantID string) {
	a.mgr.Close(poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreRelational})
}

// PoolStats returns (size, available, pending) for observability.
func (a *Adapter) PoolStats(tenantID string) (connpool.Stats, bool) {
	return a.mgr.PoolStats(poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreRelational})
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("relational: columns: %w", err)
	}
	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("relational: scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// relationalFactory implements manager.AdapterFactory.
type relationalFactory struct{ a *Adapter }

func (f relationalFactory) BreakerPolicy() breaker.Policy {
	return breaker.DefaultPolicy(poolkey.StoreRelational)
}

func (f relationalFactory) NewFactory(key poolkey.PoolKey) connpool.Factory {
	return func(ctx context.Context) (any, error) {
		encrypted, err := f.a.resolve(key.TenantID)
		if err != nil {
			return nil, fmt.Errorf("relational: resolving dsn: %w", err)
		}
		dsn, err := f.a.box.Open(encrypted)
		if err != nil {
			return nil, fmt.Errorf("relational: decrypting dsn: %w", err)
		}

		db, err := sql.Open("sqlserver", dsn)
		if err != nil {
			return nil, fmt.Errorf("relational: sql.Open: %w", err)
		}
		// One physical connection per pooled slot, exactly like the
		// teacher's BucketPool.createConn — connpool already owns the
		// logical pool, so *sql.DB here is a single-connection handle.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("relational: ping: %w", err)
		}
		return db, nil
	}
}

func (f relationalFactory) NewValidator(key poolkey.PoolKey) connpool.Validator {
	return func(ctx context.Context, raw any) error {
		db := raw.(*sql.DB)
		return db.PingContext(ctx)
	}
}

// NewResetter rolls back any transaction a released checkout left open, so
// a session never re-enters the idle list carrying transactional state.
func (f relationalFactory) NewResetter(key poolkey.PoolKey) connpool.Reset {
	return func(ctx context.Context, raw any) error {
		db := raw.(*sql.DB)
		_, err := db.ExecContext(ctx, "IF @@TRANCOUNT > 0 ROLLBACK TRANSACTION")
		return err
	}
}

func (f relationalFactory) NewDestroyer(key poolkey.PoolKey) connpool.Destroyer {
	return func(raw any) {
		db := raw.(*sql.DB)
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Str("pool_key", key.String()).Msg("relational: close failed")
		}
	}
}
