// Package document implements the document store adapter: CRUD over named
// collections plus the aggregation-pipeline validator in pipeline.go.
//
// The core's boundary here is programmatic, not wire-level (DESIGN.md
// records the full reasoning). The adapter therefore owns validation,
// pooling, breaker and metrics exactly like the relational adapter, and
// talks to the actual store through a small Driver interface a deployment
// supplies.
package document

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/multidb/connectcore/internal/breaker"
	"github.com/multidb/connectcore/internal/connpool"
	"github.com/multidb/connectcore/internal/manager"
	"github.com/multidb/connectcore/internal/secret"
	"github.com/multidb/connectcore/pkg/poolkey"
)

// Driver is the minimal connection-level contract a document store backend
// must satisfy. A pooled slot's Raw() holds one Driver instance.
type Driver interface {
	Ping(ctx context.Context) error
	Close() error

	Find(ctx context.Context, collection string, filter Doc, opts FindOptions) ([]Doc, error)
	FindOne(ctx context.Context, collection string, filter Doc) (Doc, bool, error)
	InsertOne(ctx context.Context, collection string, doc Doc) (any, error)
	InsertMany(ctx context.Context, collection string, docs []Doc) ([]any, error)
	UpdateOne(ctx context.Context, collection string, filter, update Doc) (matched, modified int64, err error)
	UpdateMany(ctx context.Context, collection string, filter, update Doc) (matched, modified int64, err error)
	DeleteOne(ctx context.Context, collection string, filter Doc) (int64, error)
	DeleteMany(ctx context.Context, collection string, filter Doc) (int64, error)
	CountDocuments(ctx context.Context, collection string, filter Doc) (int64, error)
	EstimatedDocumentCount(ctx context.Context, collection string) (int64, error)
	FindOneAndUpdate(ctx context.Context, collection string, filter, update Doc) (Doc, bool, error)
	FindOneAndDelete(ctx context.Context, collection string, filter Doc) (Doc, bool, error)
	ReplaceOne(ctx context.Context, collection string, filter, replacement Doc) (matched, modified int64, err error)
	BulkWrite(ctx context.Context, collection string, ops []WriteOp) (BulkResult, error)
	Distinct(ctx context.Context, collection, field string, filter Doc) ([]any, error)
	Aggregate(ctx context.Context, collection string, pipeline Pipeline) ([]Doc, error)
}

// FindOptions carries the handful of find() modifiers CRUD ops need.
type FindOptions struct {
	Sort  Doc
	Limit int64
	Skip  int64
}

// WriteOp is one operation inside a bulkWrite() batch.
type WriteOp struct {
	Kind    string // "insert", "update", "delete", "replace"
	Filter  Doc
	Doc     Doc
	Many    bool
}

// BulkResult mirrors the summary counts a bulk write reports.
type BulkResult struct {
	Inserted, Matched, Modified, Deleted int64
}

// DriverFactory builds a Driver for a given (decrypted) connection
// descriptor, mirroring relational.DSNResolver's split between lookup and
// decryption.
type DriverFactory func(ctx context.Context, descriptor string) (Driver, error)

// DescriptorResolver returns the still-encrypted connection descriptor
// configured for a tenant.
type DescriptorResolver func(tenantID string) (string, error)

// Adapter wraps a manager.Manager with document-shaped operations.
type Adapter struct {
	mgr       *manager.Manager
	box       *secret.Box
	resolve   DescriptorResolver
	newDriver DriverFactory
}

// New constructs a document Adapter and registers it for StoreDocument.
func New(mgr *manager.Manager, box *secret.Box, resolve DescriptorResolver, newDriver DriverFactory) *Adapter {
	a := &Adapter{mgr: mgr, box: box, resolve: resolve, newDriver: newDriver}
	mgr.RegisterAdapter(poolkey.StoreDocument, documentFactory{a})
	return a
}

func withDriver[T any](ctx context.Context, a *Adapter, tenantID string, tier poolkey.Tier, op string, fn func(ctx context.Context, d Driver) (T, error)) (T, error) {
	key := poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreDocument}
	return manager.Execute(ctx, a.mgr, key, tier, op, func(workCtx context.Context, conn *connpool.PooledConn) (T, error) {
		return fn(workCtx, conn.Raw().(Driver))
	})
}

// precheck validates the collection name and every filter document before
// an operation touches the pool: a bad name or a $where/$function operator
// anywhere in a filter is rejected with no connection checked out.
func precheck(collection string, filters ...Doc) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	for _, f := range filters {
		if err := validateFilterDoc(f); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Find(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, filter Doc, opts FindOptions) ([]Doc, error) {
	if err := precheck(collection, filter); err != nil {
		return nil, err
	}
	return withDriver(ctx, a, tenantID, tier, "find", func(ctx context.Context, d Driver) ([]Doc, error) {
		return d.Find(ctx, collection, filter, opts)
	})
}

func (a *Adapter) FindOne(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, filter Doc) (Doc, bool, error) {
	type result struct {
		doc   Doc
		found bool
	}
	if err := precheck(collection, filter); err != nil {
		return nil, false, err
	}
	r, err := withDriver(ctx, a, tenantID, tier, "find_one", func(ctx context.Context, d Driver) (result, error) {
		doc, found, err := d.FindOne(ctx, collection, filter)
		return result{doc, found}, err
	})
	return r.doc, r.found, err
}

func (a *Adapter) InsertOne(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, doc Doc) (any, error) {
	if err := precheck(collection); err != nil {
		return nil, err
	}
	return withDriver(ctx, a, tenantID, tier, "insert_one", func(ctx context.Context, d Driver) (any, error) {
		return d.InsertOne(ctx, collection, doc)
	})
}

func (a *Adapter) InsertMany(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, docs []Doc) ([]any, error) {
	if err := precheck(collection); err != nil {
		return nil, err
	}
	return withDriver(ctx, a, tenantID, tier, "insert_many", func(ctx context.Context, d Driver) ([]any, error) {
		return d.InsertMany(ctx, collection, docs)
	})
}

type updateResult struct{ matched, modified int64 }

func (a *Adapter) UpdateOne(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, filter, update Doc) (matched, modified int64, err error) {
	if err := precheck(collection, filter); err != nil {
		return 0, 0, err
	}
	r, err := withDriver(ctx, a, tenantID, tier, "update_one", func(ctx context.Context, d Driver) (updateResult, error) {
		m, mo, err := d.UpdateOne(ctx, collection, filter, update)
		return updateResult{m, mo}, err
	})
	return r.matched, r.modified, err
}

func (a *Adapter) UpdateMany(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, filter, update Doc) (matched, modified int64, err error) {
	if err := precheck(collection, filter); err != nil {
		return 0, 0, err
	}
	r, err := withDriver(ctx, a, tenantID, tier, "update_many", func(ctx context.Context, d Driver) (updateResult, error) {
		m, mo, err := d.UpdateMany(ctx, collection, filter, update)
		return updateResult{m, mo}, err
	})
	return r.matched, r.modified, err
}

func (a *Adapter) DeleteOne(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, filter Doc) (int64, error) {
	if err := precheck(collection, filter); err != nil {
		return 0, err
	}
	return withDriver(ctx, a, tenantID, tier, "delete_one", func(ctx context.Context, d Driver) (int64, error) {
		return d.DeleteOne(ctx, collection, filter)
	})
}

func (a *Adapter) DeleteMany(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, filter Doc) (int64, error) {
	if err := precheck(collection, filter); err != nil {
		return 0, err
	}
	return withDriver(ctx, a, tenantID, tier, "delete_many", func(ctx context.Context, d Driver) (int64, error) {
		return d.DeleteMany(ctx, collection, filter)
	})
}

func (a *Adapter) CountDocuments(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, filter Doc) (int64, error) {
	if err := precheck(collection, filter); err != nil {
		return 0, err
	}
	return withDriver(ctx, a, tenantID, tier, "count_documents", func(ctx context.Context, d Driver) (int64, error) {
		return d.CountDocuments(ctx, collection, filter)
	})
}

func (a *Adapter) EstimatedCount(ctx context.Context, tenantID string, tier poolkey.Tier, collection string) (int64, error) {
	if err := precheck(collection); err != nil {
		return 0, err
	}
	return withDriver(ctx, a, tenantID, tier, "estimated_count", func(ctx context.Context, d Driver) (int64, error) {
		return d.EstimatedDocumentCount(ctx, collection)
	})
}

func (a *Adapter) FindOneAndUpdate(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, filter, update Doc) (Doc, bool, error) {
	type result struct {
		doc   Doc
		found bool
	}
	if err := precheck(collection, filter); err != nil {
		return nil, false, err
	}
	r, err := withDriver(ctx, a, tenantID, tier, "find_one_and_update", func(ctx context.Context, d Driver) (result, error) {
		doc, found, err := d.FindOneAndUpdate(ctx, collection, filter, update)
		return result{doc, found}, err
	})
	return r.doc, r.found, err
}

func (a *Adapter) FindOneAndDelete(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, filter Doc) (Doc, bool, error) {
	type result struct {
		doc   Doc
		found bool
	}
	if err := precheck(collection, filter); err != nil {
		return nil, false, err
	}
	r, err := withDriver(ctx, a, tenantID, tier, "find_one_and_delete", func(ctx context.Context, d Driver) (result, error) {
		doc, found, err := d.FindOneAndDelete(ctx, collection, filter)
		return result{doc, found}, err
	})
	return r.doc, r.found, err
}

func (a *Adapter) ReplaceOne(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, filter, replacement Doc) (matched, modified int64, err error) {
	if err := precheck(collection, filter); err != nil {
		return 0, 0, err
	}
	r, err := withDriver(ctx, a, tenantID, tier, "replace_one", func(ctx context.Context, d Driver) (updateResult, error) {
		m, mo, err := d.ReplaceOne(ctx, collection, filter, replacement)
		return updateResult{m, mo}, err
	})
	return r.matched, r.modified, err
}

func (a *Adapter) BulkWrite(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, ops []WriteOp) (BulkResult, error) {
	if err := precheck(collection); err != nil {
		return BulkResult{}, err
	}
	for _, op := range ops {
		if err := validateFilterDoc(op.Filter); err != nil {
			return BulkResult{}, err
		}
	}
	return withDriver(ctx, a, tenantID, tier, "bulk_write", func(ctx context.Context, d Driver) (BulkResult, error) {
		return d.BulkWrite(ctx, collection, ops)
	})
}

func (a *Adapter) Distinct(ctx context.Context, tenantID string, tier poolkey.Tier, collection, field string, filter Doc) ([]any, error) {
	if err := precheck(collection, filter); err != nil {
		return nil, err
	}
	return withDriver(ctx, a, tenantID, tier, "distinct", func(ctx context.Context, d Driver) ([]any, error) {
		return d.Distinct(ctx, collection, field, filter)
	})
}

// Aggregate validates pipeline against the allow-list/forbid-list/depth/
// count rules before ever reaching the driver, and rejects it without
// touching the pool or breaker if invalid.
func (a *Adapter) Aggregate(ctx context.Context, tenantID string, tier poolkey.Tier, collection string, pipeline Pipeline) ([]Doc, error) {
	if err := precheck(collection); err != nil {
		return nil, err
	}
	if err := ValidatePipeline(pipeline); err != nil {
		return nil, err
	}
	return withDriver(ctx, a, tenantID, tier, "aggregate", func(ctx context.Context, d Driver) ([]Doc, error) {
		return d.Aggregate(ctx, collection, pipeline)
	})
}

// HealthCheck performs a minimal round-trip.
func (a *Adapter) HealthCheck(ctx context.Context, tenantID string, tier poolkey.Tier) bool {
	key := poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreDocument}
	_, err := manager.Execute(ctx, a.mgr, key, tier, "health_check", func(ctx context.Context, conn *connpool.PooledConn) (struct{}, error) {
		return struct{}{}, conn.Raw().(Driver).Ping(ctx)
	})
	return err == nil
}

// Close drains the pool for tenantID.
func (a *Adapter) Close(tenantID string) {
	a.mgr.Close(poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreDocument})
}

// PoolStats returns (size, available, pending) for observability.
func (a *Adapter) PoolStats(tenantID string) (connpool.Stats, bool) {
	return a.mgr.PoolStats(poolkey.PoolKey{TenantID: tenantID, Store: poolkey.StoreDocument})
}

type documentFactory struct{ a *Adapter }

func (f documentFactory) BreakerPolicy() breaker.Policy {
	return breaker.DefaultPolicy(poolkey.StoreDocument)
}

func (f documentFactory) NewFactory(key poolkey.PoolKey) connpool.Factory {
	return func(ctx context.Context) (any, error) {
		encrypted, err := f.a.resolve(key.TenantID)
		if err != nil {
			return nil, fmt.Errorf("document: resolving descriptor: %w", err)
		}
		descriptor, err := f.a.box.Open(encrypted)
		if err != nil {
			return nil, fmt.Errorf("document: decrypting descriptor: %w", err)
		}
		drv, err := f.a.newDriver(ctx, descriptor)
		if err != nil {
			return nil, fmt.Errorf("document: connecting: %w", err)
		}
		if err := drv.Ping(ctx); err != nil {
			drv.Close()
			return nil, fmt.Errorf("document: ping: %w", err)
		}
		return drv, nil
	}
}

func (f documentFactory) NewValidator(key poolkey.PoolKey) connpool.Validator {
	return func(ctx context.Context, raw any) error {
		return raw.(Driver).Ping(ctx)
	}
}

func (f documentFactory) NewDestroyer(key poolkey.PoolKey) connpool.Destroyer {
	return func(raw any) {
		if err := raw.(Driver).Close(); err != nil {
			log.Warn().Err(err).Str("pool_key", key.String()).Msg("document: close failed")
		}
	}
}
