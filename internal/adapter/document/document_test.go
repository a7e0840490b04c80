package document

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/multidb/connectcore/internal/manager"
	"github.com/multidb/connectcore/internal/secret"
	"github.com/multidb/connectcore/pkg/poolkey"
)

// fakeDriver implements Driver entirely in memory, counting Ping and
// Aggregate calls so tests can assert the pool/breaker were (or weren't)
// exercised.
type fakeDriver struct {
	pingCalls      int32
	aggregateCalls int32
	docs           []Doc
}

func (d *fakeDriver) Ping(context.Context) error { atomic.AddInt32(&d.pingCalls, 1); return nil }
func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) Find(context.Context, string, Doc, FindOptions) ([]Doc, error) { return d.docs, nil }
func (d *fakeDriver) FindOne(context.Context, string, Doc) (Doc, bool, error) {
	if len(d.docs) == 0 {
		return nil, false, nil
	}
	return d.docs[0], true, nil
}
func (d *fakeDriver) InsertOne(_ context.Context, _ string, doc Doc) (any, error) {
	d.docs = append(d.docs, doc)
	return len(d.docs), nil
}
func (d *fakeDriver) InsertMany(_ context.Context, _ string, docs []Doc) ([]any, error) {
	ids := make([]any, len(docs))
	for i, doc := range docs {
		d.docs = append(d.docs, doc)
		ids[i] = len(d.docs)
	}
	return ids, nil
}
func (d *fakeDriver) UpdateOne(context.Context, string, Doc, Doc) (int64, int64, error) { return 1, 1, nil }
func (d *fakeDriver) UpdateMany(context.Context, string, Doc, Doc) (int64, int64, error) { return 1, 1, nil }
func (d *fakeDriver) DeleteOne(context.Context, string, Doc) (int64, error) { return 1, nil }
func (d *fakeDriver) DeleteMany(context.Context, string, Doc) (int64, error) { return 1, nil }
func (d *fakeDriver) CountDocuments(context.Context, string, Doc) (int64, error) { return int64(len(d.docs)), nil }
func (d *fakeDriver) EstimatedDocumentCount(context.Context, string) (int64, error) { return int64(len(d.docs)), nil }
func (d *fakeDriver) FindOneAndUpdate(context.Context, string, Doc, Doc) (Doc, bool, error) {
	return d.docs[0], true, nil
}
func (d *fakeDriver) FindOneAndDelete(context.Context, string, Doc) (Doc, bool, error) {
	return d.docs[0], true, nil
}
func (d *fakeDriver) ReplaceOne(context.Context, string, Doc, Doc) (int64, int64, error) { return 1, 1, nil }
func (d *fakeDriver) BulkWrite(context.Context, string, []WriteOp) (BulkResult, error) {
	return BulkResult{}, nil
}
func (d *fakeDriver) Distinct(context.Context, string, string, Doc) ([]any, error) { return nil, nil }
func (d *fakeDriver) Aggregate(context.Context, string, Pipeline) ([]Doc, error) {
	atomic.AddInt32(&d.aggregateCalls, 1)
	return d.docs, nil
}

func newTestAdapter(t *testing.T, drv *fakeDriver) (*Adapter, *manager.Manager) {
	t.Helper()
	key := make([]byte, 32)
	box, err := secret.NewBox(key)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	mgr := manager.New(manager.Options{})
	t.Cleanup(mgr.CloseAll)

	resolve := func(tenantID string) (string, error) {
		encrypted, err := box.Seal("memory://" + tenantID)
		if err != nil {
			return "", err
		}
		return encrypted, nil
	}
	newDriver := func(context.Context, string) (Driver, error) { return drv, nil }

	return New(mgr, box, resolve, newDriver), mgr
}

func TestInsertOneAndFindOneRoundTrip(t *testing.T) {
	drv := &fakeDriver{}
	a, _ := newTestAdapter(t, drv)
	ctx := context.Background()

	if _, err := a.InsertOne(ctx, "tenant-a", poolkey.TierFree, "orders", Doc{"status": "new"}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	doc, found, err := a.FindOne(ctx, "tenant-a", poolkey.TierFree, "orders", Doc{})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if !found {
		t.Fatal("expected to find the inserted document")
	}
	if doc["status"] != "new" {
		t.Fatalf("expected status=new, got %v", doc)
	}
}

func TestAggregateRejectsInvalidPipelineBeforeTouchingDriver(t *testing.T) {
	drv := &fakeDriver{}
	a, _ := newTestAdapter(t, drv)

	_, err := a.Aggregate(context.Background(), "tenant-a", poolkey.TierFree, "orders",
		Pipeline{{"$merge": Doc{"into": "other"}}})
	if err == nil {
		t.Fatal("expected forbidden stage to be rejected")
	}
	var rej *ErrPipelineRejected
	if !errors.As(err, &rej) {
		t.Fatalf("expected ErrPipelineRejected, got %v", err)
	}
	if atomic.LoadInt32(&drv.aggregateCalls) != 0 {
		t.Fatal("driver must never be invoked for a rejected pipeline")
	}
}

func TestAggregateRunsValidPipeline(t *testing.T) {
	drv := &fakeDriver{docs: []Doc{{"status": "active"}}}
	a, _ := newTestAdapter(t, drv)

	docs, err := a.Aggregate(context.Background(), "tenant-a", poolkey.TierFree, "orders",
		Pipeline{{"$match": Doc{"status": "active"}}})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 doc, got %d", len(docs))
	}
	if atomic.LoadInt32(&drv.aggregateCalls) != 1 {
		t.Fatal("expected driver.Aggregate to be called exactly once")
	}
}

func TestAggregateRejectsBadCollectionNameBeforeValidatingPipeline(t *testing.T) {
	drv := &fakeDriver{}
	a, _ := newTestAdapter(t, drv)

	_, err := a.Aggregate(context.Background(), "tenant-a", poolkey.TierFree, "system.profile",
		Pipeline{{"$match": Doc{}}})
	if err == nil {
		t.Fatal("expected reserved collection name to be rejected")
	}
}

func TestHealthCheckPingsThroughPool(t *testing.T) {
	drv := &fakeDriver{}
	a, _ := newTestAdapter(t, drv)

	if !a.HealthCheck(context.Background(), "tenant-a", poolkey.TierFree) {
		t.Fatal("expected health check to succeed")
	}
	if atomic.LoadInt32(&drv.pingCalls) == 0 {
		t.Fatal("expected at least one Ping call")
	}
}
