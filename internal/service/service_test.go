package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/jobs"
	"github.com/odvcencio/assetsync/internal/models"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	db     database.DB
	clock  *testClock
	opts   Options
	assets *AssetRegistry
	graph  *RelationshipGraph
	access *AccessLedger
	queue  *jobs.Queue
	log    *ExecutionLog
}

func setupServiceTest(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	clock := newTestClock()
	opts := Options{Now: clock.Now}
	assets := NewAssetRegistry(db, opts)
	return &testEnv{
		db:     db,
		clock:  clock,
		opts:   opts,
		assets: assets,
		graph:  NewRelationshipGraph(db, opts),
		access: NewAccessLedger(db, assets, opts),
		queue:  jobs.NewQueue(db, jobs.QueueOptions{Now: clock.Now}),
		log:    NewExecutionLog(db, opts),
	}
}

func (env *testEnv) mustAsset(t *testing.T, id string, assetType models.AssetType) *models.PlatformAsset {
	t.Helper()
	asset, _, err := env.assets.FindOrCreate(context.Background(), DiscoveredAsset{
		Platform:        models.PlatformMeta,
		PlatformAssetID: id,
		AssetType:       assetType,
		Name:            id,
	})
	if err != nil {
		t.Fatal(err)
	}
	return asset
}
