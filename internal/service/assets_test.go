package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odvcencio/assetsync/internal/models"
)

func TestFindOrCreateUnderConcurrentDiscovery(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()

	var created atomic.Int64
	ids := make([]int64, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			asset, isNew, err := env.assets.FindOrCreate(ctx, DiscoveredAsset{
				Platform:        models.PlatformMeta,
				PlatformAssetID: "page-1",
				AssetType:       models.AssetTypePage,
				Data:            models.Document{"n": float64(i)},
			})
			if err != nil {
				t.Error(err)
				return
			}
			if isNew {
				created.Add(1)
			}
			ids[i] = asset.ID
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("created = %d, want exactly one insert", created.Load())
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("ids = %v, want a single row", ids)
		}
	}
}

func TestFindOrCreateValidatesAndDefaultsOwnership(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()

	if _, _, err := env.assets.FindOrCreate(ctx, DiscoveredAsset{Platform: models.PlatformMeta, AssetType: models.AssetTypePage}); err == nil {
		t.Fatal("expected error for missing platform asset id")
	}
	asset, _, err := env.assets.FindOrCreate(ctx, DiscoveredAsset{
		Platform:        "META",
		PlatformAssetID: "act_1",
		AssetType:       models.AssetTypeAdAccount,
		Ownership:       "borrowed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if asset.Platform != models.PlatformMeta || asset.Ownership != models.OwnershipUnknown {
		t.Fatalf("asset = %+v", asset)
	}
}

func TestApplySyncMergesAndCounts(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()

	asset, _, err := env.assets.FindOrCreate(ctx, DiscoveredAsset{
		Platform:        models.PlatformMeta,
		PlatformAssetID: "page-1",
		AssetType:       models.AssetTypePage,
		Data:            models.Document{"name": "Old", "fans": float64(10)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if env.assets.IsFresh(asset, time.Hour) {
		t.Fatal("never-synced asset must not be fresh")
	}

	payload := models.Document{"name": "New", "category": "shop"}
	for i := 0; i < 2; i++ {
		asset, err = env.assets.ApplySync(ctx, asset.ID, payload, "conn-1")
		if err != nil {
			t.Fatal(err)
		}
	}
	if asset.SyncCount != 2 {
		t.Fatalf("sync_count = %d, want 2", asset.SyncCount)
	}
	want := map[string]string{"name": "New", "fans": "10", "category": "shop"}
	for k, v := range want {
		if asset.PlatformData.String(k) != v {
			t.Fatalf("platform_data = %v, want %v", asset.PlatformData, want)
		}
	}
	if asset.SyncSource != "conn-1" || asset.LastSyncedAt == nil {
		t.Fatalf("sync metadata = %+v", asset)
	}
	if !env.assets.IsFresh(asset, time.Hour) {
		t.Fatal("asset should be fresh right after sync")
	}
	env.clock.Advance(2 * time.Hour)
	if env.assets.IsFresh(asset, time.Hour) {
		t.Fatal("asset should be stale after threshold")
	}
}

func TestApplySyncConcurrentIncrements(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	asset := env.mustAsset(t, "page-1", models.AssetTypePage)

	const writers = 6
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.assets.ApplySync(ctx, asset.ID, models.Document{"k": float64(i)}, ""); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, err := env.assets.Get(ctx, asset.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncCount != writers {
		t.Fatalf("sync_count = %d, want %d", got.SyncCount, writers)
	}
}

func TestMarkRemovedAndRediscover(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	asset := env.mustAsset(t, "page-1", models.AssetTypePage)

	if err := env.assets.MarkRemoved(ctx, asset.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.assets.MarkRemoved(ctx, asset.ID); err != nil {
		t.Fatalf("second removal: %v", err)
	}
	got, _ := env.assets.Get(ctx, asset.ID)
	if got.DeletedAt == nil || got.IsActive {
		t.Fatalf("removed asset = %+v", got)
	}

	again := env.mustAsset(t, "page-1", models.AssetTypePage)
	if again.ID != asset.ID || again.DeletedAt != nil || !again.IsActive {
		t.Fatalf("rediscovered asset = %+v", again)
	}

	if err := env.assets.MarkRemoved(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("remove missing: err = %v, want ErrNotFound", err)
	}
	if _, err := env.assets.Lookup(ctx, models.PlatformMeta, "nope", models.AssetTypePage); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup missing: err = %v, want ErrNotFound", err)
	}
}
