package service

import (
	"context"
	"errors"
	"testing"

	"github.com/odvcencio/assetsync/internal/models"
)

func TestOrgCannotReadAssetWithoutActiveAccess(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	asset := env.mustAsset(t, "page-1", models.AssetTypePage)

	if _, err := env.access.AssetForOrg(ctx, "org-b", asset.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("no grant: err = %v, want ErrAccessDenied", err)
	}

	grant, err := env.access.GrantOrRefresh(ctx, "org-a", asset.ID, "conn-a", Grant{AccessTypes: []models.AccessType{models.AccessRead}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.access.AssetForOrg(ctx, "org-a", asset.ID); err != nil {
		t.Fatalf("granted org: %v", err)
	}
	// A grant to another org does not leak.
	if _, err := env.access.Authorize(ctx, "org-b", asset.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("other org: err = %v, want ErrAccessDenied", err)
	}

	if err := env.access.Revoke(ctx, grant.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.access.AssetForOrg(ctx, "org-a", asset.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("revoked: err = %v, want ErrAccessDenied", err)
	}
	listed, err := env.access.ListOrgAssets(ctx, "org-a", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 0 {
		t.Fatalf("revoked org lists %d assets", len(listed))
	}

	row, err := env.access.Get(ctx, grant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.IsActive || row.RevokedAt == nil {
		t.Fatalf("revoked row = %+v, want kept for audit", row)
	}
}

func TestRepeatGrantKeepsSelection(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	asset := env.mustAsset(t, "page-1", models.AssetTypePage)

	grant, err := env.access.GrantOrRefresh(ctx, "org-a", asset.ID, "conn-a", Grant{})
	if err != nil {
		t.Fatal(err)
	}
	if grant.VerificationCount != 1 || len(grant.AccessTypes) != 1 || grant.AccessTypes[0] != models.AccessRead {
		t.Fatalf("first grant = %+v", grant)
	}
	if err := env.access.Select(ctx, grant.ID, "user-1"); err != nil {
		t.Fatal(err)
	}
	if err := env.access.Revoke(ctx, grant.ID); err != nil {
		t.Fatal(err)
	}

	again, err := env.access.GrantOrRefresh(ctx, "org-a", asset.ID, "conn-a", Grant{AccessTypes: []models.AccessType{models.AccessAdmin}})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != grant.ID || again.VerificationCount != 2 || !again.IsActive || again.RevokedAt != nil {
		t.Fatalf("refreshed grant = %+v", again)
	}
	if !again.IsSelected || again.SelectedByUserID != "user-1" {
		t.Fatalf("selection lost on refresh: %+v", again)
	}
	if !again.HasAccessType(models.AccessPublish) {
		t.Fatal("admin grant should imply publish")
	}

	selected, err := env.access.ListOrgAssets(ctx, "org-a", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 1 || selected[0].Asset.ID != asset.ID {
		t.Fatalf("selected = %+v", selected)
	}
	if err := env.access.Deselect(ctx, grant.ID); err != nil {
		t.Fatal(err)
	}
	selected, _ = env.access.ListOrgAssets(ctx, "org-a", true)
	if len(selected) != 0 {
		t.Fatalf("selected after deselect = %d", len(selected))
	}
}

func TestGrantRequiresKnownAssetAndAccessType(t *testing.T) {
	env := setupServiceTest(t)
	ctx := context.Background()
	asset := env.mustAsset(t, "page-1", models.AssetTypePage)

	if _, err := env.access.GrantOrRefresh(ctx, "org-a", 4242, "conn-a", Grant{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown asset: err = %v, want ErrNotFound", err)
	}
	if _, err := env.access.GrantOrRefresh(ctx, "org-a", asset.ID, "conn-a", Grant{AccessTypes: []models.AccessType{"own"}}); err == nil {
		t.Fatal("expected error for unknown access type")
	}
	if err := env.access.Revoke(ctx, 4242); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoke missing: err = %v, want ErrNotFound", err)
	}
}
