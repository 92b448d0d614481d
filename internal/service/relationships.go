package service

import (
	"context"
	"fmt"
	"time"

	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/models"
)

// RelationshipGraph stores typed edges between assets.
type RelationshipGraph struct {
	db  database.DB
	now func() time.Time
}

func NewRelationshipGraph(db database.DB, opts Options) *RelationshipGraph {
	return &RelationshipGraph{db: db, now: opts.clock()}
}

// UpsertEdge creates the (parent, child, type) edge, or merges data into the
// existing one and refreshes its verification time.
func (g *RelationshipGraph) UpsertEdge(ctx context.Context, parentID, childID int64, relType models.RelationshipType, data models.Document) (*models.AssetRelationship, error) {
	if !relType.Valid() {
		return nil, fmt.Errorf("unknown relationship type %q", relType)
	}
	if parentID == childID {
		return nil, fmt.Errorf("asset %d cannot relate to itself", parentID)
	}
	if data == nil {
		data = models.Document{}
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		now := g.now()
		edge := &models.AssetRelationship{
			ParentAssetID:    parentID,
			ChildAssetID:     childID,
			RelationshipType: relType,
			Data:             data,
			DiscoveredAt:     now,
		}
		created, err := g.db.InsertRelationship(ctx, edge)
		if err != nil {
			return nil, fmt.Errorf("upsert edge %d->%d: %w", parentID, childID, err)
		}
		if created {
			return edge, nil
		}
		merged := edge.Data.Merge(data)
		ok, err := g.db.UpdateRelationshipData(ctx, edge.ID, edge.Revision, merged, now)
		if err != nil {
			return nil, fmt.Errorf("merge edge %d: %w", edge.ID, err)
		}
		if ok {
			edge.Data = merged
			edge.LastVerifiedAt = now
			edge.Revision++
			return edge, nil
		}
	}
	return nil, fmt.Errorf("upsert edge %d->%d: too much contention", parentID, childID)
}

// ChildrenOf lists live child assets. An empty relType matches every type.
func (g *RelationshipGraph) ChildrenOf(ctx context.Context, parentID int64, relType models.RelationshipType) ([]models.PlatformAsset, error) {
	return g.db.ListChildAssets(ctx, parentID, relType)
}

// ParentsOf lists live parent assets. An empty relType matches every type.
func (g *RelationshipGraph) ParentsOf(ctx context.Context, childID int64, relType models.RelationshipType) ([]models.PlatformAsset, error) {
	return g.db.ListParentAssets(ctx, childID, relType)
}

// StaleEdges lists edges not verified within threshold, oldest first. Edges
// are never removed here; a reconciliation job re-verifies them.
func (g *RelationshipGraph) StaleEdges(ctx context.Context, threshold time.Duration, limit int) ([]models.AssetRelationship, error) {
	if limit <= 0 {
		limit = 100
	}
	return g.db.ListStaleRelationships(ctx, g.now().Add(-threshold), limit)
}
