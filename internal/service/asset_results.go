package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odvcencio/assetsync/internal/models"
)

// AssetResultSink writes asset discovery and refresh responses into the
// registry, the access ledger and the relationship graph. Responses to
// requests outside the assets group are ignored.
type AssetResultSink struct {
	Assets *AssetRegistry
	Access *AccessLedger
	Graph  *RelationshipGraph
	Logger *slog.Logger
}

var assetIDFields = []string{"id", "account_id", "page_id", "pixel_id", "catalog_id", "channel_id"}

var businessOwns = map[models.AssetType]models.RelationshipType{
	models.AssetTypePage:      models.RelBusinessOwnsPage,
	models.AssetTypeAdAccount: models.RelBusinessOwnsAdAccount,
	models.AssetTypePixel:     models.RelBusinessOwnsPixel,
	models.AssetTypeCatalog:   models.RelBusinessOwnsCatalog,
}

// assetLink is an edge between a returned asset and an asset it references.
type assetLink struct {
	other         DiscoveredAsset
	rel           models.RelationshipType
	otherIsParent bool
}

func (s *AssetResultSink) ApplyResult(ctx context.Context, req models.BatchRequest, data models.Document) error {
	assetType, ok := models.AssetTypeForRequestType(req.RequestType)
	if !ok {
		return nil
	}
	items := assetItems(data)
	for _, item := range items {
		id := platformAssetID(req.Platform, item)
		if id == "" && len(items) == 1 {
			// Single-asset refreshes may answer with the fields only.
			id = strings.TrimSpace(req.Params.String("asset_id"))
		}
		if id == "" {
			s.logger().Warn("asset in platform response has no id", "request_id", req.ID, "request_type", req.RequestType)
			continue
		}
		if err := s.persist(ctx, req, assetType, id, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *AssetResultSink) persist(ctx context.Context, req models.BatchRequest, assetType models.AssetType, id string, item models.Document) error {
	discovered := DiscoveredAsset{
		Platform:        req.Platform,
		PlatformAssetID: id,
		AssetType:       assetType,
		Name:            item.String("name"),
		Data:            item,
		BusinessID:      businessRef(item).String("id"),
	}
	asset, _, err := s.Assets.FindOrCreate(ctx, discovered)
	if err != nil {
		return err
	}
	if _, err := s.Assets.ApplySync(ctx, asset.ID, item, req.ConnectionID); err != nil {
		return err
	}

	if s.Access != nil && req.OrgID != "" && req.ConnectionID != "" {
		grant := Grant{
			AccessTypes: InferAccessTypes(item),
			Permissions: pick(item, "permissions", "permitted_tasks", "tasks"),
			Roles:       pick(item, "role", "roles"),
		}
		if _, err := s.Access.GrantOrRefresh(ctx, req.OrgID, asset.ID, req.ConnectionID, grant); err != nil {
			return err
		}
	}

	if s.Graph == nil {
		return nil
	}
	for _, link := range linkedAssets(req.Platform, assetType, item) {
		other, _, err := s.Assets.FindOrCreate(ctx, link.other)
		if err != nil {
			return err
		}
		parent, child := asset.ID, other.ID
		if link.otherIsParent {
			parent, child = other.ID, asset.ID
		}
		edgeData := models.Document{"source_request_type": req.RequestType}
		if _, err := s.Graph.UpsertEdge(ctx, parent, child, link.rel, edgeData); err != nil {
			return fmt.Errorf("link asset %d: %w", asset.ID, err)
		}
	}
	return nil
}

func (s *AssetResultSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// assetItems accepts a list response ({"data": [...]}) or a single asset.
func assetItems(data models.Document) []models.Document {
	if len(data) == 0 {
		return nil
	}
	var raw []any
	switch list := data["data"].(type) {
	case []any:
		raw = list
	case []models.Document:
		for _, d := range list {
			raw = append(raw, d)
		}
	case []map[string]any:
		for _, d := range list {
			raw = append(raw, d)
		}
	default:
		return []models.Document{data}
	}
	items := make([]models.Document, 0, len(raw))
	for _, v := range raw {
		if item := object(v); item != nil {
			items = append(items, item)
		}
	}
	return items
}

func platformAssetID(platform models.Platform, item models.Document) string {
	for _, field := range assetIDFields {
		if id := strings.TrimSpace(item.String(field)); id != "" {
			return id
		}
	}
	var fields []string
	switch platform {
	case models.PlatformGoogle:
		fields = []string{"customerId", "channelId"}
	case models.PlatformTikTok:
		fields = []string{"advertiser_id", "bc_id"}
	}
	for _, field := range fields {
		if id := strings.TrimSpace(item.String(field)); id != "" {
			return id
		}
	}
	return ""
}

func businessRef(item models.Document) models.Document {
	if biz := object(item["business"]); biz != nil && biz.String("id") != "" {
		return biz
	}
	if id := item.String("business_id"); id != "" {
		return models.Document{"id": id}
	}
	return nil
}

func linkedAssets(platform models.Platform, assetType models.AssetType, item models.Document) []assetLink {
	var links []assetLink
	if rel, ok := businessOwns[assetType]; ok {
		if biz := businessRef(item); biz != nil {
			links = append(links, assetLink{
				other: DiscoveredAsset{
					Platform:        platform,
					PlatformAssetID: biz.String("id"),
					AssetType:       models.AssetTypeBusiness,
					Name:            biz.String("name"),
				},
				rel:           rel,
				otherIsParent: true,
			})
		}
	}
	if assetType == models.AssetTypePage {
		if ig := object(item["instagram_business_account"]); ig != nil && ig.String("id") != "" {
			links = append(links, assetLink{
				other: DiscoveredAsset{
					Platform:        platform,
					PlatformAssetID: ig.String("id"),
					AssetType:       models.AssetTypeInstagramAccount,
					Name:            ig.String("username"),
				},
				rel: models.RelPageOwnsInstagram,
			})
		}
	}
	return links
}

// InferAccessTypes derives access types from the permitted tasks or role a
// platform reports for the connection. Read access is always included.
func InferAccessTypes(item models.Document) []models.AccessType {
	types := []models.AccessType{models.AccessRead}
	tasks := map[string]bool{}
	for _, key := range []string{"permitted_tasks", "tasks"} {
		for _, task := range stringList(item[key]) {
			tasks[strings.ToUpper(task)] = true
		}
	}
	if tasks["MANAGE"] || tasks["ADVERTISE"] {
		types = append(types, models.AccessWrite)
	}
	if tasks["MANAGE"] {
		types = append(types, models.AccessAdmin)
	}
	if tasks["CREATE_CONTENT"] || tasks["MODERATE"] {
		types = append(types, models.AccessPublish)
	}
	if tasks["ANALYZE"] {
		types = append(types, models.AccessAnalyze)
	}
	switch strings.ToLower(item.String("role")) {
	case "admin", "owner":
		types = append(types, models.AccessWrite, models.AccessAdmin, models.AccessPublish, models.AccessAnalyze)
	case "editor", "advertiser":
		types = append(types, models.AccessWrite, models.AccessPublish)
	}
	normalized, err := models.NormalizeAccessTypes(types)
	if err != nil {
		return []models.AccessType{models.AccessRead}
	}
	return normalized
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func pick(item models.Document, keys ...string) models.Document {
	out := models.Document{}
	for _, key := range keys {
		if v, ok := item[key]; ok {
			out[key] = v
		}
	}
	return out
}
