// Package request defines the DownloadRequest capability set (§3) and
// its two concrete variants: TileFetchId, the tile-fetch adapter of
// §4.5, and OSMGeoSearch, the supplemented named-place search request
// (SPEC_FULL.md §4.8). Both are generic over their parsed result type
// so the durable cache and proxy-racing fetcher can stay untyped with
// respect to request kind.
package request

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb/geojson"

	"github.com/nullisland/planetstream/registry"
	"github.com/nullisland/planetstream/tilemath"
)

// Request is the generic capability set a DownloadRequest must
// implement: is_valid_request, final_path, random_url, parse_response.
// T is the parsed result type (R::Parsed in spec.md's notation).
type Request[T any] interface {
	// Kind names the request type for table naming and singleton
	// download-loop identity; it must be stable and unique per
	// concrete Go type.
	Kind() string
	// Key is the structural-equality cache key for this request.
	Key() string
	// Validate runs request-specific preconditions; failures here are
	// errs.Invalid and are never retried.
	Validate(reg *registry.Registry) error
	// FinalPath is the durable on-disk location under tilesRoot. Takes
	// the registry because §4.5's layout embeds a server's declared
	// map_type as a path segment.
	FinalPath(reg *registry.Registry) string
	// URL builds the (possibly proxy-agnostic) remote URL to fetch,
	// given a random shard selection seed.
	URL(reg *registry.Registry, shardPick int) (string, error)
	// Parse validates and decodes raw bytes into the typed result.
	Parse(reg *registry.Registry, data []byte) (T, error)
}

// TileFetchId addresses one tile image download: (server, x, y, z)
// plus the declared file extension, per §4.5.
type TileFetchId struct {
	ServerName string
	X, Y       uint64
	Z          uint8
	Extension  string // "png" or "jpg"/"jpeg", as requested by the caller
}

// Kind implements Request.
func (TileFetchId) Kind() string { return "tile_fetch_id" }

// Key implements Request: tile identity is structural.
func (t TileFetchId) Key() string {
	return fmt.Sprintf("%s/%d/%d/%d.%s", t.ServerName, t.Z, t.X, t.Y, t.Extension)
}

// Validate checks z <= max_level, extension matches the server's
// declared format, and x,y < 2^z, per §4.5.
func (t TileFetchId) Validate(reg *registry.Registry) error {
	cfg, ok := reg.Get(t.ServerName)
	if !ok {
		return fmt.Errorf("unknown server %q", t.ServerName)
	}
	if t.Z > cfg.MaxLevel {
		return fmt.Errorf("zoom %d exceeds max_level %d for server %q", t.Z, cfg.MaxLevel, t.ServerName)
	}
	ext := normalizeExt(t.Extension)
	if ext != string(cfg.ImgFormat) {
		return fmt.Errorf("extension %q does not match server format %q", t.Extension, cfg.ImgFormat)
	}
	coord := tilemath.Coord{X: t.X, Y: t.Y, Z: t.Z}
	if !coord.Valid() {
		return fmt.Errorf("tile (%d,%d) out of range at z=%d", t.X, t.Y, t.Z)
	}
	return nil
}

func normalizeExt(ext string) string {
	switch strings.ToLower(ext) {
	case "jpg", "jpeg":
		return "jpeg"
	default:
		return strings.ToLower(ext)
	}
}

// FinalPath implements Request: tiles_root/map_type/server_name/z/x/y.extension
// (§4.5, §6). A server unknown to reg falls back to an empty map_type
// segment rather than failing; Validate is what rejects unknown servers.
func (t TileFetchId) FinalPath(reg *registry.Registry) string {
	cfg, _ := reg.Get(t.ServerName)
	return fmt.Sprintf("%s/%s/%d/%d/%d.%s", cfg.MapType, t.ServerName, t.Z, t.X, t.Y, t.Extension)
}

// URL substitutes {s},{x},{y},{z},{bing_quadkey} into the server's
// url_template, per §4.5/§4.6. shardPick selects among server_shards
// deterministically so callers control randomness.
func (t TileFetchId) URL(reg *registry.Registry, shardPick int) (string, error) {
	cfg, ok := reg.Get(t.ServerName)
	if !ok {
		return "", fmt.Errorf("unknown server %q", t.ServerName)
	}
	shard := ""
	if len(cfg.Shards) > 0 {
		shard = cfg.Shards[shardPick%len(cfg.Shards)]
	}
	coord := tilemath.Coord{X: t.X, Y: t.Y, Z: t.Z}
	replacer := strings.NewReplacer(
		"{s}", shard,
		"{x}", strconv.FormatUint(t.X, 10),
		"{y}", strconv.FormatUint(t.Y, 10),
		"{z}", strconv.Itoa(int(t.Z)),
		"{bing_quadkey}", tilemath.BingQuadkey(coord),
	)
	return replacer.Replace(cfg.URLTemplate), nil
}

// TileResult is the parsed artifact of a tile download: the dimensions
// and format actually observed, for diagnostics. The decoded image
// itself is not kept.
type TileResult struct {
	Width, Height int
	Format        string
}

// Parse decodes data as an image and asserts its dimensions and format
// exactly match the server's declared width/height/img_format, per
// §4.5 and testable property 8 (parse rejects wrong dimensions).
func (t TileFetchId) Parse(reg *registry.Registry, data []byte) (TileResult, error) {
	cfg, ok := reg.Get(t.ServerName)
	if !ok {
		return TileResult{}, fmt.Errorf("unknown server %q", t.ServerName)
	}

	cfgImg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return TileResult{}, fmt.Errorf("decode image: %w", err)
	}
	if cfgImg.Width != cfg.Width || cfgImg.Height != cfg.Height {
		return TileResult{}, fmt.Errorf("dimensions %dx%d do not match server %dx%d", cfgImg.Width, cfgImg.Height, cfg.Width, cfg.Height)
	}
	wantFormat := normalizeExt(string(cfg.ImgFormat))
	if format != wantFormat {
		return TileResult{}, fmt.Errorf("decoded format %q does not match server format %q", format, wantFormat)
	}
	// A decode-config pass is cheap; re-decode fully to catch bodies
	// that lie about their header (truncated / corrupt payloads).
	switch format {
	case "png":
		if _, err := png.Decode(bytes.NewReader(data)); err != nil {
			return TileResult{}, fmt.Errorf("decode png body: %w", err)
		}
	case "jpeg":
		if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
			return TileResult{}, fmt.Errorf("decode jpeg body: %w", err)
		}
	}

	return TileResult{Width: cfgImg.Width, Height: cfgImg.Height, Format: format}, nil
}

// OSMGeoSearch resolves a free-text place name to a geodetic point,
// the second DownloadRequest kind (SPEC_FULL.md §4.8), demonstrating
// the cache and fetcher are generic over request kind.
type OSMGeoSearch struct {
	Query string
}

func (OSMGeoSearch) Kind() string { return "osm_geo_search" }

func (s OSMGeoSearch) Key() string { return strings.ToLower(strings.TrimSpace(s.Query)) }

func (s OSMGeoSearch) Validate(reg *registry.Registry) error {
	if strings.TrimSpace(s.Query) == "" {
		return fmt.Errorf("empty search query")
	}
	return nil
}

// FinalPath hashes the query rather than stripping it to safe
// characters: two distinct queries that sanitize to the same string
// ("New York!" / "New...York") must not collide on disk, the same
// concern the teacher's xxhash directory keys address for tile ids.
func (s OSMGeoSearch) FinalPath(reg *registry.Registry) string {
	return fmt.Sprintf("geojson/%016x.geo.json", xxhash.Sum64String(s.Key()))
}

// URL builds a Nominatim-shaped search URL. No search provider is
// implemented (non-goal: GeoDuck/OSM search features); this exists so
// the request/cache/parse shape can be tested against a mock fetcher.
func (s OSMGeoSearch) URL(reg *registry.Registry, shardPick int) (string, error) {
	return fmt.Sprintf("https://nominatim.openstreetmap.org/search?format=geojson&q=%s", strings.ReplaceAll(s.Query, " ", "+")), nil
}

// Parse decodes a GeoJSON FeatureCollection body.
func (s OSMGeoSearch) Parse(reg *registry.Registry, data []byte) (geojson.FeatureCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return geojson.FeatureCollection{}, fmt.Errorf("decode geojson: %w", err)
	}
	if len(fc.Features) == 0 {
		return geojson.FeatureCollection{}, fmt.Errorf("no results for query %q", s.Query)
	}
	return *fc, nil
}
