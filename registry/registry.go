// Package registry holds the process-wide mapping from tile-server id
// to its descriptor, loaded once from the JSON config file described
// in the external interfaces (§6): a URL template, image format, max
// zoom, and optional request-shard hostnames.
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// ImageFormat is the declared image encoding for a tile server.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
)

// normalizeFormat accepts the config file's "jpg" spelling (per §6)
// and canonicalizes it to "jpeg" (per §3's img_format enum).
func normalizeFormat(raw string) (ImageFormat, error) {
	switch strings.ToLower(raw) {
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	default:
		return "", fmt.Errorf("registry: unknown img_type %q", raw)
	}
}

// ServerConfig describes one tile server entry.
type ServerConfig struct {
	Name        string
	PlanetName  string
	MapType     string
	URLTemplate string
	Width       int
	Height      int
	MaxLevel    uint8
	ImgFormat   ImageFormat
	Shards      []string // server_shards, may be nil
}

// configFile mirrors the on-disk JSON array shape from §6.
type configFile struct {
	Planet   string   `json:"planet"`
	MapType  string   `json:"map_type"`
	Name     string   `json:"name"`
	Comment  string   `json:"comment"`
	URL      string   `json:"url"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	MaxLevel uint8    `json:"max_level"`
	ImgType  string   `json:"img_type"`
	Servers  []string `json:"servers,omitempty"`
}

// Registry is the process-wide, read-mostly server catalog. Entries
// are loaded once; lookups are safe for concurrent use by both the
// frame loop and async fetch workers.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*ServerConfig
}

// New returns an empty registry; use Load or Add to populate it.
func New() *Registry {
	return &Registry{servers: make(map[string]*ServerConfig)}
}

// Load parses the JSON config file at path and replaces the registry
// contents. Names must be unique; server_shards, if present, must be
// non-empty, matching the §3 ServerConfig invariants.
func (r *Registry) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("registry: open %s: %w", path, err)
	}
	defer f.Close()
	return r.LoadFrom(f)
}

// LoadFrom parses the JSON config from an arbitrary reader, letting
// callers (and tests) avoid round-tripping through the filesystem.
func (r *Registry) LoadFrom(src io.Reader) error {
	var raw []configFile
	if err := json.NewDecoder(src).Decode(&raw); err != nil {
		return fmt.Errorf("registry: decode config: %w", err)
	}

	parsed := make(map[string]*ServerConfig, len(raw))
	for _, entry := range raw {
		if _, exists := parsed[entry.Name]; exists {
			return fmt.Errorf("registry: duplicate server name %q", entry.Name)
		}
		if entry.Servers != nil && len(entry.Servers) == 0 {
			return fmt.Errorf("registry: %q declares empty server_shards", entry.Name)
		}
		format, err := normalizeFormat(entry.ImgType)
		if err != nil {
			return fmt.Errorf("registry: %q: %w", entry.Name, err)
		}
		parsed[entry.Name] = &ServerConfig{
			Name:        entry.Name,
			PlanetName:  entry.Planet,
			MapType:     entry.MapType,
			URLTemplate: entry.URL,
			Width:       entry.Width,
			Height:      entry.Height,
			MaxLevel:    entry.MaxLevel,
			ImgFormat:   format,
			Shards:      entry.Servers,
		}
	}

	r.mu.Lock()
	r.servers = parsed
	r.mu.Unlock()
	return nil
}

// Add registers or replaces a single server descriptor, primarily for
// tests and for programmatic setup without a JSON file on disk.
func (r *Registry) Add(cfg ServerConfig) error {
	if cfg.Shards != nil && len(cfg.Shards) == 0 {
		return fmt.Errorf("registry: %q declares empty server_shards", cfg.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.servers == nil {
		r.servers = make(map[string]*ServerConfig)
	}
	cp := cfg
	r.servers[cfg.Name] = &cp
	return nil
}

// Get looks up a server by name.
func (r *Registry) Get(name string) (ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.servers[name]
	if !ok {
		return ServerConfig{}, false
	}
	return *cfg, true
}

// All returns a snapshot of every registered server.
func (r *Registry) All() []ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerConfig, 0, len(r.servers))
	for _, cfg := range r.servers {
		out = append(out, *cfg)
	}
	return out
}

// MarshalJSON re-serializes the registry in the §6 config-file shape,
// for GET /api/config/tileservers.json.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]configFile, 0, len(r.servers))
	for _, cfg := range r.servers {
		imgType := "png"
		if cfg.ImgFormat == FormatJPEG {
			imgType = "jpg"
		}
		out = append(out, configFile{
			Planet:   cfg.PlanetName,
			MapType:  cfg.MapType,
			Name:     cfg.Name,
			URL:      cfg.URLTemplate,
			Width:    cfg.Width,
			Height:   cfg.Height,
			MaxLevel: cfg.MaxLevel,
			ImgType:  imgType,
			Servers:  cfg.Shards,
		})
	}
	return json.Marshal(out)
}
