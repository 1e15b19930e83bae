// Package config loads explora.yaml.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"explora.ai/internal/changes"
	"explora.ai/internal/render"
	"explora.ai/internal/syncclient"
)

// When the in-memory delta is cleared after a cycle.
const (
	ClearOnDisk    = "disk"
	ClearOnBackend = "backend"
)

// Duration is a time.Duration written as "30s" or "5m" in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

type Config struct {
	ChunkDataDir   string `yaml:"chunk_data_dir"`
	RenderDataDir  string `yaml:"render_data_dir"`
	WorldContainer string `yaml:"world_container"`
	FullScan       bool   `yaml:"full_scan"`
	Debug          bool   `yaml:"debug"`

	ChunkUpdateInterval  Duration `yaml:"chunk_update_interval"`
	PlayerUpdateInterval Duration `yaml:"player_update_interval"`
	StatusUpdateInterval Duration `yaml:"status_update_interval"`

	EditThreshold int    `yaml:"edit_threshold"`
	ClearDeltaOn  string `yaml:"clear_delta_on"`
	// RenderWorkers sizes the shared render pool; 0 picks from the core count.
	RenderWorkers int `yaml:"render_workers"`

	Backend BackendConfig `yaml:"backend"`
	Render  RenderConfig  `yaml:"render"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Metrics MetricsConfig `yaml:"metrics"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Journal JournalConfig `yaml:"journal"`
	Mirror  MirrorConfig  `yaml:"mirror"`
}

type BackendConfig struct {
	BaseURL    string           `yaml:"base_url"`
	APIKey     string           `yaml:"api_key"`
	BatchSize  int              `yaml:"batch_size"`
	BatchDelay Duration         `yaml:"batch_delay"`
	Timeout    Duration         `yaml:"timeout"`
	Paths      syncclient.Paths `yaml:"paths"`
}

type RenderConfig struct {
	Scale           int      `yaml:"scale"`
	Zoom            int      `yaml:"zoom"`
	Height          int32    `yaml:"height"`
	Shade           bool     `yaml:"shade"`
	ShadeWater      bool     `yaml:"shade_water"`
	ShadeAltitude   bool     `yaml:"shade_altitude"`
	CavesDimensions []string `yaml:"caves_dimensions"`
}

func (r RenderConfig) Options() render.Options {
	return render.Options{
		Scale:         r.Scale,
		Zoom:          r.Zoom,
		Height:        r.Height,
		Shade:         r.Shade,
		ShadeWater:    r.ShadeWater,
		ShadeAltitude: r.ShadeAltitude,
	}
}

type IngestConfig struct {
	Listen   string   `yaml:"listen"`
	Path     string   `yaml:"path"`
	Token    string   `yaml:"token"`
	SendWait Duration `yaml:"send_wait"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

type JournalConfig struct {
	Dir string `yaml:"dir"`
}

type MirrorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	Workers         int    `yaml:"workers"`
}

// Load reads path on top of Defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("explora.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("explora.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	ro := render.DefaultOptions()
	return Config{
		ChunkDataDir:         "data/chunk-data",
		RenderDataDir:        "data/render-data",
		WorldContainer:       ".",
		FullScan:             false,
		ChunkUpdateInterval:  Duration(5 * time.Minute),
		PlayerUpdateInterval: Duration(5 * time.Second),
		StatusUpdateInterval: Duration(30 * time.Second),
		EditThreshold:        changes.DefaultThreshold,
		ClearDeltaOn:         ClearOnDisk,
		Backend: BackendConfig{
			BaseURL:    "http://localhost:3000",
			BatchSize:  500,
			BatchDelay: Duration(time.Second),
			Timeout:    Duration(30 * time.Second),
			Paths:      syncclient.DefaultPaths(),
		},
		Render: RenderConfig{
			Scale:           ro.Scale,
			Zoom:            ro.Zoom,
			Height:          ro.Height,
			Shade:           ro.Shade,
			ShadeWater:      ro.ShadeWater,
			ShadeAltitude:   ro.ShadeAltitude,
			CavesDimensions: []string{"nether"},
		},
		Ingest: IngestConfig{
			Listen:   ":8085",
			Path:     "/v1/ingest",
			SendWait: Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{Listen: ""},
		Ledger:  LedgerConfig{Path: "data/ledger.sqlite"},
		Journal: JournalConfig{Dir: "data/journal"},
		Mirror:  MirrorConfig{Workers: 2},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.ChunkDataDir = filepath.Clean(strings.TrimSpace(c.ChunkDataDir))
	c.RenderDataDir = filepath.Clean(strings.TrimSpace(c.RenderDataDir))
	c.WorldContainer = filepath.Clean(strings.TrimSpace(c.WorldContainer))
	c.ClearDeltaOn = strings.ToLower(strings.TrimSpace(c.ClearDeltaOn))
	if c.ClearDeltaOn == "" {
		c.ClearDeltaOn = ClearOnDisk
	}
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	c.Backend.APIKey = strings.TrimSpace(c.Backend.APIKey)
	def := syncclient.DefaultPaths()
	p := &c.Backend.Paths
	for _, f := range []struct {
		v   *string
		def string
	}{
		{&p.ChunkBatch, def.ChunkBatch},
		{&p.DeleteChunks, def.DeleteChunks},
		{&p.TileUpload, def.TileUpload},
		{&p.Players, def.Players},
		{&p.Status, def.Status},
	} {
		*f.v = strings.TrimSpace(*f.v)
		if *f.v == "" {
			*f.v = f.def
		}
		if !strings.HasPrefix(*f.v, "/") {
			*f.v = "/" + *f.v
		}
	}
	if c.Ingest.Path == "" {
		c.Ingest.Path = "/v1/ingest"
	}
	for i, d := range c.Render.CavesDimensions {
		c.Render.CavesDimensions[i] = strings.ToLower(strings.TrimSpace(d))
	}
	if c.Mirror.Workers <= 0 {
		c.Mirror.Workers = 2
	}
}

func (c Config) Validate() error {
	if c.ChunkDataDir == "" || c.ChunkDataDir == "." {
		return fmt.Errorf("chunk_data_dir is required")
	}
	if c.RenderDataDir == "" || c.RenderDataDir == "." {
		return fmt.Errorf("render_data_dir is required")
	}
	if c.ChunkDataDir == c.RenderDataDir {
		return fmt.Errorf("chunk_data_dir and render_data_dir must differ")
	}
	for name, d := range map[string]Duration{
		"chunk_update_interval":  c.ChunkUpdateInterval,
		"player_update_interval": c.PlayerUpdateInterval,
		"status_update_interval": c.StatusUpdateInterval,
		"backend.batch_delay":    c.Backend.BatchDelay,
		"backend.timeout":        c.Backend.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.EditThreshold < 1 {
		return fmt.Errorf("edit_threshold must be >= 1")
	}
	if c.ClearDeltaOn != ClearOnDisk && c.ClearDeltaOn != ClearOnBackend {
		return fmt.Errorf("clear_delta_on must be %q or %q", ClearOnDisk, ClearOnBackend)
	}
	if c.RenderWorkers < 0 {
		return fmt.Errorf("render_workers must be >= 0")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Backend.BatchSize < 1 {
		return fmt.Errorf("backend.batch_size must be >= 1")
	}
	if err := c.Render.Options().Validate(); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if c.Mirror.Enabled && (c.Mirror.Endpoint == "" || c.Mirror.Bucket == "" || c.Mirror.AccessKeyID == "" || c.Mirror.SecretAccessKey == "") {
		return fmt.Errorf("mirror.enabled requires endpoint, bucket, access_key_id and secret_access_key")
	}
	return nil
}

// SetFullScan rewrites the full_scan key of the file at path in place,
// keeping the rest of the document and its comments.
func SetFullScan(path string, v bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("explora.yaml: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("explora.yaml: top level is not a mapping")
	}
	root := doc.Content[0]
	val := "false"
	if v {
		val = "true"
	}
	set := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "full_scan" {
			root.Content[i+1].Kind = yaml.ScalarNode
			root.Content[i+1].Tag = "!!bool"
			root.Content[i+1].Value = val
			set = true
			break
		}
	}
	if !set {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "full_scan"},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: val},
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
