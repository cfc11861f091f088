package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/pkg/middleware"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigPath    = "~/.config/reactived/config.toml"
	defaultDataDir       = "~/.local/share/reactived"
	defaultListen        = "127.0.0.1:7650"
	defaultInspect       = "127.0.0.1:7651"
	defaultNamespace     = "reactive"
	defaultEngine        = "expr"
	defaultHistory       = 100
	defaultRate          = 200
	defaultBurst         = 50
	defaultPersistDelay  = middleware.DefaultPersistDelay
	defaultSlowThreshold = middleware.DefaultSlowThreshold
)

// Notification raises a toast when Path changes. "{value}" in Message is
// replaced by the new value.
type Notification struct {
	Path    string `toml:"path"`
	Level   string `toml:"level"`
	Title   string `toml:"title"`
	Message string `toml:"message"`
}

// Computed declares an expression-backed computed value.
type Computed struct {
	Key  string   `toml:"key"`
	Expr string   `toml:"expr"`
	Deps []string `toml:"deps"`
}

// Layer is an extra named set of defaults merged over [defaults]. Layers
// with a higher priority win; priority 0 picks the next profile slot.
type Layer struct {
	Name     string         `toml:"name"`
	Label    string         `toml:"label"`
	Priority int            `toml:"priority"`
	Defaults map[string]any `toml:"defaults"`
}

// Config is the resolved daemon configuration.
type Config struct {
	Path string

	Listen        string
	Inspect       string
	DataDir       string
	InMemory      bool
	Namespace     string
	LogLevel      string
	LogFormat     string
	Engine        string
	HistorySize   int
	StrictPaths   bool
	RateLimit     float64
	RateBurst     int
	PersistDelay  time.Duration
	SlowThreshold time.Duration

	AllowList     []string
	PersistRoots  []string
	Defaults      map[string]any
	Layers        []Layer
	Validation    []middleware.Rule
	Notifications []Notification
	Computed      []Computed
}

type rawConfig struct {
	Listen        string            `toml:"listen"`
	Inspect       string            `toml:"inspect"`
	DataDir       string            `toml:"data_dir"`
	InMemory      bool              `toml:"in_memory"`
	Namespace     string            `toml:"namespace"`
	LogLevel      string            `toml:"log_level"`
	LogFormat     string            `toml:"log_format"`
	Engine        string            `toml:"engine"`
	HistorySize   int               `toml:"history_size"`
	StrictPaths   bool              `toml:"strict_paths"`
	RateLimit     float64           `toml:"rate_limit"`
	RateBurst     int               `toml:"rate_burst"`
	PersistDelay  string            `toml:"persist_delay"`
	SlowThreshold string            `toml:"slow_threshold"`
	AllowList     []string          `toml:"allow"`
	PersistRoots  []string          `toml:"persist"`
	Defaults      map[string]any    `toml:"defaults"`
	Layers        []Layer           `toml:"layer"`
	Validation    []middleware.Rule `toml:"validation"`
	Notifications []Notification    `toml:"notification"`
	Computed      []Computed        `toml:"computed"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Listen:        defaultListen,
		Inspect:       defaultInspect,
		DataDir:       mustExpand(defaultDataDir),
		Namespace:     defaultNamespace,
		LogLevel:      "info",
		LogFormat:     "text",
		Engine:        defaultEngine,
		HistorySize:   defaultHistory,
		RateLimit:     defaultRate,
		RateBurst:     defaultBurst,
		PersistDelay:  defaultPersistDelay,
		SlowThreshold: defaultSlowThreshold,
		Defaults:      map[string]any{},
	}
}

// Load locates and parses the config, falling back to defaults when missing.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	cfg.Path = resolved

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return parse(cfg, bytes)
}

// Parse reads a configuration document on top of the defaults.
func Parse(data []byte) (Config, error) {
	return parse(Default(), data)
}

func parse(cfg Config, data []byte) (Config, error) {
	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.Listen = orDefault(raw.Listen, defaultListen)
	cfg.Inspect = orDefault(raw.Inspect, defaultInspect)
	cfg.DataDir = mustExpand(orDefault(raw.DataDir, defaultDataDir))
	cfg.InMemory = raw.InMemory
	cfg.Namespace = orDefault(raw.Namespace, defaultNamespace)
	cfg.LogLevel = orDefault(raw.LogLevel, cfg.LogLevel)
	cfg.LogFormat = orDefault(raw.LogFormat, cfg.LogFormat)
	cfg.Engine = strings.ToLower(orDefault(raw.Engine, defaultEngine))
	cfg.StrictPaths = raw.StrictPaths
	if raw.HistorySize > 0 {
		cfg.HistorySize = raw.HistorySize
	}
	if raw.RateLimit > 0 {
		cfg.RateLimit = raw.RateLimit
	}
	if raw.RateBurst > 0 {
		cfg.RateBurst = raw.RateBurst
	}

	var err error
	if cfg.PersistDelay, err = parseDuration("persist_delay", raw.PersistDelay, defaultPersistDelay); err != nil {
		return Config{}, err
	}
	if cfg.SlowThreshold, err = parseDuration("slow_threshold", raw.SlowThreshold, defaultSlowThreshold); err != nil {
		return Config{}, err
	}

	cfg.AllowList = trimAll(raw.AllowList)
	cfg.PersistRoots = trimAll(raw.PersistRoots)
	if raw.Defaults != nil {
		cfg.Defaults = raw.Defaults
	}
	cfg.Layers = raw.Layers
	cfg.Validation = raw.Validation
	cfg.Notifications = raw.Notifications
	cfg.Computed = raw.Computed

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	switch c.Engine {
	case "expr", "cel", "js":
	default:
		errs = append(errs, fmt.Errorf("engine: unknown %q", c.Engine))
	}
	if c.Namespace == "" || strings.Contains(c.Namespace, "/") {
		errs = append(errs, fmt.Errorf("namespace: %q must be non-empty without '/'", c.Namespace))
	}
	for _, root := range c.PersistRoots {
		if strings.Contains(root, ".") {
			errs = append(errs, fmt.Errorf("persist: %q must be a top-level key", root))
		}
	}
	for i, layer := range c.Layers {
		if strings.TrimSpace(layer.Name) == "" {
			errs = append(errs, fmt.Errorf("layer[%d]: name is required", i))
		}
	}
	for i, rule := range c.Validation {
		if strings.TrimSpace(rule.Path) == "" || strings.TrimSpace(rule.Tag) == "" {
			errs = append(errs, fmt.Errorf("validation[%d]: path and tag are required", i))
		}
	}
	for i, n := range c.Notifications {
		if strings.TrimSpace(n.Path) == "" {
			errs = append(errs, fmt.Errorf("notification[%d]: path is required", i))
		}
	}
	for i, comp := range c.Computed {
		if strings.TrimSpace(comp.Key) == "" || strings.TrimSpace(comp.Expr) == "" {
			errs = append(errs, fmt.Errorf("computed[%d]: key and expr are required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DefaultsStack layers [defaults] under every [[layer]] so the store can
// trace which one supplied a value.
func (c Config) DefaultsStack() (*reactive.DefaultsStack, error) {
	layers := []reactive.DefaultsLayer{
		reactive.NewDefaultsLayer(reactive.NewScope("config", reactive.ScopePriorityConfig,
			reactive.WithScopeLabel("Config Defaults"),
			reactive.WithScopeMetadata(map[string]any{"file": c.Path}),
		), c.Defaults, ""),
	}
	for i, layer := range c.Layers {
		priority := layer.Priority
		if priority == 0 {
			priority = reactive.ScopePriorityProfile + i
		}
		layers = append(layers, reactive.NewDefaultsLayer(
			reactive.NewScope(strings.TrimSpace(layer.Name), priority, reactive.WithScopeLabel(layer.Label)),
			layer.Defaults, "",
		))
	}
	stack, err := reactive.NewDefaultsStack(layers...)
	if err != nil {
		return nil, fmt.Errorf("layer: %w", err)
	}
	return stack, nil
}

// DefaultPath returns the expanded default config location.
func DefaultPath() string {
	return mustExpand(defaultConfigPath)
}

// BadgerDir returns where the durable snapshots live.
func (c Config) BadgerDir() string {
	return filepath.Join(c.DataDir, "badger")
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func orDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
