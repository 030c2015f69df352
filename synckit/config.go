package synckit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/history"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// Environment variables read by ConfigLoader.ApplyEnv.
const (
	EnvEnableAIResolution          = "SYNC_ENABLE_AI_RESOLUTION"
	EnvEnableInteractiveResolution = "SYNC_ENABLE_INTERACTIVE_RESOLUTION"
	EnvDefaultStrategy             = "SYNC_DEFAULT_STRATEGY"
	EnvInteractiveTimeout          = "SYNC_INTERACTIVE_TIMEOUT"
)

// Duration is a time.Duration written as "30s" or "24h" in config files.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or nanoseconds: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the complete engine configuration.
type Config struct {
	Version                     string             `json:"version" yaml:"version"`
	Name                        string             `json:"name,omitempty" yaml:"name,omitempty"`
	EnableAIResolution          bool               `json:"enable_ai_resolution" yaml:"enable_ai_resolution"`
	EnableInteractiveResolution bool               `json:"enable_interactive_resolution" yaml:"enable_interactive_resolution"`
	DefaultStrategy             types.Strategy     `json:"default_strategy" yaml:"default_strategy"`
	InteractiveTimeout          Duration           `json:"interactive_timeout" yaml:"interactive_timeout"`
	ManualThreshold             float64            `json:"manual_threshold,omitempty" yaml:"manual_threshold,omitempty"`
	ExcludedFields              []string           `json:"excluded_fields,omitempty" yaml:"excluded_fields,omitempty"`
	Collections                 []CollectionConfig `json:"collections,omitempty" yaml:"collections,omitempty"`
	History                     HistoryConfig      `json:"history" yaml:"history"`
	Logging                     logging.Config     `json:"logging" yaml:"logging"`
}

// CollectionConfig binds rule based resolution to one collection.
type CollectionConfig struct {
	Name     string            `json:"name" yaml:"name"`
	Priority int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Fallback types.Strategy    `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Rules    []RuleConfigEntry `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// RuleConfigEntry represents a single rule configuration.
type RuleConfigEntry struct {
	Name       string          `json:"name" yaml:"name"`
	Enabled    *bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Conditions MatchConditions `json:"conditions" yaml:"conditions"`
	Strategy   types.Strategy  `json:"strategy" yaml:"strategy"`
}

// MatchConditions defines when a rule applies. All listed conditions must
// hold; an empty condition set always matches.
type MatchConditions struct {
	Fields         []string             `json:"fields,omitempty" yaml:"fields,omitempty"`
	Tags           []string             `json:"tags,omitempty" yaml:"tags,omitempty"`
	ConflictTypes  []types.ConflictType `json:"conflict_types,omitempty" yaml:"conflict_types,omitempty"`
	MinPriority    string               `json:"min_priority,omitempty" yaml:"min_priority,omitempty"`
	RequiresManual bool                 `json:"requires_manual,omitempty" yaml:"requires_manual,omitempty"`
}

// HistoryConfig tunes the history store.
type HistoryConfig struct {
	SuggestionCacheSize int `json:"suggestion_cache_size,omitempty" yaml:"suggestion_cache_size,omitempty"`
	// AdvisorMinMatches enables the history advisor as the assisted mode
	// arbiter when positive.
	AdvisorMinMatches int `json:"advisor_min_matches,omitempty" yaml:"advisor_min_matches,omitempty"`
}

// DefaultConfig returns the configuration used when nothing is loaded.
func DefaultConfig() Config {
	return Config{
		Version:            "1",
		DefaultStrategy:    types.IntelligentMerge,
		InteractiveTimeout: Duration(DefaultInteractiveTimeout),
		ManualThreshold:    types.DefaultManualThreshold,
		ExcludedFields:     append([]string(nil), DefaultExcludedFields...),
		History:            HistoryConfig{SuggestionCacheSize: history.DefaultSuggestionCacheSize},
		Logging:            logging.DefaultConfig,
	}
}

// registerCollections registers one rule resolver per configured collection.
func (c *Config) registerCollections(reg *Registry, base *DefaultResolver) error {
	for _, col := range c.Collections {
		res, err := buildCollectionResolver(col, base)
		if err != nil {
			return syncErrors.NewConfigError(fmt.Errorf("collection %s: %w", col.Name, err))
		}
		if err := reg.Register(col.Name, res); err != nil {
			return err
		}
	}
	return nil
}

func buildCollectionResolver(col CollectionConfig, base *DefaultResolver) (*RuleResolver, error) {
	fallback := Resolver(base)
	if col.Fallback != "" {
		fallback = strategyResolver(base, col.Fallback)
	}
	opts := []RuleOption{
		WithRuleName("collection:" + col.Name),
		WithRulePriority(col.Priority),
		WithFallback(fallback),
	}
	for _, rc := range col.Rules {
		if rc.Enabled != nil && !*rc.Enabled {
			continue
		}
		matcher, err := buildMatcher(rc.Conditions)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.Name, err)
		}
		opts = append(opts, WithRule(rc.Name, matcher, strategyResolver(base, rc.Strategy)))
	}
	return NewRuleResolver(opts...)
}

// strategyResolver returns a default resolver sharing base's merge strategies
// but using strategy.
func strategyResolver(base *DefaultResolver, strategy types.Strategy) *DefaultResolver {
	return NewDefaultResolver(
		WithStrategy(strategy),
		WithMergeSet(base.MergeSet()),
		WithResolverClock(base.clock),
	)
}

func buildMatcher(mc MatchConditions) (Spec, error) {
	var specs []Spec
	if len(mc.Fields) > 0 {
		specs = append(specs, AnyFieldIn(mc.Fields...))
	}
	for _, tag := range mc.Tags {
		specs = append(specs, HasTag(tag))
	}
	if len(mc.ConflictTypes) > 0 {
		specs = append(specs, ConflictTypeIn(mc.ConflictTypes...))
	}
	if mc.MinPriority != "" {
		p, err := ParsePriority(mc.MinPriority)
		if err != nil {
			return nil, err
		}
		specs = append(specs, PriorityAtLeast(p))
	}
	if mc.RequiresManual {
		specs = append(specs, RequiresManual())
	}
	switch len(specs) {
	case 0:
		return Always(), nil
	case 1:
		return specs[0], nil
	default:
		return And(specs...), nil
	}
}

// ParsePriority parses a priority name such as "high".
func ParsePriority(s string) (types.Priority, error) {
	for p := types.PriorityLow; p <= types.PriorityCritical; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// ConfigValidator validates configuration before applying it.
type ConfigValidator interface {
	Validate(config *Config) error
	Name() string
}

// ConfigWatcher monitors configuration changes.
type ConfigWatcher interface {
	OnConfigChanged(oldConfig, newConfig *Config)
	OnConfigError(err error)
	Name() string
}

// WatcherFunc adapts a change callback to ConfigWatcher. Errors are ignored.
type WatcherFunc func(oldConfig, newConfig *Config)

func (f WatcherFunc) OnConfigChanged(oldConfig, newConfig *Config) { f(oldConfig, newConfig) }
func (f WatcherFunc) OnConfigError(error)                          {}
func (f WatcherFunc) Name() string                                 { return "func" }

// ConfigLoader loads, validates and hot reloads the engine configuration
// from YAML or JSON files.
type ConfigLoader struct {
	mu            sync.RWMutex
	currentConfig *Config
	validators    []ConfigValidator
	watchers      []ConfigWatcher
	logger        *logging.Logger
}

// ConfigLoaderOption provides configuration options for ConfigLoader.
type ConfigLoaderOption interface {
	apply(*ConfigLoader)
}

type configLoaderOptionFunc func(*ConfigLoader)

func (f configLoaderOptionFunc) apply(cl *ConfigLoader) {
	f(cl)
}

// WithConfigValidator adds a configuration validator.
func WithConfigValidator(validator ConfigValidator) ConfigLoaderOption {
	return configLoaderOptionFunc(func(cl *ConfigLoader) {
		cl.validators = append(cl.validators, validator)
	})
}

// WithWatcher adds a configuration change watcher.
func WithWatcher(watcher ConfigWatcher) ConfigLoaderOption {
	return configLoaderOptionFunc(func(cl *ConfigLoader) {
		cl.watchers = append(cl.watchers, watcher)
	})
}

// WithConfigLogger sets a logger for the config loader.
func WithConfigLogger(logger *logging.Logger) ConfigLoaderOption {
	return configLoaderOptionFunc(func(cl *ConfigLoader) {
		cl.logger = logger
	})
}

// NewConfigLoader creates a new configuration loader. BasicValidator always
// runs first.
func NewConfigLoader(opts ...ConfigLoaderOption) *ConfigLoader {
	cl := &ConfigLoader{validators: []ConfigValidator{&BasicValidator{}}}
	for _, opt := range opts {
		opt.apply(cl)
	}
	if cl.logger == nil {
		cl.logger = logging.Discard()
	}
	cl.logger = cl.logger.WithComponent("config")
	return cl
}

// LoadFromFile loads configuration from a YAML or JSON file.
func (cl *ConfigLoader) LoadFromFile(path string) error {
	cl.logger.Debug("loading configuration from file", slog.String("path", path))
	data, err := os.ReadFile(path)
	if err != nil {
		return syncErrors.NewConfigError(fmt.Errorf("failed to read config file %s: %w", path, err))
	}
	return cl.LoadFromBytes(data, detectFormat(path))
}

// LoadFromBytes loads configuration from raw bytes. Fields missing from the
// document keep their DefaultConfig values.
func (cl *ConfigLoader) LoadFromBytes(data []byte, format string) error {
	config := DefaultConfig()
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return syncErrors.NewConfigError(fmt.Errorf("failed to parse YAML config: %w", err))
		}
	case "json":
		if err := json.Unmarshal(data, &config); err != nil {
			return syncErrors.NewConfigError(fmt.Errorf("failed to parse JSON config: %w", err))
		}
	default:
		return syncErrors.NewConfigError(fmt.Errorf("unsupported config format: %s", format))
	}
	return cl.applyConfig(&config)
}

// LoadEnvFiles loads variables from .env style files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func (cl *ConfigLoader) LoadEnvFiles(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return syncErrors.NewConfigError(err)
	}
	return nil
}

// ApplyEnv overrides the current configuration from SYNC_* variables.
func (cl *ConfigLoader) ApplyEnv() error {
	config := cl.Current()
	var err error
	if v, ok := os.LookupEnv(EnvEnableAIResolution); ok {
		if config.EnableAIResolution, err = strconv.ParseBool(v); err != nil {
			return syncErrors.NewConfigError(fmt.Errorf("%s: %w", EnvEnableAIResolution, err))
		}
	}
	if v, ok := os.LookupEnv(EnvEnableInteractiveResolution); ok {
		if config.EnableInteractiveResolution, err = strconv.ParseBool(v); err != nil {
			return syncErrors.NewConfigError(fmt.Errorf("%s: %w", EnvEnableInteractiveResolution, err))
		}
	}
	if v, ok := os.LookupEnv(EnvDefaultStrategy); ok {
		config.DefaultStrategy = types.Strategy(v)
	}
	if v, ok := os.LookupEnv(EnvInteractiveTimeout); ok {
		if err := config.InteractiveTimeout.parse(v); err != nil {
			return syncErrors.NewConfigError(fmt.Errorf("%s: %w", EnvInteractiveTimeout, err))
		}
	}
	config.Logging = mergeLogging(config.Logging, logging.GetConfigFromEnv())
	return cl.applyConfig(&config)
}

// mergeLogging keeps file settings unless the environment sets them.
func mergeLogging(file, env logging.Config) logging.Config {
	if _, ok := os.LookupEnv("LOG_LEVEL"); ok {
		file.Level = env.Level
	}
	if _, ok := os.LookupEnv("LOG_FORMAT"); ok {
		file.Format = env.Format
	}
	if _, ok := os.LookupEnv("LOG_ADD_SOURCE"); ok {
		file.AddSource = env.AddSource
	}
	if _, ok := os.LookupEnv("ENVIRONMENT"); ok {
		file.Environment = env.Environment
	}
	return file
}

// applyConfig validates and applies a configuration.
func (cl *ConfigLoader) applyConfig(config *Config) error {
	for _, validator := range cl.validators {
		if err := validator.Validate(config); err != nil {
			cl.logger.Error("configuration validation failed",
				slog.String("validator", validator.Name()), slog.String("error", err.Error()))
			return syncErrors.NewConfigError(fmt.Errorf("validator %s failed: %w", validator.Name(), err))
		}
	}

	cl.mu.Lock()
	oldConfig := cl.currentConfig
	cl.currentConfig = config
	cl.mu.Unlock()

	for _, watcher := range cl.watchers {
		cl.notify(watcher, func(w ConfigWatcher) { w.OnConfigChanged(oldConfig, config) })
	}
	cl.logger.Debug("configuration applied",
		slog.String("version", config.Version), slog.Int("collections", len(config.Collections)))
	return nil
}

// notify calls a watcher, isolating panics.
func (cl *ConfigLoader) notify(w ConfigWatcher, fn func(ConfigWatcher)) {
	defer func() {
		if r := recover(); r != nil {
			cl.logger.Error("config watcher panic", slog.String("watcher", w.Name()), slog.Any("panic", r))
		}
	}()
	fn(w)
}

// Current returns a copy of the current configuration, or DefaultConfig
// when nothing was loaded.
func (cl *ConfigLoader) Current() Config {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	if cl.currentConfig == nil {
		return DefaultConfig()
	}
	return *cl.currentConfig
}

// WatchFile reloads path whenever it is written until ctx is done. Reload
// failures are reported to the watchers and keep the previous configuration.
func (cl *ConfigLoader) WatchFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return syncErrors.NewConfigError(err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return syncErrors.NewConfigError(err)
	}
	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := cl.LoadFromFile(path); err != nil {
					cl.reportError(err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cl.reportError(syncErrors.NewConfigError(err))
			}
		}
	}()
	return nil
}

func (cl *ConfigLoader) reportError(err error) {
	cl.logger.LogError(context.Background(), err, "configuration reload failed")
	for _, w := range cl.watchers {
		cl.notify(w, func(w ConfigWatcher) { w.OnConfigError(err) })
	}
}

// BuildRegistry creates a registry with one rule resolver per configured
// collection on top of a default resolver for the configured strategy.
func (cl *ConfigLoader) BuildRegistry(opts ...RegistryOption) (*Registry, error) {
	config := cl.Current()
	base := NewDefaultResolver(WithStrategy(config.DefaultStrategy))
	reg := NewRegistry(base, opts...)
	if err := config.registerCollections(reg, base); err != nil {
		return nil, err
	}
	return reg, nil
}

// detectFormat determines file format from extension.
func detectFormat(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "json":
		return "json"
	default:
		return "yaml"
	}
}

// BasicValidator provides basic configuration validation.
type BasicValidator struct{}

func (v *BasicValidator) Name() string {
	return "basic"
}

func (v *BasicValidator) Validate(config *Config) error {
	if config.DefaultStrategy != "" && !config.DefaultStrategy.Valid() {
		return fmt.Errorf("unknown default strategy %q", config.DefaultStrategy)
	}
	if config.InteractiveTimeout < 0 {
		return errors.New("interactive timeout must not be negative")
	}
	if config.ManualThreshold < 0 || config.ManualThreshold > 1 {
		return fmt.Errorf("manual threshold %v is outside [0,1]", config.ManualThreshold)
	}
	names := make(map[string]bool)
	for _, col := range config.Collections {
		if col.Name == "" {
			return errors.New("collection name is required")
		}
		if names[col.Name] {
			return fmt.Errorf("duplicate collection: %s", col.Name)
		}
		names[col.Name] = true
		if col.Fallback != "" && !col.Fallback.Valid() {
			return fmt.Errorf("collection %s: unknown fallback strategy %q", col.Name, col.Fallback)
		}
		if err := v.validateRules(col.Rules, col.Name); err != nil {
			return err
		}
	}
	return nil
}

func (v *BasicValidator) validateRules(rules []RuleConfigEntry, collection string) error {
	ruleNames := make(map[string]bool)
	for _, rule := range rules {
		if rule.Name == "" {
			return fmt.Errorf("rule name is required in %s", collection)
		}
		if ruleNames[rule.Name] {
			return fmt.Errorf("duplicate rule name: %s in %s", rule.Name, collection)
		}
		ruleNames[rule.Name] = true
		if !rule.Strategy.Valid() {
			return fmt.Errorf("rule %s in %s: unknown strategy %q", rule.Name, collection, rule.Strategy)
		}
		if rule.Conditions.MinPriority != "" {
			if _, err := ParsePriority(rule.Conditions.MinPriority); err != nil {
				return fmt.Errorf("rule %s in %s: %w", rule.Name, collection, err)
			}
		}
	}
	return nil
}

// LoggingWatcher logs configuration changes.
type LoggingWatcher struct {
	logger *logging.Logger
}

func NewLoggingWatcher(logger *logging.Logger) *LoggingWatcher {
	return &LoggingWatcher{logger: logger}
}

func (w *LoggingWatcher) Name() string {
	return "logging"
}

func (w *LoggingWatcher) OnConfigChanged(oldConfig, newConfig *Config) {
	if w.logger == nil {
		return
	}
	if oldConfig == nil {
		w.logger.Debug("initial configuration loaded",
			slog.String("version", newConfig.Version), slog.Int("collections", len(newConfig.Collections)))
		return
	}
	w.logger.Debug("configuration updated",
		slog.String("old_version", oldConfig.Version),
		slog.String("new_version", newConfig.Version),
		slog.Int("old_collections", len(oldConfig.Collections)),
		slog.Int("new_collections", len(newConfig.Collections)))
}

func (w *LoggingWatcher) OnConfigError(err error) {
	if w.logger != nil {
		w.logger.LogError(context.Background(), err, "configuration error")
	}
}

// LevelWatcher applies the logging level of each new configuration to a
// logger created with logging.NewDynamicLogger.
type LevelWatcher struct {
	level *logging.DynamicLevelVar
}

func NewLevelWatcher(level *logging.DynamicLevelVar) *LevelWatcher {
	return &LevelWatcher{level: level}
}

func (w *LevelWatcher) Name() string { return "log-level" }

func (w *LevelWatcher) OnConfigChanged(_, newConfig *Config) {
	if newConfig.Logging.Level != "" {
		w.level.SetFromString(newConfig.Logging.Level)
	}
}

func (w *LevelWatcher) OnConfigError(error) {}
