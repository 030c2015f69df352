package synckit

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

const testYAMLConfig = `
version: "1.0"
name: "test-config"
enable_ai_resolution: true
default_strategy: remoteWins
interactive_timeout: 90s
manual_threshold: 0.6
history:
  suggestion_cache_size: 64
  advisor_min_matches: 3
collections:
  - name: contacts
    priority: 5
    fallback: localWins
    rules:
      - name: emails-remote
        conditions:
          fields: ["email"]
        strategy: remoteWins
      - name: urgent
        conditions:
          tags: ["urgent"]
          min_priority: high
        strategy: intelligentMerge
      - name: disabled
        enabled: false
        strategy: newestWins
`

func TestConfigLoader_BasicFunctionality(t *testing.T) {
	loader := NewConfigLoader()
	if err := loader.LoadFromBytes([]byte(testYAMLConfig), "yaml"); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	config := loader.Current()
	if config.Version != "1.0" {
		t.Fatalf("Expected version 1.0, got %s", config.Version)
	}
	if config.Name != "test-config" {
		t.Fatalf("Expected name 'test-config', got %s", config.Name)
	}
	if !config.EnableAIResolution || config.EnableInteractiveResolution {
		t.Fatalf("unexpected toggles: ai=%v interactive=%v", config.EnableAIResolution, config.EnableInteractiveResolution)
	}
	if config.DefaultStrategy != types.RemoteWins {
		t.Fatalf("Expected remoteWins, got %s", config.DefaultStrategy)
	}
	if time.Duration(config.InteractiveTimeout) != 90*time.Second {
		t.Fatalf("Expected 90s timeout, got %s", config.InteractiveTimeout)
	}
	if config.History.SuggestionCacheSize != 64 || config.History.AdvisorMinMatches != 3 {
		t.Fatalf("unexpected history config: %+v", config.History)
	}
	// Fields absent from the document keep their defaults.
	if len(config.ExcludedFields) != len(DefaultExcludedFields) {
		t.Fatalf("Expected default excluded fields, got %v", config.ExcludedFields)
	}
	if len(config.Collections) != 1 || len(config.Collections[0].Rules) != 3 {
		t.Fatalf("unexpected collections: %+v", config.Collections)
	}
}

func TestConfigLoader_JSON(t *testing.T) {
	jsonConfig := `{
		"version": "2",
		"enable_interactive_resolution": true,
		"default_strategy": "localWins",
		"interactive_timeout": "2m"
	}`
	loader := NewConfigLoader()
	if err := loader.LoadFromBytes([]byte(jsonConfig), "json"); err != nil {
		t.Fatalf("Failed to load JSON config: %v", err)
	}
	config := loader.Current()
	if !config.EnableInteractiveResolution {
		t.Fatal("Expected interactive resolution to be enabled")
	}
	if time.Duration(config.InteractiveTimeout) != 2*time.Minute {
		t.Fatalf("Expected 2m, got %s", config.InteractiveTimeout)
	}
}

func TestConfigLoader_ValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"unknown default strategy", `default_strategy: coinFlip`},
		{"threshold out of range", `manual_threshold: 1.5`},
		{"negative timeout", `interactive_timeout: -1s`},
		{"unnamed collection", "collections:\n  - priority: 1"},
		{"duplicate collection", "collections:\n  - name: a\n  - name: a"},
		{"unknown rule strategy", "collections:\n  - name: a\n    rules:\n      - name: r\n        strategy: magic"},
		{"duplicate rule", "collections:\n  - name: a\n    rules:\n      - name: r\n        strategy: localWins\n      - name: r\n        strategy: localWins"},
		{"bad priority", "collections:\n  - name: a\n    rules:\n      - name: r\n        strategy: localWins\n        conditions:\n          min_priority: urgent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewConfigLoader()
			err := loader.LoadFromBytes([]byte(tt.config), "yaml")
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !syncErrors.IsKind(err, syncErrors.KindConfig) {
				t.Fatalf("Expected config error, got %v", err)
			}
		})
	}
}

func TestConfigLoader_UnsupportedFormat(t *testing.T) {
	if err := NewConfigLoader().LoadFromBytes([]byte("x = 1"), "toml"); err == nil {
		t.Fatal("Expected error for unsupported format")
	}
}

func TestConfigLoader_LoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.json")
	if err := os.WriteFile(path, []byte(`{"version":"file","default_strategy":"newestWins"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	loader := NewConfigLoader()
	if err := loader.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if got := loader.Current().DefaultStrategy; got != types.NewestWins {
		t.Fatalf("Expected newestWins, got %s", got)
	}
	if err := loader.LoadFromFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

type recordingWatcher struct {
	mu      sync.Mutex
	changes []*Config
	errs    []error
}

func (w *recordingWatcher) OnConfigChanged(_, newConfig *Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.changes = append(w.changes, newConfig)
}

func (w *recordingWatcher) OnConfigError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs = append(w.errs, err)
}

func (w *recordingWatcher) Name() string { return "recording" }

func (w *recordingWatcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.changes)
}

func TestConfigLoader_WatchersAndPanics(t *testing.T) {
	watcher := &recordingWatcher{}
	panicky := WatcherFunc(func(_, _ *Config) { panic("boom") })
	loader := NewConfigLoader(WithWatcher(panicky), WithWatcher(watcher))

	if err := loader.LoadFromBytes([]byte(`version: "1"`), "yaml"); err != nil {
		t.Fatal(err)
	}
	if err := loader.LoadFromBytes([]byte(`version: "2"`), "yaml"); err != nil {
		t.Fatal(err)
	}
	if watcher.count() != 2 {
		t.Fatalf("Expected 2 notifications, got %d", watcher.count())
	}
}

func TestConfigLoader_ApplyEnv(t *testing.T) {
	t.Setenv(EnvEnableAIResolution, "true")
	t.Setenv(EnvEnableInteractiveResolution, "1")
	t.Setenv(EnvDefaultStrategy, "localWins")
	t.Setenv(EnvInteractiveTimeout, "15m")

	loader := NewConfigLoader()
	if err := loader.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	config := loader.Current()
	if !config.EnableAIResolution || !config.EnableInteractiveResolution {
		t.Fatal("Expected both toggles from the environment")
	}
	if config.DefaultStrategy != types.LocalWins {
		t.Fatalf("Expected localWins, got %s", config.DefaultStrategy)
	}
	if time.Duration(config.InteractiveTimeout) != 15*time.Minute {
		t.Fatalf("Expected 15m, got %s", config.InteractiveTimeout)
	}

	t.Setenv(EnvEnableAIResolution, "maybe")
	if err := loader.ApplyEnv(); err == nil {
		t.Fatal("Expected error for malformed boolean")
	}
}

func TestConfigLoader_LoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SYNC_DEFAULT_STRATEGY=remoteWins\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv(EnvDefaultStrategy)
	t.Cleanup(func() { os.Unsetenv(EnvDefaultStrategy) })

	loader := NewConfigLoader()
	if err := loader.LoadEnvFiles(filepath.Join(dir, "absent.env"), path); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if err := loader.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	if got := loader.Current().DefaultStrategy; got != types.RemoteWins {
		t.Fatalf("Expected remoteWins from .env, got %s", got)
	}
}

func TestConfigLoader_WatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.yaml")
	if err := os.WriteFile(path, []byte(`version: "1"`), 0o600); err != nil {
		t.Fatal(err)
	}
	watcher := &recordingWatcher{}
	loader := NewConfigLoader(WithWatcher(watcher))
	if err := loader.LoadFromFile(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := loader.WatchFile(ctx, path); err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	if err := os.WriteFile(path, []byte(`version: "2"`), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for loader.Current().Version != "2" {
		if time.Now().After(deadline) {
			t.Fatalf("config was not reloaded, version %s", loader.Current().Version)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConfigLoader_BuildRegistry(t *testing.T) {
	loader := NewConfigLoader()
	if err := loader.LoadFromBytes([]byte(testYAMLConfig), "yaml"); err != nil {
		t.Fatal(err)
	}
	reg, err := loader.BuildRegistry()
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	resolvers := reg.Resolvers("contacts")
	if len(resolvers) != 1 {
		t.Fatalf("Expected one contacts resolver, got %d", len(resolvers))
	}
	rr, ok := resolvers[0].(*RuleResolver)
	if !ok {
		t.Fatalf("Expected *RuleResolver, got %T", resolvers[0])
	}
	if len(rr.Rules()) != 2 {
		t.Fatalf("Expected disabled rule to be skipped, got %d rules", len(rr.Rules()))
	}

	ctx := context.Background()
	emailConflict := &types.Conflict{
		ConflictID: "c1",
		EntityID:   "e1",
		Collection: "contacts",
		LocalData:  map[string]any{"email": "a@x.io", "name": "A"},
		RemoteData: map[string]any{"email": "b@x.io", "name": "A"},
		FieldConflicts: map[string]types.FieldConflict{
			"email": {FieldName: "email", ConflictType: types.ValueDifference, LocalValue: "a@x.io", RemoteValue: "b@x.io", ConfidenceScore: 0.9},
		},
	}
	res, err := reg.Resolve(ctx, emailConflict)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != types.RemoteWins || res.ResolvedData["email"] != "b@x.io" {
		t.Fatalf("Expected remoteWins rule, got %s %v", res.Strategy, res.ResolvedData)
	}

	other := emailConflict.Clone()
	other.FieldConflicts = map[string]types.FieldConflict{
		"name": {FieldName: "name", ConflictType: types.ValueDifference, LocalValue: "A", RemoteValue: "B", ConfidenceScore: 0.9},
	}
	other.LocalData["name"], other.RemoteData["name"] = "A", "B"
	res, err = reg.Resolve(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != types.LocalWins || res.ResolvedData["name"] != "A" {
		t.Fatalf("Expected collection fallback localWins, got %s %v", res.Strategy, res.ResolvedData)
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1h30m"`)); err != nil {
		t.Fatal(err)
	}
	if time.Duration(d) != 90*time.Minute {
		t.Fatalf("Expected 1h30m, got %s", d)
	}
	out, err := d.MarshalJSON()
	if err != nil || string(out) != `"1h30m0s"` {
		t.Fatalf("unexpected marshal result %s %v", out, err)
	}
	if err := d.UnmarshalJSON([]byte(`1000`)); err != nil || time.Duration(d) != time.Microsecond {
		t.Fatalf("Expected nanosecond integer form, got %s %v", d, err)
	}
}

func TestLevelWatcher(t *testing.T) {
	var buf bytes.Buffer
	logger, level := logging.NewDynamicLogger(&buf, logging.Config{Level: "info", Format: "json"})

	loader := NewConfigLoader(WithWatcher(NewLevelWatcher(level)))
	logger.Debug("hidden")
	if err := loader.LoadFromBytes([]byte("logging:\n  level: debug\n"), "yaml"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if level.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", level.Level())
	}
	logger.Debug("shown")
	if bytes.Contains(buf.Bytes(), []byte("hidden")) || !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}
