package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/relay/redisrelay"
	"github.com/c0deZ3R0/go-sync-resolve/storage/postgres"
	"github.com/c0deZ3R0/go-sync-resolve/storage/sqlite"
	"github.com/c0deZ3R0/go-sync-resolve/synckit"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/history"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath  string
	envFiles    []string
	historyPath string
	redisURL    string
	logLevel    string
}

// app is the per-invocation wiring built before a command runs.
type app struct {
	engine *synckit.Engine
	repo   history.Repository
	relay  *redisrelay.Relay
	logger *logging.Logger
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.relay != nil {
		a.relay.Close()
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Warn("closing history database failed", slog.String("error", err.Error()))
		}
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "syncresolve",
		Short: "Detect and resolve offline sync conflicts",
		Long: `syncresolve compares a local and a remote version of a record, reports
the field level conflicts between them and resolves them with the configured
strategies. Resolutions can be recorded in a SQLite history database so later
runs learn which strategies work for similar conflicts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "configuration file (yaml or json)")
	pf.StringSliceVar(&flags.envFiles, "env-file", nil, ".env files loaded before SYNC_* overrides")
	pf.StringVar(&flags.historyPath, "history", "", "history database: a SQLite file or a postgres:// URL")
	pf.StringVar(&flags.redisURL, "redis", "", "redis URL to relay conflict events to")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newDetectCmd(flags),
		newResolveCmd(flags),
		newPresentCmd(flags),
		newStatsCmd(flags),
	)
	return root
}

// newApp loads configuration and opens the history database.
func newApp(ctx context.Context, flags *globalFlags, stderr io.Writer) (*app, error) {
	loader := synckit.NewConfigLoader()
	if err := loader.LoadEnvFiles(flags.envFiles...); err != nil {
		return nil, err
	}
	if flags.configPath != "" {
		if err := loader.LoadFromFile(flags.configPath); err != nil {
			return nil, err
		}
	}
	if err := loader.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg := loader.Current()

	logCfg := cfg.Logging
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	a := &app{logger: logging.NewLoggerTo(stderr, logCfg)}

	opts := []synckit.EngineOption{
		synckit.WithConfig(cfg),
		synckit.WithLogger(a.logger),
	}
	if flags.historyPath != "" {
		repo, err := openRepository(flags.historyPath, a.logger)
		if err != nil {
			return nil, err
		}
		a.repo = repo
		store := history.NewStore(
			history.WithRepository(repo),
			history.WithSuggestionCacheSize(cfg.History.SuggestionCacheSize),
			history.WithLogger(a.logger),
		)
		if _, err := store.Restore(ctx, repo); err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, synckit.WithHistory(store))
	}

	engine, err := synckit.NewEngine(opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = engine

	if flags.redisURL != "" {
		relay, err := redisrelay.NewFromURL(ctx, flags.redisURL, redisrelay.WithLogger(a.logger))
		if err != nil {
			a.close()
			return nil, err
		}
		a.relay = relay
		// The engine drains its bus on Close, so relayed events are sent
		// before the command exits.
		relay.Attach(engine.Bus())
	}
	return a, nil
}

// openRepository picks the history backend from the location's form.
func openRepository(location string, logger *logging.Logger) (history.Repository, error) {
	if strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://") {
		return postgres.New(&postgres.Config{ConnectionString: location, Logger: logger})
	}
	return sqlite.New(&sqlite.Config{DataSourceName: location, EnableWAL: true, Logger: logger})
}

// recordPair is the input document: two versions of one record.
type recordPair struct {
	EntityID      string         `json:"entityId"`
	Collection    string         `json:"collection"`
	Local         map[string]any `json:"local"`
	Remote        map[string]any `json:"remote"`
	LocalVersion  int64          `json:"localVersion"`
	RemoteVersion int64          `json:"remoteVersion"`
	Priority      string         `json:"priority,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
}

func (p recordPair) detectInput() (synckit.DetectInput, error) {
	in := synckit.DetectInput{
		EntityID:      p.EntityID,
		Collection:    p.Collection,
		LocalData:     p.Local,
		RemoteData:    p.Remote,
		LocalVersion:  p.LocalVersion,
		RemoteVersion: p.RemoteVersion,
		Priority:      types.PriorityNormal,
		Tags:          p.Tags,
	}
	if p.Priority != "" {
		prio, err := synckit.ParsePriority(p.Priority)
		if err != nil {
			return in, err
		}
		in.Priority = prio
	}
	return in, nil
}

// readPair decodes a record pair from path, or stdin when path is "-".
func readPair(path string, stdin io.Reader) (recordPair, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return recordPair{}, fmt.Errorf("read input: %w", err)
	}
	var p recordPair
	if err := json.Unmarshal(data, &p); err != nil {
		return recordPair{}, fmt.Errorf("decode input: %w", err)
	}
	return p, nil
}

// detect runs detection for the pair at path.
func (a *app) detect(cmd *cobra.Command, path string) (*types.Conflict, error) {
	pair, err := readPair(path, cmd.InOrStdin())
	if err != nil {
		return nil, err
	}
	in, err := pair.detectInput()
	if err != nil {
		return nil, err
	}
	return a.engine.Detect(cmd.Context(), in)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
