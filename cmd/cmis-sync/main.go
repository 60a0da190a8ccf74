package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	"github.com/alexjbarnes/cmis-sync/internal/config"
	"github.com/alexjbarnes/cmis-sync/internal/engine"
	"github.com/alexjbarnes/cmis-sync/internal/logging"
	"github.com/alexjbarnes/cmis-sync/internal/state"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cmis-sync",
		Short:         "Mirror a CMIS repository folder into a local directory",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	root.AddCommand(newRunCmd(), newSyncCmd(), newUploadCmd(), newStatusCmd())

	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect and sync every SYNC_INTERVAL until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Connect, run one sync cycle, and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.sessions.Connect(cmd.Context()); err != nil {
				return err
			}

			return a.engine.SyncOnce(cmd.Context())
		},
	}
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <local-dir>",
		Short: "Upload a local directory as a new folder under the remote root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolving %s: %w", args[0], err)
			}

			info, err := os.Stat(dir)
			if err != nil {
				return err
			}

			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.sessions.Connect(cmd.Context()); err != nil {
				return err
			}

			return a.engine.UploadFolder(cmd.Context(), dir)
		},
	}
}

// runDaemon holds the database lock and runs the engine loop until the
// process is signalled.
func runDaemon(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		a.logger.Info("cmis-sync stopped")
		return nil
	}

	return err
}

// app holds the resources shared by the sync commands.
type app struct {
	logger   *slog.Logger
	lock     *flock.Flock
	cache    *state.Cache
	sessions *engine.SessionManager
	engine   *engine.Engine
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("cmis-sync starting",
		slog.String("version", Version),
		slog.String("url", cfg.URL),
		slog.String("remote", cfg.RemotePath),
		slog.String("local", cfg.LocalDir),
		slog.String("database", cfg.Database),
	)

	if err := os.MkdirAll(filepath.Dir(cfg.LockPath()), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	lock := flock.New(cfg.LockPath())

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", cfg.LockPath(), err)
	}

	if !locked {
		return nil, fmt.Errorf("another cmis-sync instance is using %s", cfg.Database)
	}

	cache, err := state.Open(cfg.Database)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	tree, err := engine.NewLocalTree(afero.NewOsFs(), cfg.LocalDir, cfg.RemotePath)
	if err != nil {
		cache.Close()
		_ = lock.Unlock()

		return nil, err
	}

	params := cmis.Parameters{
		URL:          cfg.URL,
		User:         cfg.User,
		Password:     cfg.Password,
		RepositoryID: cfg.RepositoryID,
	}

	sessions := engine.NewSessionManager(cmis.NewBrowserConnector(), params, nil, logger)

	eng := engine.New(sessions, cache, tree, engine.Options{
		RemotePath: cfg.RemotePath,
		Interval:   cfg.SyncInterval,
		Activity:   engine.NewLogActivity(logger),
	}, logger)

	return &app{
		logger:   logger,
		lock:     lock,
		cache:    cache,
		sessions: sessions,
		engine:   eng,
	}, nil
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("closing cache", slog.String("error", err.Error()))
	}

	if err := a.lock.Unlock(); err != nil {
		a.logger.Warn("releasing lock", slog.String("error", err.Error()))
	}
}
