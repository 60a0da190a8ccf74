// Package engine replicates a remote CMIS folder into a local directory
// and uploads local folders into the repository.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	syncerr "github.com/alexjbarnes/cmis-sync/internal/errors"
	"github.com/jonboulle/clockwork"
)

// DefaultInterval is the pause between cycles in Run.
const DefaultInterval = 5 * time.Minute

// Options configures an Engine.
type Options struct {
	// RemotePath is the remote folder mirrored into the local root.
	RemotePath string

	// Interval is the pause between cycles in Run. Zero means
	// DefaultInterval.
	Interval time.Duration

	// Clock drives the cycle timer. Nil means the real clock.
	Clock clockwork.Clock

	// Activity receives unit of work notifications. Nil means none.
	Activity ActivityListener
}

// Engine binds one local root to one remote folder.
type Engine struct {
	sessions *SessionManager
	cache    Cache
	tree     *LocalTree
	opts     Options
	logger   *slog.Logger

	syncing atomic.Bool
}

// New creates an Engine. The session manager, cache, and tree are owned by
// the caller.
func New(sessions *SessionManager, cache Cache, tree *LocalTree, opts Options, logger *slog.Logger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Activity == nil {
		opts.Activity = NopActivity{}
	}

	if opts.RemotePath == "" {
		opts.RemotePath = tree.RemoteRoot()
	}

	return &Engine{
		sessions: sessions,
		cache:    cache,
		tree:     tree,
		opts:     opts,
		logger:   logger,
	}
}

// Syncing reports whether a cycle or upload is in progress.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// Run connects and then runs a cycle every interval until ctx is done.
// Failed cycles are logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.sessions.Connect(ctx); err != nil {
		return err
	}

	for {
		if err := e.SyncOnce(ctx); err != nil {
			e.logger.Warn("sync cycle finished with errors", slog.String("error", err.Error()))
		}

		timer := e.opts.Clock.NewTimer(e.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}

// SyncOnce runs one cycle. It returns ErrSyncInProgress when another
// cycle holds the syncing flag. Once started, a cycle is not interrupted
// by ctx cancellation.
func (e *Engine) SyncOnce(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return syncerr.ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	ctx = context.WithoutCancel(ctx)

	session, err := e.sessions.Session()
	if err != nil {
		return err
	}

	root, err := e.remoteRoot(ctx, session)
	if err != nil {
		return err
	}

	down := NewDownloader(session, e.tree, e.cache, e.opts.Activity, e.logger)
	up := NewUploader(session, e.tree, e.cache, e.opts.Activity, e.logger)
	det := NewChangeDetector(session, e.tree, e.cache, down, up, e.sessions.ChangeLogSupported(), e.logger)

	start := e.opts.Clock.Now()

	e.logger.Info("sync cycle started",
		slog.String("remote", root.Path),
		slog.String("local", e.tree.Root()),
	)

	err = det.Sync(ctx, root)

	e.logger.Info("sync cycle finished",
		slog.Duration("elapsed", e.opts.Clock.Since(start)),
		slog.Bool("clean", err == nil),
	)

	return err
}

// UploadFolder uploads localDir, with its files and subdirectories, as a
// new folder directly under the remote root.
func (e *Engine) UploadFolder(ctx context.Context, localDir string) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return syncerr.ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	session, err := e.sessions.Session()
	if err != nil {
		return err
	}

	root, err := e.remoteRoot(ctx, session)
	if err != nil {
		return err
	}

	up := NewUploader(session, e.tree, e.cache, e.opts.Activity, e.logger)

	return up.UploadFolderRecursively(ctx, root, localDir)
}

func (e *Engine) remoteRoot(ctx context.Context, session cmis.Session) (*cmis.Folder, error) {
	obj, err := session.GetObjectByPath(ctx, e.opts.RemotePath)
	if err != nil {
		return nil, fmt.Errorf("resolving remote root %s: %w", e.opts.RemotePath, err)
	}

	folder, ok := obj.(*cmis.Folder)
	if !ok {
		return nil, fmt.Errorf("%w: %s", syncerr.ErrRemoteRootNotFolder, e.opts.RemotePath)
	}

	return folder, nil
}
