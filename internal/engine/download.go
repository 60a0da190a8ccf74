package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	syncerr "github.com/alexjbarnes/cmis-sync/internal/errors"
	"github.com/dustin/go-humanize"
)

// copyBufferSize is the chunk size used when writing downloads.
const copyBufferSize = 8 * 1024

// Downloader replicates remote folders and documents into the local tree.
type Downloader struct {
	session  cmis.Session
	tree     *LocalTree
	cache    Cache
	activity ActivityListener
	logger   *slog.Logger
}

// NewDownloader creates a Downloader.
func NewDownloader(session cmis.Session, tree *LocalTree, cache Cache, activity ActivityListener, logger *slog.Logger) *Downloader {
	if activity == nil {
		activity = NopActivity{}
	}

	return &Downloader{
		session:  session,
		tree:     tree,
		cache:    cache,
		activity: activity,
		logger:   logger,
	}
}

// RecursiveFolderCopy mirrors every child of remote into localFolder,
// depth first. Failures of single children are logged and joined into the
// returned error; they do not stop the walk.
func (d *Downloader) RecursiveFolderCopy(ctx context.Context, remote *cmis.Folder, localFolder string) error {
	d.activity.ActivityStarted()
	defer d.activity.ActivityStopped()

	var errs []error

	for child, err := range d.session.Children(ctx, remote) {
		if err != nil {
			d.logger.Warn("listing folder failed",
				slog.String("remote", remote.Path),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("listing %s: %w", remote.Path, err))

			break
		}

		switch obj := child.(type) {
		case *cmis.Folder:
			if err := d.copyFolder(ctx, remote, obj, localFolder); err != nil {
				errs = append(errs, err)
			}
		case *cmis.Document:
			if err := d.DownloadFile(ctx, obj, localFolder); err != nil {
				d.logger.Warn("download failed",
					slog.String("remote", obj.Name),
					slog.String("folder", localFolder),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// copyFolder creates the local folder for child, records it with the
// parent's modification time, and recurses.
func (d *Downloader) copyFolder(ctx context.Context, parent, child *cmis.Folder, localFolder string) error {
	localSub, err := d.tree.Child(localFolder, child.Name)
	if err != nil {
		d.logger.Warn("skipping folder with unusable name",
			slog.String("remote", child.Path),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if !d.allowed(localSub, KindFolder) {
		return nil
	}

	if err := d.ensureFolder(localSub, parent.LastModificationDate, child); err != nil {
		return err
	}

	return d.RecursiveFolderCopy(ctx, child, localSub)
}

// ensureFolder creates a local folder and its cache record. Existing
// folders are fine.
func (d *Downloader) ensureFolder(localPath string, stamp time.Time, folder *cmis.Folder) error {
	if err := d.tree.MkdirAll(localPath); err != nil {
		d.logger.Warn("creating folder failed",
			slog.String("path", localPath),
			slog.String("error", err.Error()),
		)

		return err
	}

	if err := d.cache.AddFolder(localPath, stamp, folderMetadata(folder)); err != nil {
		return fmt.Errorf("recording folder %s: %w", localPath, err)
	}

	return nil
}

// DownloadFile transfers doc into localFolder. The content is written to
// a staging file opened for append, so an interrupted transfer resumes
// from the staging file's length, and renamed over the target only once
// complete. A failed transfer leaves the staging file in place and
// neither the target nor the cache is touched.
func (d *Downloader) DownloadFile(ctx context.Context, doc *cmis.Document, localFolder string) error {
	target, err := d.tree.Child(localFolder, doc.FileName())
	if err != nil {
		d.logger.Warn("skipping document with unusable name",
			slog.String("remote", doc.Name),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if !d.allowed(target, KindFile) {
		return nil
	}

	d.activity.ActivityStarted()
	defer d.activity.ActivityStopped()

	if d.tree.IsDir(target) {
		renamed := d.tree.SuffixIfExists(target)
		d.logger.Info("folder occupies download target, using a suffixed name",
			slog.String("path", target),
			slog.String("target", renamed),
		)
		target = renamed
	} else if err := d.tree.Remove(target); err != nil {
		return err
	}

	staging := target + stagingSuffix

	size, err := d.transfer(ctx, doc, staging)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", target, err)
	}

	if err := d.tree.Rename(staging, target); err != nil {
		return fmt.Errorf("finalizing %s: %w", target, err)
	}

	if err := d.tree.Chtimes(target, doc.LastModificationDate); err != nil {
		d.logger.Warn("setting mtime failed",
			slog.String("path", target),
			slog.String("error", err.Error()),
		)
	}

	if err := d.cache.AddFile(target, doc.LastModificationDate, documentMetadata(doc)); err != nil {
		return fmt.Errorf("recording %s: %w", target, err)
	}

	d.logger.Info("downloaded",
		slog.String("path", target),
		slog.String("size", humanize.Bytes(uint64(size))),
	)

	return nil
}

// transfer fills the staging file with the document content and returns
// the final staging length.
func (d *Downloader) transfer(ctx context.Context, doc *cmis.Document, staging string) (int64, error) {
	existed := d.tree.Exists(staging)

	f, err := d.tree.OpenAppend(staging)
	if err != nil {
		return 0, fmt.Errorf("opening staging file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat staging file: %w", err)
	}

	offset := info.Size()
	declared := doc.ContentStreamLength

	if declared >= 0 && offset > declared {
		// The remote content changed since the staging file was written.
		d.logger.Info("staging file longer than remote content, restarting",
			slog.String("path", staging),
			slog.Int64("staged", offset),
			slog.Int64("length", declared),
		)

		if err := f.Truncate(0); err != nil {
			return 0, fmt.Errorf("truncating staging file: %w", err)
		}

		offset = 0
	}

	if declared >= 0 && offset == declared {
		return offset, f.Sync()
	}

	if offset > 0 {
		d.logger.Info("resuming download",
			slog.String("path", staging),
			slog.Int64("offset", offset),
		)
	}

	cs, err := d.session.ContentStream(ctx, doc.ID, offset, declared)
	if err != nil {
		return offset, err
	}

	if cs == nil || cs.Stream == nil {
		if !existed && offset == 0 {
			f.Close()
			_ = d.tree.Remove(staging)
		}

		return 0, syncerr.ErrNullContentStream
	}
	defer cs.Stream.Close()

	written, err := copyChunks(f, cs.Stream)
	total := offset + written

	if err != nil {
		return total, err
	}

	if declared >= 0 && total < declared {
		return total, fmt.Errorf("%w: got %d of %d bytes", syncerr.ErrIncompleteTransfer, total, declared)
	}

	if err := f.Sync(); err != nil {
		return total, fmt.Errorf("syncing staging file: %w", err)
	}

	return total, nil
}

// copyChunks copies src to dst in fixed-size chunks. io.Copy is avoided
// so the buffer size holds regardless of ReaderFrom/WriterTo support.
func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)

	var written int64

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)

			if werr != nil {
				return written, fmt.Errorf("writing staging file: %w", werr)
			}
		}

		if rerr == io.EOF {
			return written, nil
		}

		if rerr != nil {
			return written, fmt.Errorf("reading content stream: %w", rerr)
		}
	}
}

// allowed applies the rule filter to a local path.
func (d *Downloader) allowed(p string, kind Kind) bool {
	return allowedPath(d.tree, d.logger, p, kind)
}

func allowedPath(tree *LocalTree, logger *slog.Logger, p string, kind Kind) bool {
	rel, err := tree.Rel(p)
	if err != nil {
		rel = filepath.Base(p)
	}

	if IsAllowed(rel, kind) {
		return true
	}

	logger.Debug("excluded by rules",
		slog.String("path", rel),
		slog.String("kind", kind.String()),
	)

	return false
}
