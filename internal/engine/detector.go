package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"slices"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	syncerr "github.com/alexjbarnes/cmis-sync/internal/errors"
)

// changeLogPageSize is the maximum number of change events fetched per
// request.
const changeLogPageSize = 1000

// ChangeDetector decides per cycle between a full recursive copy and a
// replay of the repository change log, and drives the replicators.
type ChangeDetector struct {
	session            cmis.Session
	tree               *LocalTree
	cache              Cache
	down               *Downloader
	up                 *Uploader
	changeLogSupported bool
	logger             *slog.Logger
}

// NewChangeDetector creates a ChangeDetector. When changeLogSupported is
// false every cycle is a full recursive copy.
func NewChangeDetector(session cmis.Session, tree *LocalTree, cache Cache, down *Downloader, up *Uploader, changeLogSupported bool, logger *slog.Logger) *ChangeDetector {
	return &ChangeDetector{
		session:            session,
		tree:               tree,
		cache:              cache,
		down:               down,
		up:                 up,
		changeLogSupported: changeLogSupported,
		logger:             logger,
	}
}

// Sync runs one cycle against remoteRoot. The stored change log token is
// advanced only after the work it covers completed without blocking
// failures.
func (d *ChangeDetector) Sync(ctx context.Context, remoteRoot *cmis.Folder) error {
	if !d.changeLogSupported {
		d.logger.Debug("change log not supported, crawling remote tree")
		return d.down.RecursiveFolderCopy(ctx, remoteRoot, d.tree.Root())
	}

	token, ok, err := d.cache.ChangeLogToken()
	if err != nil {
		return fmt.Errorf("reading change log token: %w", err)
	}

	info, err := d.session.RepositoryInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetching latest change log token: %w", err)
	}

	latest := info.LatestChangeLogToken

	if !ok {
		d.logger.Info("no change log token stored, starting full copy",
			slog.String("remote", remoteRoot.Path),
			slog.String("local", d.tree.Root()),
		)

		return d.fullCopy(ctx, remoteRoot, latest)
	}

	if token == latest {
		d.logger.Debug("no remote changes", slog.String("token", token))
		return nil
	}

	return d.replay(ctx, remoteRoot, token, latest)
}

// fullCopy copies the whole remote tree and stores latest when the copy
// was clean.
func (d *ChangeDetector) fullCopy(ctx context.Context, remoteRoot *cmis.Folder, latest string) error {
	err := d.down.RecursiveFolderCopy(ctx, remoteRoot, d.tree.Root())
	if blockingErr(err) != nil {
		d.logger.Warn("full copy incomplete, change log token not stored",
			slog.String("error", err.Error()),
		)

		return err
	}

	if latest != "" {
		if serr := d.storeToken(latest); serr != nil {
			return errors.Join(err, serr)
		}
	}

	return err
}

// replay applies the change log from token onwards, one page at a time.
func (d *ChangeDetector) replay(ctx context.Context, remoteRoot *cmis.Folder, token, latest string) error {
	var skipped []error

	for {
		page, err := d.session.ContentChanges(ctx, token, true, changeLogPageSize)
		if err != nil {
			return fmt.Errorf("fetching changes since %s: %w", token, err)
		}

		d.logger.Info("replaying change log",
			slog.String("token", token),
			slog.Int("events", len(page.Events)),
			slog.Bool("more", page.HasMoreItems),
		)

		var errs []error

		for _, ev := range page.Events {
			if err := d.apply(ctx, ev); err != nil {
				d.logger.Warn("applying change failed",
					slog.String("object", ev.ObjectID),
					slog.String("change", string(ev.Type)),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
			}
		}

		pageErr := errors.Join(errs...)
		if blockingErr(pageErr) != nil {
			d.logger.Warn("change log page incomplete, token not advanced",
				slog.String("token", token),
			)

			return errors.Join(append(skipped, pageErr)...)
		}

		if pageErr != nil {
			skipped = append(skipped, pageErr)
		}

		if page.HasMoreItems && page.NextToken == "" {
			d.logger.Warn("server did not return a continuation token, falling back to full copy")

			err := d.fullCopy(ctx, remoteRoot, latest)

			return errors.Join(append(skipped, err)...)
		}

		next := latest
		if page.HasMoreItems {
			next = page.NextToken
		}

		if next != "" && next != token {
			if err := d.storeToken(next); err != nil {
				return errors.Join(append(skipped, err)...)
			}

			token = next
		}

		if !page.HasMoreItems {
			return errors.Join(skipped...)
		}
	}
}

// apply replays one change event.
func (d *ChangeDetector) apply(ctx context.Context, ev cmis.ChangeEvent) error {
	switch ev.Type {
	case cmis.ChangeCreated, cmis.ChangeUpdated:
		return d.applyUpsert(ctx, ev)
	case cmis.ChangeDeleted:
		return d.applyDelete(ctx, ev)
	default:
		return nil
	}
}

func (d *ChangeDetector) applyUpsert(ctx context.Context, ev cmis.ChangeEvent) error {
	obj, err := d.session.GetObject(ctx, ev.ObjectID)
	if cmis.IsNotFound(err) {
		d.logger.Debug("changed object no longer exists",
			slog.String("object", ev.ObjectID),
			slog.String("change", string(ev.Type)),
		)

		return nil
	}

	if err != nil {
		return fmt.Errorf("fetching %s: %w", ev.ObjectID, err)
	}

	switch o := obj.(type) {
	case *cmis.Folder:
		return d.upsertFolder(ctx, o)
	case *cmis.Document:
		return d.upsertDocument(ctx, o)
	}

	return nil
}

func (d *ChangeDetector) upsertFolder(ctx context.Context, folder *cmis.Folder) error {
	local, ok := d.tree.LocalPath(folder.Path)
	if !ok {
		d.logger.Info("ignoring change outside the remote root", slog.String("remote", folder.Path))
		return nil
	}

	if local != d.tree.Root() {
		if !allowedPath(d.tree, d.logger, local, KindFolder) {
			return nil
		}

		if err := d.tree.MkdirAll(local); err != nil {
			return err
		}

		if err := d.cache.AddFolder(local, folder.LastModificationDate, folderMetadata(folder)); err != nil {
			return fmt.Errorf("recording folder %s: %w", local, err)
		}
	}

	return d.down.RecursiveFolderCopy(ctx, folder, local)
}

func (d *ChangeDetector) upsertDocument(ctx context.Context, doc *cmis.Document) error {
	var local, remote string

	for _, p := range doc.Paths {
		if l, ok := d.tree.LocalPath(p); ok && l != d.tree.Root() {
			local, remote = l, p
			break
		}
	}

	if local == "" {
		d.logger.Info("ignoring change to unrelated document",
			slog.String("document", doc.ID),
			slog.Any("paths", doc.Paths),
		)

		return nil
	}

	dir := filepath.Dir(local)
	if dir != d.tree.Root() {
		if !allowedPath(d.tree, d.logger, dir, KindFolder) {
			return nil
		}

		if err := d.ensureParents(ctx, dir, path.Dir(path.Clean(remote))); err != nil {
			return err
		}
	}

	return d.down.DownloadFile(ctx, doc, dir)
}

// ensureParents creates the missing local folders from the root down to
// dir and records each with its remote folder's metadata. remoteDir is
// the remote folder mapped to dir.
func (d *ChangeDetector) ensureParents(ctx context.Context, dir, remoteDir string) error {
	type parent struct{ local, remote string }

	var missing []parent

	for l, r := dir, remoteDir; l != d.tree.Root() && !d.tree.Exists(l); l, r = filepath.Dir(l), path.Dir(r) {
		missing = append(missing, parent{local: l, remote: r})
	}

	for _, m := range slices.Backward(missing) {
		obj, err := d.session.GetObjectByPath(ctx, m.remote)
		if err != nil {
			return fmt.Errorf("resolving parent folder %s: %w", m.remote, err)
		}

		folder, ok := obj.(*cmis.Folder)
		if !ok {
			return fmt.Errorf("parent %s is not a folder", m.remote)
		}

		if err := d.tree.MkdirAll(m.local); err != nil {
			return err
		}

		if err := d.cache.AddFolder(m.local, folder.LastModificationDate, folderMetadata(folder)); err != nil {
			return fmt.Errorf("recording folder %s: %w", m.local, err)
		}

		d.logger.Debug("created parent folder for document", slog.String("path", m.local))
	}

	return nil
}

func (d *ChangeDetector) applyDelete(ctx context.Context, ev cmis.ChangeEvent) error {
	obj, err := d.session.GetObject(ctx, ev.ObjectID)

	switch {
	case err == nil:
		switch o := obj.(type) {
		case *cmis.Folder:
			local, ok := d.tree.LocalPath(o.Path)
			if !ok || local == d.tree.Root() {
				d.logger.Info("ignoring deletion outside the remote root", slog.String("remote", o.Path))
				return nil
			}

			return d.up.RemoveFolderLocally(local)
		case *cmis.Document:
			d.logDocumentDeletion(ev.ObjectID, "")
		}

		return nil
	case cmis.IsNotFound(err):
		return d.deleteByCache(ev.ObjectID)
	default:
		return fmt.Errorf("fetching %s: %w", ev.ObjectID, err)
	}
}

// deleteByCache resolves a deleted object through the cache, since the
// server no longer knows its path.
func (d *ChangeDetector) deleteByCache(id string) error {
	rec, err := d.cache.FindByID(id)
	if err != nil {
		return fmt.Errorf("looking up %s in cache: %w", id, err)
	}

	if rec == nil {
		d.logger.Debug("deleted object was never synchronized", slog.String("object", id))
		return nil
	}

	if !rec.Folder {
		d.logDocumentDeletion(id, rec.Path)
		return nil
	}

	if rec.Path == d.tree.Root() || !d.tree.Contains(rec.Path) {
		return nil
	}

	return d.up.RemoveFolderLocally(rec.Path)
}

// logDocumentDeletion records a remote document deletion. Local files are
// not removed in response.
func (d *ChangeDetector) logDocumentDeletion(id, local string) {
	d.logger.Info("remote document deleted, keeping local copy",
		slog.String("object", id),
		slog.String("path", local),
	)
}

// blockingErr returns err with the failures that must not hold back the
// change log token removed. A null content stream is logged and skipped.
func blockingErr(err error) error {
	if err == nil {
		return nil
	}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var keep []error

		for _, e := range joined.Unwrap() {
			if b := blockingErr(e); b != nil {
				keep = append(keep, b)
			}
		}

		return errors.Join(keep...)
	}

	if errors.Is(err, syncerr.ErrNullContentStream) {
		return nil
	}

	return err
}

func (d *ChangeDetector) storeToken(token string) error {
	if err := d.cache.SetChangeLogToken(token); err != nil {
		return fmt.Errorf("storing change log token: %w", err)
	}

	d.logger.Info("change log token advanced", slog.String("token", token))

	return nil
}
