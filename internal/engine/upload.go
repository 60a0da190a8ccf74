package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"sync"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

const defaultMimeType = "application/octet-stream"

// Uploader replicates local folders and files into the repository.
type Uploader struct {
	session  cmis.Session
	tree     *LocalTree
	cache    Cache
	activity ActivityListener
	logger   *slog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(session cmis.Session, tree *LocalTree, cache Cache, activity ActivityListener, logger *slog.Logger) *Uploader {
	if activity == nil {
		activity = NopActivity{}
	}

	return &Uploader{
		session:  session,
		tree:     tree,
		cache:    cache,
		activity: activity,
		logger:   logger,
	}
}

// UploadFolderRecursively creates a remote folder named after localFolder
// under remoteBase, uploads the files directly inside it, then recurses
// into its subdirectories one level deeper remotely. Failures of single
// files and subfolders are joined into the returned error.
func (u *Uploader) UploadFolderRecursively(ctx context.Context, remoteBase *cmis.Folder, localFolder string) error {
	if !u.allowed(localFolder, KindFolder) {
		return nil
	}

	folder, err := u.createFolder(ctx, remoteBase, filepath.Base(localFolder))
	if err != nil {
		return err
	}

	if err := u.cache.AddFolder(localFolder, folder.LastModificationDate, folderMetadata(folder)); err != nil {
		return fmt.Errorf("recording folder %s: %w", localFolder, err)
	}

	files, err := u.tree.ListFiles(localFolder)
	if err != nil {
		return err
	}

	var errs []error

	for _, file := range files {
		if !u.allowed(file, KindFile) {
			continue
		}

		if err := u.UploadFile(ctx, file, folder); err != nil {
			u.logger.Warn("upload failed",
				slog.String("path", file),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}

	dirs, err := u.tree.ListDirs(localFolder)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}

	for _, dir := range dirs {
		if err := u.UploadFolderRecursively(ctx, folder, dir); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// createFolder creates name under parent. A folder that already exists
// (left by an interrupted upload) is reused.
func (u *Uploader) createFolder(ctx context.Context, parent *cmis.Folder, name string) (*cmis.Folder, error) {
	folder, err := u.session.CreateFolder(ctx, parent.ID, name)
	if err == nil {
		u.logger.Info("created remote folder", slog.String("remote", folder.Path))
		return folder, nil
	}

	if !errors.Is(err, cmis.ErrContentAlreadyExists) {
		return nil, fmt.Errorf("creating remote folder %s: %w", name, err)
	}

	obj, err := u.session.GetObjectByPath(ctx, remoteJoin(parent.Path, name))
	if err != nil {
		return nil, fmt.Errorf("getting existing remote folder %s: %w", name, err)
	}

	existing, ok := obj.(*cmis.Folder)
	if !ok {
		return nil, fmt.Errorf("creating remote folder %s: a document with that name exists", name)
	}

	u.logger.Debug("reusing existing remote folder", slog.String("remote", existing.Path))

	return existing, nil
}

// UploadFile uploads filePath into remoteFolder under a staging name and
// renames the document once the content is in place. A document already
// holding the real name gets its content replaced instead. When the local
// file disappears during the attempt the staging document is deleted and
// nil is returned. Any other failure is returned.
func (u *Uploader) UploadFile(ctx context.Context, filePath string, remoteFolder *cmis.Folder) error {
	u.activity.ActivityStarted()
	defer u.activity.ActivityStopped()

	name := filepath.Base(filePath)
	remote := remoteJoin(remoteFolder.Path, name)

	existing, found, err := u.lookupDocument(ctx, remoteFolder, name)
	if err != nil {
		return err
	}

	if found {
		u.logger.Info("document exists remotely, replacing its content",
			slog.String("path", filePath),
			slog.String("remote", remote),
		)

		return u.replaceDocument(ctx, filePath, remote, existing)
	}

	stagingName := name + stagingSuffix

	doc, found, err := u.lookupDocument(ctx, remoteFolder, stagingName)
	if err != nil {
		return err
	}

	if found {
		u.logger.Info("resuming upload into existing staging document",
			slog.String("remote", remoteJoin(remoteFolder.Path, stagingName)),
		)
	} else {
		doc, err = u.session.CreateDocument(ctx, remoteFolder.ID, stagingName, nil)
		if err != nil {
			return fmt.Errorf("creating staging document for %s: %w", filePath, err)
		}
	}

	// The content carries the real file name; only cmis:name is staged.
	size, err := u.sendContent(ctx, filePath, doc.ID, name)
	if err != nil {
		var vanished *sourceVanishedError
		if errors.As(err, &vanished) {
			u.logger.Info("local file vanished during upload, deleting staging document",
				slog.String("path", filePath),
				slog.String("document", doc.ID),
			)
			u.discardStaging(ctx, doc)

			return nil
		}

		return fmt.Errorf("uploading %s: %w", filePath, err)
	}

	id, err := u.session.UpdateProperties(ctx, doc.ID, map[string]string{cmis.PropName: name})
	if err != nil {
		u.logger.Warn("renaming staging document failed, deleting it",
			slog.String("remote", remote),
			slog.String("document", doc.ID),
			slog.String("error", err.Error()),
		)
		u.discardStaging(ctx, doc)

		return fmt.Errorf("renaming staging document for %s: %w", filePath, err)
	}

	return u.record(ctx, filePath, id, remote, size)
}

// replaceDocument overwrites the content of an existing remote document
// with filePath. A vanished source leaves the document untouched.
func (u *Uploader) replaceDocument(ctx context.Context, filePath, remote string, doc *cmis.Document) error {
	size, err := u.sendContent(ctx, filePath, doc.ID, filepath.Base(filePath))
	if err != nil {
		var vanished *sourceVanishedError
		if errors.As(err, &vanished) {
			u.logger.Info("local file vanished during upload, keeping remote document",
				slog.String("path", filePath),
				slog.String("document", doc.ID),
			)

			return nil
		}

		return fmt.Errorf("uploading %s: %w", filePath, err)
	}

	return u.record(ctx, filePath, doc.ID, remote, size)
}

// record re-fetches an uploaded document and stores its cache record.
func (u *Uploader) record(ctx context.Context, filePath, id, remote string, size int64) error {
	final, err := u.getDocument(ctx, id)
	if err != nil {
		return err
	}

	if err := u.cache.AddFile(filePath, final.LastModificationDate, documentMetadata(final)); err != nil {
		return fmt.Errorf("recording %s: %w", filePath, err)
	}

	u.logger.Info("uploaded",
		slog.String("path", filePath),
		slog.String("remote", remote),
		slog.String("size", humanize.Bytes(uint64(size))),
	)

	return nil
}

// UpdateFile replaces the whole content stream of doc with the content of
// filePath and records the resulting server timestamp.
func (u *Uploader) UpdateFile(ctx context.Context, filePath string, doc *cmis.Document) error {
	u.activity.ActivityStarted()
	defer u.activity.ActivityStopped()

	size, err := u.sendContent(ctx, filePath, doc.ID, doc.FileName())
	if err != nil {
		return fmt.Errorf("updating %s: %w", filePath, err)
	}

	final, err := u.getDocument(ctx, doc.ID)
	if err != nil {
		return err
	}

	if err := u.cache.SetFileServerSideModificationDate(filePath, final.LastModificationDate); err != nil {
		return fmt.Errorf("recording %s: %w", filePath, err)
	}

	u.logger.Info("updated remote document",
		slog.String("path", filePath),
		slog.String("size", humanize.Bytes(uint64(size))),
	)

	return nil
}

// UpdateFileInFolder updates the document in remoteFolder named after
// filePath. A missing document is logged, not an error: it will be
// uploaded as a new file later.
func (u *Uploader) UpdateFileInFolder(ctx context.Context, filePath string, remoteFolder *cmis.Folder) error {
	name := filepath.Base(filePath)

	for child, err := range u.session.Children(ctx, remoteFolder) {
		if err != nil {
			return fmt.Errorf("listing %s: %w", remoteFolder.Path, err)
		}

		if doc, ok := child.(*cmis.Document); ok && doc.Name == name {
			return u.UpdateFile(ctx, filePath, doc)
		}
	}

	u.logger.Info("remote document to update not found",
		slog.String("path", filePath),
		slog.String("remote", remoteJoin(remoteFolder.Path, name)),
	)

	return nil
}

// RemoveFolderLocally deletes a local folder recursively together with
// its cache subtree.
func (u *Uploader) RemoveFolderLocally(localPath string) error {
	if localPath == u.tree.Root() || !u.tree.Contains(localPath) {
		return fmt.Errorf("refusing to remove %s: not below the local root", localPath)
	}

	if err := u.tree.RemoveAll(localPath); err != nil {
		return err
	}

	if err := u.cache.RemoveFolder(localPath); err != nil {
		return fmt.Errorf("removing cache records under %s: %w", localPath, err)
	}

	u.logger.Info("removed local folder", slog.String("path", localPath))

	return nil
}

// lookupDocument looks for a document at folder/name. found is false when
// nothing exists there.
func (u *Uploader) lookupDocument(ctx context.Context, folder *cmis.Folder, name string) (*cmis.Document, bool, error) {
	obj, err := u.session.GetObjectByPath(ctx, remoteJoin(folder.Path, name))
	if cmis.IsNotFound(err) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("probing %s: %w", name, err)
	}

	doc, ok := obj.(*cmis.Document)
	if !ok {
		return nil, false, fmt.Errorf("probing %s: a folder occupies that name", name)
	}

	return doc, true, nil
}

// sendContent replaces the content of a remote document with the local
// file. Failures to read the local file are reported as
// *sourceVanishedError.
func (u *Uploader) sendContent(ctx context.Context, filePath, docID, fileName string) (int64, error) {
	f, err := u.tree.Open(filePath)
	if err != nil {
		return 0, &sourceVanishedError{err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, &sourceVanishedError{err: err}
	}

	mimeType := defaultMimeType
	if mt, err := mimetype.DetectReader(f); err == nil {
		mimeType = mt.String()
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, &sourceVanishedError{err: err}
	}

	src := &trackingReader{r: f}

	_, err = u.session.SetContentStream(ctx, docID, &cmis.ContentStream{
		FileName: fileName,
		MimeType: mimeType,
		Length:   info.Size(),
		Stream:   io.NopCloser(src),
	}, true)
	if err != nil {
		if readErr := src.Err(); readErr != nil || !u.tree.Exists(filePath) {
			return 0, &sourceVanishedError{err: errors.Join(readErr, err)}
		}

		return 0, err
	}

	return info.Size(), nil
}

// discardStaging deletes a staging document that will not be completed.
func (u *Uploader) discardStaging(ctx context.Context, doc *cmis.Document) {
	if err := u.session.DeleteAllVersions(ctx, doc.ID); err != nil && !cmis.IsNotFound(err) {
		u.logger.Warn("deleting staging document failed",
			slog.String("document", doc.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (u *Uploader) getDocument(ctx context.Context, id string) (*cmis.Document, error) {
	obj, err := u.session.GetObject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching document %s: %w", id, err)
	}

	doc, ok := obj.(*cmis.Document)
	if !ok {
		return nil, fmt.Errorf("fetching document %s: object is a folder", id)
	}

	return doc, nil
}

func (u *Uploader) allowed(p string, kind Kind) bool {
	return allowedPath(u.tree, u.logger, p, kind)
}

// sourceVanishedError means the local file could not be read during an
// upload.
type sourceVanishedError struct {
	err error
}

func (e *sourceVanishedError) Error() string { return "local source unreadable: " + e.err.Error() }
func (e *sourceVanishedError) Unwrap() error { return e.err }

// trackingReader records the first read error of the local source so a
// failed upload can be attributed to the local side.
type trackingReader struct {
	r io.Reader

	mu  sync.Mutex
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
	}

	return n, err
}

// Err returns the first non-EOF read error.
func (t *trackingReader) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

func remoteJoin(dir, name string) string {
	return path.Join("/", dir, name)
}
