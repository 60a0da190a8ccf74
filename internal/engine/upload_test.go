package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	"github.com/alexjbarnes/cmis-sync/internal/cmis/cmistest"
	"github.com/alexjbarnes/cmis-sync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vanishingSession deletes the local source while the content is being
// sent and then fails the request, as a dropped upload would.
type vanishingSession struct {
	cmis.Session
	path string
}

func (s *vanishingSession) SetContentStream(ctx context.Context, id string, content *cmis.ContentStream, overwrite bool) (string, error) {
	_, _ = io.CopyN(io.Discard, content.Stream, 2)
	_ = os.Remove(s.path)

	return "", &cmis.TransientError{Err: errors.New("connection reset")}
}

// conflictSession creates a document under the target name just before
// the staging document is renamed, as a concurrent writer would.
type conflictSession struct {
	cmis.Session
	repo *cmistest.Repository
	path string
}

func (s *conflictSession) UpdateProperties(ctx context.Context, id string, props map[string]string) (string, error) {
	s.repo.PutDocument(s.path, []byte("theirs"))
	return s.Session.UpdateProperties(ctx, id, props)
}

func contentOf(t *testing.T, f *fixture, remotePath string) string {
	t.Helper()

	data, ok := f.repo.Content(remotePath)
	require.True(t, ok, "no document at %s", remotePath)

	return string(data)
}

func TestUploadFolderRecursively_MirrorsNesting(t *testing.T) {
	f := newFixture(t, "/")
	ctx := context.Background()

	f.writeLocal(t, "proj/a.txt", "alpha")
	f.writeLocal(t, "proj/sub/b.txt", "beta")
	f.writeLocal(t, "proj/sub/deeper/c.txt", "gamma")
	f.writeLocal(t, "proj/Thumbs.db", "x")
	f.writeLocal(t, "proj/draft.swp", "x")
	f.writeLocal(t, "proj/.svn/entries", "x")

	require.NoError(t, f.up.UploadFolderRecursively(ctx, f.folder(t, "/"), f.local("proj")))

	assert.Equal(t, []string{
		"/proj",
		"/proj/a.txt",
		"/proj/sub",
		"/proj/sub/b.txt",
		"/proj/sub/deeper",
		"/proj/sub/deeper/c.txt",
	}, f.repo.Paths())

	assert.Equal(t, "alpha", contentOf(t, f, "/proj/a.txt"))
	assert.Equal(t, "beta", contentOf(t, f, "/proj/sub/b.txt"))
	assert.Equal(t, "gamma", contentOf(t, f, "/proj/sub/deeper/c.txt"))

	proj := f.folder(t, "/proj")

	rec, err := f.cache.Get(f.local("proj"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Folder)
	assert.True(t, rec.ServerModified.Equal(proj.LastModificationDate))
	assert.Equal(t, proj.ID, rec.Metadata[state.MetaID])

	doc := f.document(t, "/proj/sub/b.txt")

	rec, err = f.cache.Get(f.local("proj/sub/b.txt"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Folder)
	assert.True(t, rec.ServerModified.Equal(doc.LastModificationDate))
	assert.Equal(t, doc.ID, rec.Metadata[state.MetaID])
	assert.Equal(t, doc.VersionLabel, rec.Metadata[state.MetaVersionLabel])
}

func TestUploadFolderRecursively_ReusesExistingRemoteFolder(t *testing.T) {
	f := newFixture(t, "/")

	existing := f.repo.MkdirAll("/proj")
	f.writeLocal(t, "proj/a.txt", "alpha")

	require.NoError(t, f.up.UploadFolderRecursively(context.Background(), f.folder(t, "/"), f.local("proj")))

	assert.Equal(t, existing.ID, f.folder(t, "/proj").ID)
	assert.Equal(t, "alpha", contentOf(t, f, "/proj/a.txt"))
}

func TestUploadFolderRecursively_DocumentBlocksFolder(t *testing.T) {
	f := newFixture(t, "/")

	f.repo.PutDocument("/proj", []byte("not a folder"))
	f.writeLocal(t, "proj/a.txt", "alpha")

	err := f.up.UploadFolderRecursively(context.Background(), f.folder(t, "/"), f.local("proj"))
	assert.Error(t, err)
}

func TestUploadFile_StagesThenRenames(t *testing.T) {
	f := newFixture(t, "/")

	p := f.writeLocal(t, "hello.txt", "hello world\n")

	require.NoError(t, f.up.UploadFile(context.Background(), p, f.folder(t, "/")))

	assert.Equal(t, []string{"/hello.txt"}, f.repo.Paths())
	assert.Equal(t, "hello world\n", contentOf(t, f, "/hello.txt"))

	doc := f.document(t, "/hello.txt")
	assert.Equal(t, "text/plain; charset=utf-8", doc.ContentStreamMimeType)
	assert.Equal(t, "hello.txt", doc.ContentStreamFileName)

	rec, err := f.cache.Get(p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Metadata[state.MetaContentStreamMimeType])
}

func TestUploadFile_DownloadsBackUnderRealName(t *testing.T) {
	f := newFixture(t, "/")
	ctx := context.Background()

	p := f.writeLocal(t, "report.txt", "quarterly")
	require.NoError(t, f.up.UploadFile(ctx, p, f.folder(t, "/")))

	require.NoError(t, os.Remove(p))
	require.NoError(t, f.down.DownloadFile(ctx, f.document(t, "/report.txt"), f.tree.Root()))

	assert.Equal(t, map[string]string{"report.txt": "quarterly"}, f.snapshot(t))
}

func TestUploadFile_ReusesStagingDocument(t *testing.T) {
	f := newFixture(t, "/")

	staged := f.repo.PutDocument("/report.txt.sync", []byte("rep"))
	p := f.writeLocal(t, "report.txt", "report body")

	require.NoError(t, f.up.UploadFile(context.Background(), p, f.folder(t, "/")))

	assert.Equal(t, []string{"/report.txt"}, f.repo.Paths())
	assert.Equal(t, "report body", contentOf(t, f, "/report.txt"))

	doc := f.document(t, "/report.txt")
	assert.Equal(t, staged.ID, doc.ID)
	assert.Equal(t, "report.txt", doc.ContentStreamFileName)
}

func TestUploadFile_ExistingDocumentGetsNewContent(t *testing.T) {
	f := newFixture(t, "/")

	existing := f.repo.PutDocument("/a.txt", []byte("old"))
	p := f.writeLocal(t, "a.txt", "new")

	require.NoError(t, f.up.UploadFile(context.Background(), p, f.folder(t, "/")))

	assert.Equal(t, []string{"/a.txt"}, f.repo.Paths())
	assert.Equal(t, "new", contentOf(t, f, "/a.txt"))

	doc := f.document(t, "/a.txt")
	assert.Equal(t, existing.ID, doc.ID)
	assert.Equal(t, "2.0", doc.VersionLabel)

	rec, err := f.cache.Get(p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, existing.ID, rec.Metadata[state.MetaID])
	assert.True(t, rec.ServerModified.Equal(doc.LastModificationDate))
}

func TestUploadFile_RenameConflictDiscardsStaging(t *testing.T) {
	f := newFixture(t, "/")

	p := f.writeLocal(t, "a.txt", "mine")
	session := &conflictSession{Session: f.repo, repo: f.repo, path: "/a.txt"}
	up := NewUploader(session, f.tree, f.cache, nil, discardLogger())

	err := up.UploadFile(context.Background(), p, f.folder(t, "/"))
	require.ErrorIs(t, err, cmis.ErrContentAlreadyExists)

	// The other document survives and no staging document is left behind.
	assert.Equal(t, []string{"/a.txt"}, f.repo.Paths())
	assert.Equal(t, "theirs", contentOf(t, f, "/a.txt"))

	rec, err := f.cache.Get(p)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUploadFile_MissingSourceRollsBack(t *testing.T) {
	f := newFixture(t, "/")

	err := f.up.UploadFile(context.Background(), f.local("gone.txt"), f.folder(t, "/"))
	require.NoError(t, err)

	assert.Empty(t, f.repo.Paths())

	rec, err := f.cache.Get(f.local("gone.txt"))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUploadFile_SourceVanishesMidUpload(t *testing.T) {
	f := newFixture(t, "/")

	p := f.writeLocal(t, "big.bin", strings.Repeat("x", 64*1024))
	session := &vanishingSession{Session: f.repo, path: p}
	up := NewUploader(session, f.tree, f.cache, nil, discardLogger())

	require.NoError(t, up.UploadFile(context.Background(), p, f.folder(t, "/")))

	assert.Empty(t, f.repo.Paths())
}

func TestUploadFile_RemoteFailurePropagates(t *testing.T) {
	f := newFixture(t, "/")

	p := f.writeLocal(t, "a.txt", "alpha")
	f.repo.FailNext("SetContentStream", &cmis.TransientError{Err: errors.New("connection reset")})

	err := f.up.UploadFile(context.Background(), p, f.folder(t, "/"))
	require.Error(t, err)
	assert.True(t, cmis.IsTransient(err))

	// The staging document stays for the next attempt, and the real name
	// never appears.
	assert.Equal(t, []string{"/a.txt.sync"}, f.repo.Paths())

	require.NoError(t, f.up.UploadFile(context.Background(), p, f.folder(t, "/")))
	assert.Equal(t, []string{"/a.txt"}, f.repo.Paths())
	assert.Equal(t, "alpha", contentOf(t, f, "/a.txt"))
}

func TestUpdateFile_ReplacesWholeStream(t *testing.T) {
	f := newFixture(t, "/")
	ctx := context.Background()

	f.repo.PutDocument("/a.txt", []byte("first version"))
	require.NoError(t, f.down.DownloadFile(ctx, f.document(t, "/a.txt"), f.tree.Root()))

	p := f.writeLocal(t, "a.txt", "second")

	require.NoError(t, f.up.UpdateFile(ctx, p, f.document(t, "/a.txt")))

	doc := f.document(t, "/a.txt")
	assert.Equal(t, "second", contentOf(t, f, "/a.txt"))
	assert.Equal(t, "2.0", doc.VersionLabel)

	rec, err := f.cache.Get(p)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.ServerModified.Equal(doc.LastModificationDate))
}

func TestUpdateFileInFolder(t *testing.T) {
	f := newFixture(t, "/")
	ctx := context.Background()

	f.repo.PutDocument("/docs/a.txt", []byte("old"))
	docs := f.folder(t, "/docs")

	p := f.writeLocal(t, "docs/a.txt", "new")
	require.NoError(t, f.up.UpdateFileInFolder(ctx, p, docs))
	assert.Equal(t, "new", contentOf(t, f, "/docs/a.txt"))

	// A document missing remotely is left for a later upload.
	missing := f.writeLocal(t, "docs/b.txt", "b")
	require.NoError(t, f.up.UpdateFileInFolder(ctx, missing, docs))
	assert.False(t, f.repo.Exists("/docs/b.txt"))
}

func TestRemoveFolderLocally(t *testing.T) {
	f := newFixture(t, "/")
	ctx := context.Background()

	f.repo.PutDocument("/gone/a.txt", []byte("a"))
	f.repo.PutDocument("/gone/sub/b.txt", []byte("b"))
	f.repo.PutDocument("/kept/c.txt", []byte("c"))
	f.repo.PutDocument("/gone.txt", []byte("sibling with a shared prefix"))

	require.NoError(t, f.down.RecursiveFolderCopy(ctx, f.folder(t, "/"), f.tree.Root()))

	require.NoError(t, f.up.RemoveFolderLocally(f.local("gone")))

	assert.NoDirExists(t, f.local("gone"))
	assert.FileExists(t, f.local("kept/c.txt"))
	assert.FileExists(t, f.local("gone.txt"))

	var paths []string
	for _, r := range f.records(t) {
		paths = append(paths, r.Path)
	}

	assert.ElementsMatch(t, []string{f.local("gone.txt"), f.local("kept"), f.local("kept/c.txt")}, paths)
}

func TestRemoveFolderLocally_RefusesRoot(t *testing.T) {
	f := newFixture(t, "/")

	assert.Error(t, f.up.RemoveFolderLocally(f.tree.Root()))
	assert.Error(t, f.up.RemoveFolderLocally("/definitely/elsewhere"))
	assert.DirExists(t, f.tree.Root())
}

func TestTrackingReader_RecordsReadError(t *testing.T) {
	boom := errors.New("disk gone")
	r := &trackingReader{r: io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(boom))}

	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, r.Err(), boom)

	clean := &trackingReader{r: strings.NewReader("abc")}
	_, err = io.ReadAll(clean)
	require.NoError(t, err)
	assert.NoError(t, clean.Err())
}
