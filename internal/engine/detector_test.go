package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	syncerr "github.com/alexjbarnes/cmis-sync/internal/errors"
	"github.com/alexjbarnes/cmis-sync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagingSession serves the change log in small pages and can fail the
// download of one document.
type pagingSession struct {
	cmis.Session

	pageSize    int
	dropToken   bool
	failContent string

	mu     sync.Mutex
	tokens []string
}

func (s *pagingSession) ContentChanges(ctx context.Context, token string, includeProperties bool, _ int) (cmis.ChangeLog, error) {
	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	s.mu.Unlock()

	page, err := s.Session.ContentChanges(ctx, token, includeProperties, s.pageSize)
	if s.dropToken {
		page.NextToken = ""
	}

	return page, err
}

func (s *pagingSession) ContentStream(ctx context.Context, id string, offset, length int64) (*cmis.ContentStream, error) {
	if id == s.failContent {
		return nil, &cmis.TransientError{Err: errors.New("connection reset")}
	}

	return s.Session.ContentStream(ctx, id, offset, length)
}

func (s *pagingSession) requestedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.tokens...)
}

func bootstrap(t *testing.T, f *fixture) {
	t.Helper()

	require.NoError(t, f.detector(true).Sync(context.Background(), f.folder(t, f.tree.RemoteRoot())))

	token, ok := f.token(t)
	require.True(t, ok)
	require.Equal(t, f.latestToken(t), token)
}

func TestSync_BootstrapCopiesAndStoresToken(t *testing.T) {
	f := newFixture(t, "/")

	f.repo.PutDocument("/a.txt", []byte("alpha"))
	f.repo.PutDocument("/sub/b.txt", []byte("beta"))

	_, ok := f.token(t)
	require.False(t, ok)

	bootstrap(t, f)

	assert.Equal(t, map[string]string{
		"a.txt":     "alpha",
		"sub/":      "",
		"sub/b.txt": "beta",
	}, f.snapshot(t))
}

func TestSync_BootstrapFailureKeepsTokenAbsent(t *testing.T) {
	f := newFixture(t, "/")

	f.repo.PutDocument("/a.txt", []byte("alpha"))
	f.repo.FailNext("ContentStream", &cmis.TransientError{Err: errors.New("connection reset")})

	err := f.detector(true).Sync(context.Background(), f.folder(t, "/"))
	require.Error(t, err)

	_, ok := f.token(t)
	assert.False(t, ok)

	bootstrap(t, f)
	assert.Equal(t, "alpha", f.readLocal(t, "a.txt"))
}

func TestSync_WithoutChangeLogCrawlsEveryCycle(t *testing.T) {
	f := newFixture(t, "/")
	f.repo.SetChangeLogCapability(cmis.ChangesNone)
	det := f.detector(false)
	ctx := context.Background()

	f.repo.PutDocument("/a.txt", []byte("alpha"))
	require.NoError(t, det.Sync(ctx, f.folder(t, "/")))

	f.repo.PutDocument("/b.txt", []byte("beta"))
	require.NoError(t, det.Sync(ctx, f.folder(t, "/")))

	assert.Equal(t, map[string]string{"a.txt": "alpha", "b.txt": "beta"}, f.snapshot(t))

	_, ok := f.token(t)
	assert.False(t, ok)
}

func TestSync_NoChangesIsNoop(t *testing.T) {
	f := newFixture(t, "/")
	f.repo.PutDocument("/a.txt", []byte("alpha"))
	bootstrap(t, f)

	// The change log must not be consulted.
	f.repo.FailNext("ContentChanges", errors.New("unexpected change log request"))

	require.NoError(t, f.detector(true).Sync(context.Background(), f.folder(t, "/")))
}

func TestSync_ReplaysChanges(t *testing.T) {
	f := newFixture(t, "/")
	f.repo.PutDocument("/a.txt", []byte("alpha"))
	f.repo.PutDocument("/docs/b.txt", []byte("beta"))
	bootstrap(t, f)

	f.repo.PutDocument("/a.txt", []byte("alpha v2"))
	f.repo.PutDocument("/docs/c.txt", []byte("gamma"))
	f.repo.PutDocument("/newdir/deep/d.txt", []byte("delta"))

	require.NoError(t, f.detector(true).Sync(context.Background(), f.folder(t, "/")))

	assert.Equal(t, map[string]string{
		"a.txt":             "alpha v2",
		"docs/":             "",
		"docs/b.txt":        "beta",
		"docs/c.txt":        "gamma",
		"newdir/":           "",
		"newdir/deep/":      "",
		"newdir/deep/d.txt": "delta",
	}, f.snapshot(t))

	token, _ := f.token(t)
	assert.Equal(t, f.latestToken(t), token)

	rec, err := f.cache.Get(f.local("newdir/deep"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Folder)
}

func TestSync_UpdateThenDeleteLeavesFolderRemoved(t *testing.T) {
	f := newFixture(t, "/")
	ctx := context.Background()

	a := f.repo.MkdirAll("/A")
	f.repo.PutDocument("/A/inside.txt", []byte("inside"))
	f.repo.PutDocument("/keep.txt", []byte("keep"))
	bootstrap(t, f)
	require.DirExists(t, f.local("A"))

	_, err := f.repo.UpdateProperties(ctx, a.ID, map[string]string{})
	require.NoError(t, err)
	f.repo.Remove("/A")

	require.NoError(t, f.detector(true).Sync(ctx, f.folder(t, "/")))

	assert.Equal(t, map[string]string{"keep.txt": "keep"}, f.snapshot(t))

	for _, r := range f.records(t) {
		assert.NotContains(t, r.Path, f.local("A"))
	}
}

func TestSync_DeletedFolderStillListedIsRemoved(t *testing.T) {
	f := newFixture(t, "/")

	f.repo.PutDocument("/A/inside.txt", []byte("inside"))
	bootstrap(t, f)

	a := f.folder(t, "/A")
	session := &eventSession{
		Session: f.repo,
		events:  []cmis.ChangeEvent{{Type: cmis.ChangeDeleted, ObjectID: a.ID}},
	}

	det := NewChangeDetector(session, f.tree, f.cache, f.down, f.up, true, discardLogger())
	require.NoError(t, det.Sync(context.Background(), f.folder(t, "/")))

	assert.NoDirExists(t, f.local("A"))
}

func TestSync_DocumentChangeRecordsCreatedParents(t *testing.T) {
	f := newFixture(t, "/")
	bootstrap(t, f)

	f.repo.PutDocument("/a/b/c.txt", []byte("gamma"))
	doc := f.document(t, "/a/b/c.txt")

	// Only the document's event, so the folders are created on its behalf.
	session := &eventSession{
		Session: f.repo,
		events:  []cmis.ChangeEvent{{Type: cmis.ChangeCreated, ObjectID: doc.ID}},
	}

	det := NewChangeDetector(session, f.tree, f.cache, f.down, f.up, true, discardLogger())
	require.NoError(t, det.Sync(context.Background(), f.folder(t, "/")))

	assert.Equal(t, "gamma", f.readLocal(t, "a/b/c.txt"))

	for _, rel := range []string{"a", "a/b"} {
		folder := f.folder(t, "/"+rel)

		rec, err := f.cache.Get(f.local(rel))
		require.NoError(t, err)
		require.NotNil(t, rec, "no record for %s", rel)
		assert.True(t, rec.Folder)
		assert.Equal(t, folder.ID, rec.Metadata[state.MetaID])
		assert.True(t, rec.ServerModified.Equal(folder.LastModificationDate))
	}
}

func TestSync_DeletedDocumentKeepsLocalFile(t *testing.T) {
	f := newFixture(t, "/")

	f.repo.PutDocument("/a.txt", []byte("alpha"))
	bootstrap(t, f)

	f.repo.Remove("/a.txt")

	require.NoError(t, f.detector(true).Sync(context.Background(), f.folder(t, "/")))

	assert.Equal(t, "alpha", f.readLocal(t, "a.txt"))

	token, _ := f.token(t)
	assert.Equal(t, f.latestToken(t), token)
}

func TestSync_FailedReplayKeepsToken(t *testing.T) {
	f := newFixture(t, "/")
	ctx := context.Background()

	f.repo.PutDocument("/a.txt", []byte("alpha"))
	bootstrap(t, f)
	before, _ := f.token(t)

	f.repo.PutDocument("/b.txt", []byte("beta"))
	f.repo.PutDocument("/c.txt", []byte("gamma"))
	f.repo.FailNext("ContentStream", &cmis.TransientError{Err: errors.New("connection reset")})

	err := f.detector(true).Sync(ctx, f.folder(t, "/"))
	require.Error(t, err)

	token, _ := f.token(t)
	assert.Equal(t, before, token)
	assert.NoFileExists(t, f.local("b.txt"))
	assert.Equal(t, "gamma", f.readLocal(t, "c.txt"))

	// Replaying the same page again is harmless and completes it.
	require.NoError(t, f.detector(true).Sync(ctx, f.folder(t, "/")))

	token, _ = f.token(t)
	assert.Equal(t, f.latestToken(t), token)
	assert.Equal(t, "beta", f.readLocal(t, "b.txt"))
	assert.Equal(t, "gamma", f.readLocal(t, "c.txt"))
}

func TestSync_NullContentDoesNotHoldToken(t *testing.T) {
	f := newFixture(t, "/")

	bootstrap(t, f)

	f.repo.PutDocument("/empty.bin", []byte("x"))
	f.repo.SetNullContent("/empty.bin")
	f.repo.PutDocument("/ok.txt", []byte("ok"))

	err := f.detector(true).Sync(context.Background(), f.folder(t, "/"))
	require.ErrorIs(t, err, syncerr.ErrNullContentStream)

	token, _ := f.token(t)
	assert.Equal(t, f.latestToken(t), token)
	assert.Equal(t, map[string]string{"ok.txt": "ok"}, f.snapshot(t))
}

func TestSync_IgnoresChangesOutsideRemoteRoot(t *testing.T) {
	f := newFixture(t, "/Sites/docs")

	f.repo.PutDocument("/Sites/docs/a.txt", []byte("alpha"))
	bootstrap(t, f)
	before := f.snapshot(t)

	f.repo.PutDocument("/Sites/other/x.txt", []byte("outside"))
	f.repo.PutDocument("/Sites/docsarchive/y.txt", []byte("prefix but not inside"))
	f.repo.MkdirAll("/elsewhere/dir")
	f.repo.Remove("/Sites/other")

	require.NoError(t, f.detector(true).Sync(context.Background(), f.folder(t, "/Sites/docs")))

	assert.Equal(t, before, f.snapshot(t))

	token, _ := f.token(t)
	assert.Equal(t, f.latestToken(t), token)
}

func TestSync_ReplaysInPagesAndStoresEachToken(t *testing.T) {
	f := newFixture(t, "/")
	bootstrap(t, f)
	start, _ := f.token(t)

	for i := range 5 {
		f.repo.PutDocument(fmt.Sprintf("/doc%d.txt", i), []byte(strconv.Itoa(i)))
	}

	session := &pagingSession{Session: f.repo, pageSize: 2}
	det := NewChangeDetector(session, f.tree, f.cache, f.down, f.up, true, discardLogger())

	require.NoError(t, det.Sync(context.Background(), f.folder(t, "/")))

	n, err := strconv.Atoi(start)
	require.NoError(t, err)
	assert.Equal(t, []string{start, strconv.Itoa(n + 2), strconv.Itoa(n + 4)}, session.requestedTokens())

	token, _ := f.token(t)
	assert.Equal(t, f.latestToken(t), token)
	assert.Len(t, f.snapshot(t), 5)
}

func TestSync_PageFailureKeepsEarlierPages(t *testing.T) {
	f := newFixture(t, "/")
	bootstrap(t, f)
	start, _ := f.token(t)

	var third *cmis.Document
	for i := range 4 {
		doc := f.repo.PutDocument(fmt.Sprintf("/doc%d.txt", i), []byte(strconv.Itoa(i)))
		if i == 2 {
			third = doc
		}
	}

	session := &pagingSession{Session: f.repo, pageSize: 2, failContent: third.ID}
	det := NewChangeDetector(session, f.tree, f.cache, f.down, f.up, true, discardLogger())

	require.Error(t, det.Sync(context.Background(), f.folder(t, "/")))

	n, err := strconv.Atoi(start)
	require.NoError(t, err)

	token, _ := f.token(t)
	assert.Equal(t, strconv.Itoa(n+2), token)
}

func TestSync_MissingContinuationTokenFallsBackToCopy(t *testing.T) {
	f := newFixture(t, "/")
	bootstrap(t, f)

	for i := range 3 {
		f.repo.PutDocument(fmt.Sprintf("/doc%d.txt", i), []byte(strconv.Itoa(i)))
	}

	session := &pagingSession{Session: f.repo, pageSize: 1, dropToken: true}
	det := NewChangeDetector(session, f.tree, f.cache, f.down, f.up, true, discardLogger())

	require.NoError(t, det.Sync(context.Background(), f.folder(t, "/")))

	assert.Len(t, session.requestedTokens(), 1)
	assert.Len(t, f.snapshot(t), 3)

	token, _ := f.token(t)
	assert.Equal(t, f.latestToken(t), token)
}

func TestSync_SecurityEventsHaveNoEffect(t *testing.T) {
	f := newFixture(t, "/")

	f.repo.PutDocument("/a.txt", []byte("alpha"))
	bootstrap(t, f)
	before := f.snapshot(t)

	doc := f.document(t, "/a.txt")
	session := &eventSession{
		Session: f.repo,
		events:  []cmis.ChangeEvent{{Type: cmis.ChangeSecurity, ObjectID: doc.ID}},
	}

	det := NewChangeDetector(session, f.tree, f.cache, f.down, f.up, true, discardLogger())
	require.NoError(t, det.Sync(context.Background(), f.folder(t, "/")))

	assert.Equal(t, before, f.snapshot(t))
	assert.Len(t, offsetsFor(f.repo, doc.ID), 1)
}

func TestBlockingErr(t *testing.T) {
	other := errors.New("disk full")
	null := fmt.Errorf("downloading x: %w", syncerr.ErrNullContentStream)

	assert.NoError(t, blockingErr(nil))
	assert.NoError(t, blockingErr(null))
	assert.NoError(t, blockingErr(errors.Join(null, errors.Join(null))))
	assert.ErrorIs(t, blockingErr(other), other)
	assert.ErrorIs(t, blockingErr(errors.Join(null, errors.Join(other))), other)
	assert.NotErrorIs(t, blockingErr(errors.Join(null, other)), syncerr.ErrNullContentStream)
}

// eventSession serves a fixed change log page ending at a distinct token.
type eventSession struct {
	cmis.Session
	events []cmis.ChangeEvent
}

func (s *eventSession) RepositoryInfo(ctx context.Context) (cmis.RepositoryInfo, error) {
	info, err := s.Session.RepositoryInfo(ctx)
	info.LatestChangeLogToken = "injected"

	return info, err
}

func (s *eventSession) ContentChanges(context.Context, string, bool, int) (cmis.ChangeLog, error) {
	return cmis.ChangeLog{Events: s.events}, nil
}
