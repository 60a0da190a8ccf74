package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	"github.com/alexjbarnes/cmis-sync/internal/cmis/cmistest"
	"github.com/alexjbarnes/cmis-sync/internal/state"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture wires the replicators to an in-memory repository, a real local
// directory, and a bbolt cache.
type fixture struct {
	repo  *cmistest.Repository
	tree  *LocalTree
	cache *state.Cache
	down  *Downloader
	up    *Uploader
}

func newFixture(t *testing.T, remoteRoot string) *fixture {
	t.Helper()

	repo := cmistest.New()
	repo.MkdirAll(remoteRoot)

	tree, err := NewLocalTree(afero.NewOsFs(), filepath.Join(t.TempDir(), "local"), remoteRoot)
	require.NoError(t, err)

	cache, err := state.Open(filepath.Join(t.TempDir(), "db", "state"+databaseSuffix))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	logger := discardLogger()

	return &fixture{
		repo:  repo,
		tree:  tree,
		cache: cache,
		down:  NewDownloader(repo, tree, cache, nil, logger),
		up:    NewUploader(repo, tree, cache, nil, logger),
	}
}

func (f *fixture) detector(changeLog bool) *ChangeDetector {
	return NewChangeDetector(f.repo, f.tree, f.cache, f.down, f.up, changeLog, discardLogger())
}

func (f *fixture) folder(t *testing.T, remotePath string) *cmis.Folder {
	t.Helper()

	obj, err := f.repo.GetObjectByPath(context.Background(), remotePath)
	require.NoError(t, err)

	folder, ok := obj.(*cmis.Folder)
	require.True(t, ok, "%s is not a folder", remotePath)

	return folder
}

func (f *fixture) document(t *testing.T, remotePath string) *cmis.Document {
	t.Helper()

	obj, err := f.repo.GetObjectByPath(context.Background(), remotePath)
	require.NoError(t, err)

	doc, ok := obj.(*cmis.Document)
	require.True(t, ok, "%s is not a document", remotePath)

	return doc
}

func (f *fixture) local(rel string) string {
	return filepath.Join(f.tree.Root(), filepath.FromSlash(rel))
}

func (f *fixture) writeLocal(t *testing.T, rel, content string) string {
	t.Helper()

	p := f.local(rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

	return p
}

func (f *fixture) readLocal(t *testing.T, rel string) string {
	t.Helper()

	data, err := os.ReadFile(f.local(rel))
	require.NoError(t, err)

	return string(data)
}

// snapshot returns every file and directory below the local root with
// file contents, keyed by slash-separated relative path.
func (f *fixture) snapshot(t *testing.T) map[string]string {
	t.Helper()

	out := map[string]string{}

	err := filepath.WalkDir(f.tree.Root(), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p == f.tree.Root() {
			return nil
		}

		rel, _ := filepath.Rel(f.tree.Root(), p)
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			out[rel+"/"] = ""
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}

		out[rel] = string(data)

		return nil
	})
	require.NoError(t, err)

	return out
}

func (f *fixture) records(t *testing.T) []state.Record {
	t.Helper()

	records, err := f.cache.All()
	require.NoError(t, err)

	return records
}

func (f *fixture) token(t *testing.T) (string, bool) {
	t.Helper()

	token, ok, err := f.cache.ChangeLogToken()
	require.NoError(t, err)

	return token, ok
}

// latestToken returns the repository's current change log token.
func (f *fixture) latestToken(t *testing.T) string {
	t.Helper()

	info, err := f.repo.RepositoryInfo(context.Background())
	require.NoError(t, err)

	return info.LatestChangeLogToken
}
