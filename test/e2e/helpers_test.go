package e2e_test

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	"github.com/alexjbarnes/cmis-sync/internal/cmis/cmistest"
	"github.com/alexjbarnes/cmis-sync/internal/engine"
	"github.com/alexjbarnes/cmis-sync/internal/state"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "testuser"
	testPassword = "testpass"
	remoteRoot   = "/Sites/docs"
)

// harness holds the full e2e stack: an in-memory repository served over
// the Browser Binding by an httptest server, and an engine talking to it
// through the real HTTP connector.
type harness struct {
	Repo     *cmistest.Repository
	URL      string
	Local    string
	Cache    *state.Cache
	Sessions *engine.SessionManager
	Engine   *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	repo := cmistest.New()
	repo.MkdirAll(remoteRoot)

	srv := httptest.NewServer(cmistest.NewBinding(cmistest.BindingConfig{
		Repository: repo,
		User:       testUser,
		Password:   testPassword,
	}))
	t.Cleanup(srv.Close)

	local := filepath.Join(t.TempDir(), "local")

	tree, err := engine.NewLocalTree(afero.NewOsFs(), local, remoteRoot)
	require.NoError(t, err)

	cache, err := state.Open(filepath.Join(t.TempDir(), "state.cmissync"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sessions := engine.NewSessionManager(cmis.NewBrowserConnector(), params(srv.URL, testPassword), clockwork.NewRealClock(), logger)

	_, err = sessions.Connect(t.Context())
	require.NoError(t, err)

	return &harness{
		Repo:     repo,
		URL:      srv.URL,
		Local:    local,
		Cache:    cache,
		Sessions: sessions,
		Engine:   engine.New(sessions, cache, tree, engine.Options{}, logger),
	}
}

func params(serverURL, password string) cmis.Parameters {
	return cmis.Parameters{
		URL:          serverURL + "/browser",
		User:         testUser,
		Password:     password,
		RepositoryID: "test-repo",
	}
}

func (h *harness) path(rel string) string {
	return filepath.Join(h.Local, filepath.FromSlash(rel))
}

func (h *harness) write(t *testing.T, rel, content string) string {
	t.Helper()

	p := h.path(rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))

	return p
}

func (h *harness) read(t *testing.T, rel string) string {
	t.Helper()

	data, err := os.ReadFile(h.path(rel))
	require.NoError(t, err)

	return string(data)
}

func (h *harness) token(t *testing.T) string {
	t.Helper()

	tok, ok, err := h.Cache.ChangeLogToken()
	require.NoError(t, err)
	require.True(t, ok, "no change log token stored")

	return tok
}
