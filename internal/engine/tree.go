package engine

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"
)

const (
	// treeDirPerm is the permission mode for directories created under
	// the local root.
	treeDirPerm = fs.FileMode(0o755)

	// treeFilePerm is the permission mode for files written under the
	// local root.
	treeFilePerm = fs.FileMode(0o644)
)

// mtimeMin and mtimeMax clamp server-provided modification times to a
// reasonable range before they are applied to local files.
var (
	mtimeMin = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	mtimeMax = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// LocalTree provides filesystem operations on the local root and maps
// remote paths under the remote root onto it. All paths taken and
// returned are absolute local paths.
type LocalTree struct {
	fs         afero.Fs
	root       string
	remoteRoot string
}

// NewLocalTree creates a LocalTree rooted at root, creating the directory
// if it does not exist. root must be absolute; remoteRoot is the remote
// folder path mirrored into it.
func NewLocalTree(fsys afero.Fs, root, remoteRoot string) (*LocalTree, error) {
	if root == "" {
		return nil, fmt.Errorf("local root must not be empty")
	}

	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("local root must be absolute: %q", root)
	}

	root = filepath.Clean(root)

	if err := fsys.MkdirAll(root, treeDirPerm); err != nil {
		return nil, fmt.Errorf("creating local root %s: %w", root, err)
	}

	return &LocalTree{fs: fsys, root: root, remoteRoot: path.Clean("/" + remoteRoot)}, nil
}

// Root returns the local root directory.
func (t *LocalTree) Root() string {
	return t.root
}

// RemoteRoot returns the remote folder path mirrored into the root.
func (t *LocalTree) RemoteRoot() string {
	return t.remoteRoot
}

// LocalPath maps a remote path to its local path. ok is false when the
// remote path is not under the remote root (on a path-segment boundary)
// or cannot be represented locally.
func (t *LocalTree) LocalPath(remotePath string) (string, bool) {
	remotePath = path.Clean("/" + remotePath)

	var rel string

	switch {
	case t.remoteRoot == "/":
		rel = strings.TrimPrefix(remotePath, "/")
	case remotePath == t.remoteRoot:
		rel = ""
	case strings.HasPrefix(remotePath, t.remoteRoot+"/"):
		rel = remotePath[len(t.remoteRoot)+1:]
	default:
		return "", false
	}

	if rel == "" {
		return t.root, true
	}

	segs := strings.Split(rel, "/")
	for i, seg := range segs {
		name, err := localName(seg)
		if err != nil {
			return "", false
		}

		segs[i] = name
	}

	return filepath.Join(append([]string{t.root}, segs...)...), true
}

// Child returns the local path of a remote entry named name inside dir.
func (t *LocalTree) Child(dir, name string) (string, error) {
	local, err := localName(name)
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, local), nil
}

// Rel returns p relative to the root using forward slashes. Paths outside
// the root yield an error.
func (t *LocalTree) Rel(p string) (string, error) {
	rel, err := filepath.Rel(t.root, p)
	if err != nil {
		return "", err
	}

	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%q is outside the local root", p)
	}

	return rel, nil
}

// Contains reports whether p is the root or lies below it.
func (t *LocalTree) Contains(p string) bool {
	_, err := t.Rel(p)
	return err == nil
}

// MkdirAll creates a directory and its parents. An existing directory is
// not an error.
func (t *LocalTree) MkdirAll(p string) error {
	if err := t.fs.MkdirAll(p, treeDirPerm); err != nil {
		return fmt.Errorf("creating directory %s: %w", p, err)
	}

	return nil
}

// Exists reports whether anything exists at p.
func (t *LocalTree) Exists(p string) bool {
	ok, err := afero.Exists(t.fs, p)
	return err == nil && ok
}

// IsDir reports whether p is an existing directory.
func (t *LocalTree) IsDir(p string) bool {
	ok, err := afero.IsDir(t.fs, p)
	return err == nil && ok
}

// Stat returns file info for p.
func (t *LocalTree) Stat(p string) (os.FileInfo, error) {
	return t.fs.Stat(p)
}

// Open opens p for reading.
func (t *LocalTree) Open(p string) (afero.File, error) {
	return t.fs.Open(p)
}

// OpenAppend opens p for appending, creating it if needed.
func (t *LocalTree) OpenAppend(p string) (afero.File, error) {
	return t.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, treeFilePerm)
}

// Rename moves oldPath to newPath, replacing any file at newPath.
func (t *LocalTree) Rename(oldPath, newPath string) error {
	return t.fs.Rename(oldPath, newPath)
}

// Remove removes a file or empty directory. A missing path is not an
// error.
func (t *LocalTree) Remove(p string) error {
	err := t.fs.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", p, err)
	}

	return nil
}

// RemoveAll removes p and everything below it.
func (t *LocalTree) RemoveAll(p string) error {
	if err := t.fs.RemoveAll(p); err != nil {
		return fmt.Errorf("removing directory %s: %w", p, err)
	}

	return nil
}

// Chtimes sets the modification time of p. Zero times are ignored.
func (t *LocalTree) Chtimes(p string, mtime time.Time) error {
	if mtime.IsZero() {
		return nil
	}

	mtime = clampMtime(mtime)
	if err := t.fs.Chtimes(p, mtime, mtime); err != nil {
		return fmt.Errorf("setting mtime for %s: %w", p, err)
	}

	return nil
}

// ListFiles returns the regular files directly inside dir, sorted.
func (t *LocalTree) ListFiles(dir string) ([]string, error) {
	return t.list(dir, false)
}

// ListDirs returns the directories directly inside dir, sorted.
func (t *LocalTree) ListDirs(dir string) ([]string, error) {
	return t.list(dir, true)
}

func (t *LocalTree) list(dir string, dirs bool) ([]string, error) {
	infos, err := afero.ReadDir(t.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var out []string

	for _, info := range infos {
		if info.IsDir() != dirs {
			continue
		}

		if !dirs && !info.Mode().IsRegular() {
			continue
		}

		out = append(out, filepath.Join(dir, info.Name()))
	}

	slices.Sort(out)

	return out, nil
}

// SuffixIfExists returns p when nothing exists there, otherwise the first
// of "p (1)", "p (2)", ... that does not exist.
func (t *LocalTree) SuffixIfExists(p string) string {
	if !t.Exists(p) {
		return p
	}

	for i := 1; ; i++ {
		candidate := p + " (" + strconv.Itoa(i) + ")"
		if !t.Exists(candidate) {
			return candidate
		}
	}
}

// localName validates a remote name for use as a single local path
// segment and applies Unicode NFC normalization.
func localName(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid name %q", name)
	}

	if strings.ContainsRune(name, 0) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("name contains a separator or null byte: %q", name)
	}

	return norm.NFC.String(name), nil
}

// clampMtime restricts a timestamp to the range [1980, 2100).
func clampMtime(t time.Time) time.Time {
	if t.Before(mtimeMin) {
		return mtimeMin
	}

	if t.After(mtimeMax) {
		return mtimeMax
	}

	return t
}
