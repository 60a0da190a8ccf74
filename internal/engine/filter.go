package engine

import (
	"path"
	"strings"
)

// Kind says whether a path names a file or a folder.
type Kind int

const (
	KindFile Kind = iota
	KindFolder
)

func (k Kind) String() string {
	if k == KindFolder {
		return "folder"
	}

	return "file"
}

// stagingSuffix marks in-progress downloads and uploads.
const stagingSuffix = ".sync"

// databaseSuffix is the extension of the cache database file.
const databaseSuffix = ".cmissync"

// excludedContents are excluded wherever they appear, for every kind.
var excludedContents = []string{
	"~", // gedit and emacs backups
	"Thumbs.db", "Desktop.ini", "desktop.ini", "thumbs.db",
	"$~",
}

// excludedFileFragments are excluded when they appear in a file name.
var excludedFileFragments = []string{
	".autosave",
	".~lock",
	".part", ".crdownload",
	".un~", ".swp", ".swo",
	".directory",
	".DS_Store", ".Icon\r\r", "._", ".Spotlight-V100", ".Trashes",
	".(Autosaved).graffle",
	".tmp", ".TMP",
	".~ppt", ".~PPT", ".~pptx", ".~PPTX",
	".~xls", ".~XLS", ".~xlsx", ".~XLSX",
	".~doc", ".~DOC", ".~docx", ".~DOCX",
	".cvsignore", ".~cvsignore",
	stagingSuffix,
	databaseSuffix,
}

// excludedFolderFragments are excluded when they appear in a folder path.
var excludedFolderFragments = []string{
	"CVS", ".svn", ".hg", ".bzr",
	".DS_Store", ".Icon\r\r", "._", ".Spotlight-V100", ".Trashes",
}

// IsAllowed reports whether relPath (relative to the sync root) may be
// synchronized. The checks are plain substring tests and deliberately
// over-exclude.
func IsAllowed(relPath string, kind Kind) bool {
	relPath = strings.ReplaceAll(relPath, "\\", "/")

	for _, s := range excludedContents {
		if strings.Contains(relPath, s) {
			return false
		}
	}

	if kind == KindFolder {
		for _, s := range excludedFolderFragments {
			if strings.Contains(relPath, s) {
				return false
			}
		}

		return true
	}

	name := path.Base(relPath)

	for _, s := range excludedFileFragments {
		if strings.Contains(name, s) {
			return false
		}
	}

	return !isVimSwap(name)
}

// isVimSwap matches vim's rotating swap extensions .swa through .swz.
func isVimSwap(name string) bool {
	ext := path.Ext(name)
	return len(ext) == 4 && strings.HasPrefix(ext, ".sw") && ext[3] >= 'a' && ext[3] <= 'z'
}
