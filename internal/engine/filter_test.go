package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name string
		path string
		kind Kind
		want bool
	}{
		{"ordinary document", "report.docx", KindFile, true},
		{"nested document", "projects/2024/report.docx", KindFile, true},
		{"ordinary folder", "projects/2024", KindFolder, true},

		{"thumbs db", "photos/Thumbs.db", KindFile, false},
		{"lowercase thumbs db", "photos/thumbs.db", KindFile, false},
		{"desktop ini", "Desktop.ini", KindFile, false},
		{"tilde backup", "notes.txt~", KindFile, false},
		{"office owner file", "~$report.docx", KindFile, false},
		{"tilde in folder", "old~/report.docx", KindFile, false},

		{"vim swap", "file.swp", KindFile, false},
		{"vim second swap", "file.swo", KindFile, false},
		{"vim rotated swap", "file.swx", KindFile, false},
		{"libreoffice lock", ".~lock.report.odt#", KindFile, false},
		{"partial download", "movie.mkv.part", KindFile, false},
		{"chrome download", "setup.exe.crdownload", KindFile, false},
		{"temp file", "upload.tmp", KindFile, false},
		{"mac metadata", ".DS_Store", KindFile, false},
		{"apple double", "._report.docx", KindFile, false},
		{"staging file", "report.docx.sync", KindFile, false},
		{"database file", "local.cmissync", KindFile, false},

		{"svn folder", "project/.svn", KindFolder, false},
		{"cvs folder", "project/CVS", KindFolder, false},
		{"mercurial folder", ".hg", KindFolder, false},
		{"bazaar folder", "src/.bzr", KindFolder, false},
		{"trash folder", ".Trashes", KindFolder, false},
		{"spotlight folder", ".Spotlight-V100", KindFolder, false},

		{"folder rules skip files", "CVS.txt", KindFile, true},
		{"swap-like name without extension", "swapfile", KindFile, true},
		{"backslash separators", `dir\Thumbs.db`, KindFile, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAllowed(tt.path, tt.kind))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "file", KindFile.String())
	assert.Equal(t, "folder", KindFolder.String())
}
