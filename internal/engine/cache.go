package engine

import (
	"strconv"
	"time"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	"github.com/alexjbarnes/cmis-sync/internal/state"
)

// Cache is the durable record of what was last synchronized. Paths are
// absolute local paths. *state.Cache implements it.
type Cache interface {
	ChangeLogToken() (string, bool, error)
	SetChangeLogToken(token string) error
	AddFolder(path string, serverModified time.Time, metadata map[string]string) error
	AddFile(path string, serverModified time.Time, metadata map[string]string) error
	RemoveFolder(path string) error
	SetFileServerSideModificationDate(path string, serverModified time.Time) error
	FindByID(id string) (*state.Record, error)
}

var _ Cache = (*state.Cache)(nil)

func documentMetadata(d *cmis.Document) map[string]string {
	return map[string]string{
		state.MetaID:                    d.ID,
		state.MetaVersionSeriesID:       d.VersionSeriesID,
		state.MetaVersionLabel:          d.VersionLabel,
		state.MetaCreationDate:          formatTime(d.CreationDate),
		state.MetaCreatedBy:             d.CreatedBy,
		state.MetaLastModifiedBy:        d.LastModifiedBy,
		state.MetaCheckinComment:        d.CheckinComment,
		state.MetaIsImmutable:           strconv.FormatBool(d.IsImmutable),
		state.MetaContentStreamMimeType: d.ContentStreamMimeType,
	}
}

func folderMetadata(f *cmis.Folder) map[string]string {
	return map[string]string{
		state.MetaID:           f.ID,
		state.MetaCreationDate: formatTime(f.CreationDate),
		state.MetaCreatedBy:    f.CreatedBy,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}
