package cmis

import (
	"context"
	"iter"
)

// Session is the protocol surface the engine consumes. One Session is
// bound to one repository. Implementations are not required to be safe
// for concurrent use; the engine issues one request at a time.
type Session interface {
	// RepositoryInfo fetches fresh repository info, including the latest
	// change log token.
	RepositoryInfo(ctx context.Context) (RepositoryInfo, error)

	// ContentChanges returns up to maxItems change events after token, in
	// server order.
	ContentChanges(ctx context.Context, token string, includeProperties bool, maxItems int) (ChangeLog, error)

	GetObject(ctx context.Context, id string) (Object, error)
	GetObjectByPath(ctx context.Context, path string) (Object, error)

	// Children lazily lists a folder's children, fetching further pages
	// as the sequence is consumed. Iteration stops at the first error.
	// Child documents carry the path under folder.
	Children(ctx context.Context, folder *Folder) iter.Seq2[Object, error]

	CreateFolder(ctx context.Context, parentID, name string) (*Folder, error)
	CreateDocument(ctx context.Context, parentID, name string, content *ContentStream) (*Document, error)

	// ContentStream returns the document content starting at offset. A nil
	// stream with a nil error means the server returned no content.
	ContentStream(ctx context.Context, documentID string, offset, length int64) (*ContentStream, error)

	// SetContentStream replaces the whole content stream and returns the
	// id of the resulting object (which may be a new version).
	SetContentStream(ctx context.Context, documentID string, content *ContentStream, overwrite bool) (string, error)

	// UpdateProperties updates properties and returns the resulting id.
	UpdateProperties(ctx context.Context, objectID string, properties map[string]string) (string, error)

	DeleteAllVersions(ctx context.Context, documentID string) error
}

// Connector creates sessions. It is the session factory seam.
type Connector interface {
	Connect(ctx context.Context, params Parameters) (Session, error)
}

// ConnectorFunc adapts a function to a Connector.
type ConnectorFunc func(ctx context.Context, params Parameters) (Session, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, params Parameters) (Session, error) {
	return f(ctx, params)
}

// ChangeLogSupported reports whether the capability level allows
// incremental sync from the change log.
func (c Capabilities) ChangeLogSupported() bool {
	return c.Changes == ChangesAll || c.Changes == ChangesObjectIDsOnly
}
