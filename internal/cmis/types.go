package cmis

import (
	"io"
	"time"
)

// Property ids used by the engine and the Browser Binding.
const (
	PropObjectID              = "cmis:objectId"
	PropObjectTypeID          = "cmis:objectTypeId"
	PropBaseTypeID            = "cmis:baseTypeId"
	PropName                  = "cmis:name"
	PropPath                  = "cmis:path"
	PropParentID              = "cmis:parentId"
	PropCreatedBy             = "cmis:createdBy"
	PropCreationDate          = "cmis:creationDate"
	PropLastModifiedBy        = "cmis:lastModifiedBy"
	PropLastModificationDate  = "cmis:lastModificationDate"
	PropVersionSeriesID       = "cmis:versionSeriesId"
	PropVersionLabel          = "cmis:versionLabel"
	PropIsImmutable           = "cmis:isImmutable"
	PropCheckinComment        = "cmis:checkinComment"
	PropContentStreamLength   = "cmis:contentStreamLength"
	PropContentStreamMimeType = "cmis:contentStreamMimeType"
	PropContentStreamFileName = "cmis:contentStreamFileName"
)

// Base type ids.
const (
	TypeFolder   = "cmis:folder"
	TypeDocument = "cmis:document"
)

// Object is a remote repository object. It is either a *Folder or a
// *Document; callers dispatch with a single type switch.
type Object interface {
	ObjectID() string
	ObjectName() string
	isObject()
}

// Folder is a remote folder. Path is absolute in the remote namespace.
type Folder struct {
	ID                   string
	Name                 string
	Path                 string
	ParentID             string
	CreatedBy            string
	CreationDate         time.Time
	LastModificationDate time.Time
}

func (f *Folder) ObjectID() string   { return f.ID }
func (f *Folder) ObjectName() string { return f.Name }
func (*Folder) isObject()            {}

// Document is a remote document. A document may be filed in several
// folders, so it carries every remote path it is reachable under.
type Document struct {
	ID                    string
	Name                  string
	Paths                 []string
	VersionSeriesID       string
	VersionLabel          string
	ContentStreamFileName string
	ContentStreamLength   int64
	ContentStreamMimeType string
	CreatedBy             string
	CreationDate          time.Time
	LastModifiedBy        string
	LastModificationDate  time.Time
	IsImmutable           bool
	CheckinComment        string
}

func (d *Document) ObjectID() string   { return d.ID }
func (d *Document) ObjectName() string { return d.Name }
func (*Document) isObject()            {}

// FileName returns the content stream file name, falling back to the
// object name for repositories that leave it unset.
func (d *Document) FileName() string {
	if d.ContentStreamFileName != "" {
		return d.ContentStreamFileName
	}

	return d.Name
}

// ContentStream is a document's content. Stream must be closed by the
// receiver. Length is -1 when the server did not report it.
type ContentStream struct {
	FileName string
	MimeType string
	Length   int64
	Stream   io.ReadCloser
}

// ChangeType is the kind of a change log entry.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeDeleted  ChangeType = "deleted"
	ChangeSecurity ChangeType = "security"
)

// ChangeEvent is one entry of the repository change log.
type ChangeEvent struct {
	Type       ChangeType
	ObjectID   string
	ChangeTime time.Time
	Properties map[string]any
}

// ChangeLog is one page of change events. NextToken is only meaningful
// when HasMoreItems is set.
type ChangeLog struct {
	Events       []ChangeEvent
	HasMoreItems bool
	NextToken    string
}

// CapabilityChanges is the repository's change log support level.
type CapabilityChanges string

const (
	ChangesNone          CapabilityChanges = "none"
	ChangesObjectIDsOnly CapabilityChanges = "objectidsonly"
	ChangesProperties    CapabilityChanges = "properties"
	ChangesAll           CapabilityChanges = "all"
)

// Capabilities holds the repository capabilities the engine cares about.
type Capabilities struct {
	Changes CapabilityChanges
}

// RepositoryInfo describes the bound repository.
type RepositoryInfo struct {
	ID                   string
	Name                 string
	ProductName          string
	ProductVersion       string
	RootFolderID         string
	LatestChangeLogToken string
	Capabilities         Capabilities
}

// Parameters are the session parameters handed to a Connector.
type Parameters struct {
	URL          string
	User         string
	Password     string
	RepositoryID string
}
