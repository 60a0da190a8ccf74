// Package cmistest provides an in-memory CMIS repository implementing
// cmis.Session and cmis.Connector, with hooks for injecting faults.
package cmistest

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"iter"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
)

const rootID = "root"

type node struct {
	id            string
	name          string
	parentID      string
	folder        bool
	content       []byte
	nullContent   bool
	mimeType      string
	versionSeries string
	version       int
	created       time.Time
	modified      time.Time

	// contentFileName is the file name sent with the content stream.
	// Renames leave it untouched.
	contentFileName string
}

// ContentRequest records one ContentStream call.
type ContentRequest struct {
	DocumentID string
	Offset     int64
}

// Repository is an in-memory repository. All methods are safe for
// concurrent use.
type Repository struct {
	mu sync.Mutex

	id       string
	changes  cmis.CapabilityChanges
	nodes    map[string]*node
	log      []cmis.ChangeEvent
	seq      int
	now      time.Time
	user     string
	failures map[string][]error

	// streamLimit caps the bytes served per ContentStream call for a
	// document, simulating a dropped connection.
	streamLimit map[string]int64

	connectFailures int
	connects        int
	contentRequests []ContentRequest
}

// New returns an empty repository whose root folder is "/".
func New() *Repository {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	r := &Repository{
		id:          "test-repo",
		changes:     cmis.ChangesAll,
		nodes:       map[string]*node{},
		now:         now,
		user:        "tester",
		failures:    map[string][]error{},
		streamLimit: map[string]int64{},
	}
	r.nodes[rootID] = &node{id: rootID, folder: true, created: now, modified: now}

	return r
}

// SetChangeLogCapability sets the reported change log capability.
func (r *Repository) SetChangeLogCapability(c cmis.CapabilityChanges) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.changes = c
}

// FailConnect makes the next n Connect calls fail with a transient error.
func (r *Repository) FailConnect(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connectFailures = n
}

// Connects returns the number of Connect calls made so far.
func (r *Repository) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connects
}

// FailNext queues err to be returned by the next call of the named
// Session method (for example "CreateFolder").
func (r *Repository) FailNext(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures[method] = append(r.failures[method], err)
}

// LimitStream makes ContentStream for the document at remotePath serve at
// most n bytes per call before reporting EOF.
func (r *Repository) LimitStream(remotePath string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if nd := r.lookupLocked(remotePath); nd != nil {
		r.streamLimit[nd.id] = n
	}
}

// SetNullContent makes the document at remotePath report no content
// stream.
func (r *Repository) SetNullContent(remotePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if nd := r.lookupLocked(remotePath); nd != nil {
		nd.nullContent = true
	}
}

// ContentRequests returns every ContentStream call made so far.
func (r *Repository) ContentRequests() []ContentRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.contentRequests)
}

// MkdirAll creates every folder along remotePath and returns the last.
func (r *Repository) MkdirAll(remotePath string) *cmis.Folder {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent := r.nodes[rootID]

	for _, seg := range splitPath(remotePath) {
		child := r.childLocked(parent.id, seg)
		if child == nil {
			child = r.addLocked(parent.id, seg, true, nil)
		}

		parent = child
	}

	return r.folderLocked(parent)
}

// PutDocument creates or replaces the document at remotePath, creating
// parent folders as needed.
func (r *Repository) PutDocument(remotePath string, content []byte) *cmis.Document {
	dir, name := path.Split(path.Clean("/" + remotePath))
	parent := r.MkdirAll(dir)

	r.mu.Lock()
	defer r.mu.Unlock()

	if nd := r.childLocked(parent.ID, name); nd != nil && !nd.folder {
		r.setContentLocked(nd, content)
		return r.documentLocked(nd)
	}

	return r.documentLocked(r.addLocked(parent.ID, name, false, content))
}

// Remove deletes the object at remotePath and everything below it,
// logging a deleted event per object.
func (r *Repository) Remove(remotePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if nd := r.lookupLocked(remotePath); nd != nil && nd.id != rootID {
		r.removeLocked(nd)
	}
}

// Content returns the content of the document at remotePath.
func (r *Repository) Content(remotePath string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nd := r.lookupLocked(remotePath)
	if nd == nil || nd.folder {
		return nil, false
	}

	return bytes.Clone(nd.content), true
}

// Exists reports whether an object exists at remotePath.
func (r *Repository) Exists(remotePath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lookupLocked(remotePath) != nil
}

// Paths returns every object path in the repository, sorted.
func (r *Repository) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.nodes))
	for _, nd := range r.nodes {
		if nd.id != rootID {
			out = append(out, r.pathLocked(nd))
		}
	}

	slices.Sort(out)

	return out
}

// Connect implements cmis.Connector.
func (r *Repository) Connect(_ context.Context, _ cmis.Parameters) (cmis.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connects++

	if r.connectFailures > 0 {
		r.connectFailures--
		return nil, &cmis.TransientError{Err: fmt.Errorf("connection refused")}
	}

	return r, nil
}

func (r *Repository) RepositoryInfo(_ context.Context) (cmis.RepositoryInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failLocked("RepositoryInfo"); err != nil {
		return cmis.RepositoryInfo{}, err
	}

	return r.infoLocked(), nil
}

func (r *Repository) ContentChanges(_ context.Context, token string, _ bool, maxItems int) (cmis.ChangeLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failLocked("ContentChanges"); err != nil {
		return cmis.ChangeLog{}, err
	}

	start := 0

	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 || n > len(r.log) {
			return cmis.ChangeLog{}, &cmis.Error{Status: 400, Exception: "invalidArgument", Message: "bad change log token"}
		}

		start = n
	}

	end := len(r.log)
	if maxItems > 0 && start+maxItems < end {
		end = start + maxItems
	}

	return cmis.ChangeLog{
		Events:       slices.Clone(r.log[start:end]),
		HasMoreItems: end < len(r.log),
		NextToken:    strconv.Itoa(end),
	}, nil
}

func (r *Repository) GetObject(_ context.Context, id string) (cmis.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failLocked("GetObject"); err != nil {
		return nil, err
	}

	nd, ok := r.nodes[id]
	if !ok {
		return nil, notFound(id)
	}

	return r.objectLocked(nd), nil
}

func (r *Repository) GetObjectByPath(_ context.Context, p string) (cmis.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failLocked("GetObjectByPath"); err != nil {
		return nil, err
	}

	nd := r.lookupLocked(p)
	if nd == nil {
		return nil, notFound(p)
	}

	return r.objectLocked(nd), nil
}

func (r *Repository) Children(_ context.Context, folder *cmis.Folder) iter.Seq2[cmis.Object, error] {
	return func(yield func(cmis.Object, error) bool) {
		r.mu.Lock()

		if err := r.failLocked("Children"); err != nil {
			r.mu.Unlock()
			yield(nil, err)

			return
		}

		if _, ok := r.nodes[folder.ID]; !ok {
			r.mu.Unlock()
			yield(nil, notFound(folder.ID))

			return
		}

		var children []cmis.Object

		for _, nd := range r.sortedChildrenLocked(folder.ID) {
			children = append(children, r.objectLocked(nd))
		}

		r.mu.Unlock()

		for _, c := range children {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (r *Repository) CreateFolder(_ context.Context, parentID, name string) (*cmis.Folder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failLocked("CreateFolder"); err != nil {
		return nil, err
	}

	if err := r.checkCreateLocked(parentID, name); err != nil {
		return nil, err
	}

	return r.folderLocked(r.addLocked(parentID, name, true, nil)), nil
}

func (r *Repository) CreateDocument(_ context.Context, parentID, name string, content *cmis.ContentStream) (*cmis.Document, error) {
	var data []byte

	if content != nil && content.Stream != nil {
		var err error

		data, err = io.ReadAll(content.Stream)
		if err != nil {
			return nil, &cmis.TransientError{Err: fmt.Errorf("reading upload: %w", err)}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failLocked("CreateDocument"); err != nil {
		return nil, err
	}

	if err := r.checkCreateLocked(parentID, name); err != nil {
		return nil, err
	}

	nd := r.addLocked(parentID, name, false, data)
	if content != nil {
		nd.mimeType = content.MimeType
		nd.contentFileName = content.FileName
	}

	return r.documentLocked(nd), nil
}

func (r *Repository) ContentStream(_ context.Context, documentID string, offset, _ int64) (*cmis.ContentStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.contentRequests = append(r.contentRequests, ContentRequest{DocumentID: documentID, Offset: offset})

	if err := r.failLocked("ContentStream"); err != nil {
		return nil, err
	}

	nd, ok := r.nodes[documentID]
	if !ok || nd.folder {
		return nil, notFound(documentID)
	}

	if nd.nullContent {
		return nil, nil
	}

	if offset > int64(len(nd.content)) {
		return nil, &cmis.Error{Status: 416, Exception: "invalidArgument", Message: "offset beyond content"}
	}

	data := bytes.Clone(nd.content[offset:])
	if limit, ok := r.streamLimit[documentID]; ok && limit < int64(len(data)) {
		data = data[:limit]
	}

	return &cmis.ContentStream{
		FileName: cmp.Or(nd.contentFileName, nd.name),
		MimeType: nd.mimeType,
		Length:   int64(len(nd.content)) - offset,
		Stream:   io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (r *Repository) SetContentStream(_ context.Context, documentID string, content *cmis.ContentStream, overwrite bool) (string, error) {
	var data []byte

	if content != nil && content.Stream != nil {
		var err error

		data, err = io.ReadAll(content.Stream)
		if err != nil {
			return "", &cmis.TransientError{Err: fmt.Errorf("reading upload: %w", err)}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failLocked("SetContentStream"); err != nil {
		return "", err
	}

	nd, ok := r.nodes[documentID]
	if !ok || nd.folder {
		return "", notFound(documentID)
	}

	if !overwrite && len(nd.content) > 0 {
		return "", &cmis.Error{Status: 409, Exception: "contentAlreadyExists"}
	}

	if content != nil && content.MimeType != "" {
		nd.mimeType = content.MimeType
	}

	if content != nil && content.FileName != "" {
		nd.contentFileName = content.FileName
	}

	r.setContentLocked(nd, data)

	return nd.id, nil
}

func (r *Repository) UpdateProperties(_ context.Context, objectID string, properties map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failLocked("UpdateProperties"); err != nil {
		return "", err
	}

	nd, ok := r.nodes[objectID]
	if !ok {
		return "", notFound(objectID)
	}

	if name, ok := properties[cmis.PropName]; ok && name != nd.name {
		if r.childLocked(nd.parentID, name) != nil {
			return "", &cmis.Error{Status: 409, Exception: "nameConstraintViolation", Message: name}
		}

		nd.name = name
	}

	r.touchLocked(nd, cmis.ChangeUpdated)

	return nd.id, nil
}

func (r *Repository) DeleteAllVersions(_ context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failLocked("DeleteAllVersions"); err != nil {
		return err
	}

	nd, ok := r.nodes[documentID]
	if !ok {
		return notFound(documentID)
	}

	r.removeLocked(nd)

	return nil
}

func (r *Repository) failLocked(method string) error {
	queue := r.failures[method]
	if len(queue) == 0 {
		return nil
	}

	r.failures[method] = queue[1:]

	return queue[0]
}

func (r *Repository) infoLocked() cmis.RepositoryInfo {
	return cmis.RepositoryInfo{
		ID:                   r.id,
		Name:                 "Test Repository",
		ProductName:          "cmistest",
		RootFolderID:         rootID,
		LatestChangeLogToken: strconv.Itoa(len(r.log)),
		Capabilities:         cmis.Capabilities{Changes: r.changes},
	}
}

func (r *Repository) tick() time.Time {
	r.now = r.now.Add(time.Second)
	return r.now
}

func (r *Repository) checkCreateLocked(parentID, name string) error {
	parent, ok := r.nodes[parentID]
	if !ok || !parent.folder {
		return notFound(parentID)
	}

	if name == "" || strings.Contains(name, "/") {
		return &cmis.Error{Status: 400, Exception: "invalidArgument", Message: "bad name " + name}
	}

	if r.childLocked(parentID, name) != nil {
		return &cmis.Error{Status: 409, Exception: "contentAlreadyExists", Message: name}
	}

	return nil
}

func (r *Repository) addLocked(parentID, name string, folder bool, content []byte) *node {
	r.seq++
	t := r.tick()

	nd := &node{
		id:       fmt.Sprintf("obj-%d", r.seq),
		name:     name,
		parentID: parentID,
		folder:   folder,
		content:  bytes.Clone(content),
		version:  1,
		created:  t,
		modified: t,
	}

	if !folder {
		nd.versionSeries = "vs-" + nd.id
	}

	r.nodes[nd.id] = nd
	r.logLocked(cmis.ChangeCreated, nd.id, t)

	return nd
}

func (r *Repository) setContentLocked(nd *node, content []byte) {
	nd.content = bytes.Clone(content)
	nd.nullContent = false
	nd.version++
	r.touchLocked(nd, cmis.ChangeUpdated)
}

func (r *Repository) touchLocked(nd *node, ct cmis.ChangeType) {
	nd.modified = r.tick()
	r.logLocked(ct, nd.id, nd.modified)
}

func (r *Repository) removeLocked(nd *node) {
	for _, child := range r.sortedChildrenLocked(nd.id) {
		r.removeLocked(child)
	}

	delete(r.nodes, nd.id)
	delete(r.streamLimit, nd.id)
	r.logLocked(cmis.ChangeDeleted, nd.id, r.tick())
}

func (r *Repository) logLocked(ct cmis.ChangeType, id string, t time.Time) {
	r.log = append(r.log, cmis.ChangeEvent{Type: ct, ObjectID: id, ChangeTime: t})
}

func (r *Repository) childLocked(parentID, name string) *node {
	for _, nd := range r.nodes {
		if nd.parentID == parentID && nd.name == name && nd.id != rootID {
			return nd
		}
	}

	return nil
}

func (r *Repository) sortedChildrenLocked(parentID string) []*node {
	var out []*node

	for _, nd := range r.nodes {
		if nd.parentID == parentID && nd.id != rootID {
			out = append(out, nd)
		}
	}

	slices.SortFunc(out, func(a, b *node) int { return strings.Compare(a.name, b.name) })

	return out
}

func (r *Repository) lookupLocked(p string) *node {
	nd := r.nodes[rootID]

	for _, seg := range splitPath(p) {
		nd = r.childLocked(nd.id, seg)
		if nd == nil {
			return nil
		}
	}

	return nd
}

func (r *Repository) pathLocked(nd *node) string {
	if nd.id == rootID {
		return "/"
	}

	var segs []string

	for cur := nd; cur != nil && cur.id != rootID; cur = r.nodes[cur.parentID] {
		segs = append(segs, cur.name)
	}

	slices.Reverse(segs)

	return "/" + strings.Join(segs, "/")
}

func (r *Repository) objectLocked(nd *node) cmis.Object {
	if nd.folder {
		return r.folderLocked(nd)
	}

	return r.documentLocked(nd)
}

func (r *Repository) folderLocked(nd *node) *cmis.Folder {
	return &cmis.Folder{
		ID:                   nd.id,
		Name:                 nd.name,
		Path:                 r.pathLocked(nd),
		ParentID:             nd.parentID,
		CreatedBy:            r.user,
		CreationDate:         nd.created,
		LastModificationDate: nd.modified,
	}
}

func (r *Repository) documentLocked(nd *node) *cmis.Document {
	length := int64(len(nd.content))
	if nd.nullContent {
		length = -1
	}

	return &cmis.Document{
		ID:                    nd.id,
		Name:                  nd.name,
		Paths:                 []string{r.pathLocked(nd)},
		VersionSeriesID:       nd.versionSeries,
		VersionLabel:          fmt.Sprintf("%d.0", nd.version),
		ContentStreamFileName: cmp.Or(nd.contentFileName, nd.name),
		ContentStreamLength:   length,
		ContentStreamMimeType: nd.mimeType,
		CreatedBy:             r.user,
		CreationDate:          nd.created,
		LastModifiedBy:        r.user,
		LastModificationDate:  nd.modified,
	}
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}

	return strings.Split(p, "/")
}

func notFound(what string) error {
	return &cmis.Error{Status: 404, Exception: "objectNotFound", Message: what}
}

var (
	_ cmis.Session   = (*Repository)(nil)
	_ cmis.Connector = (*Repository)(nil)
)
