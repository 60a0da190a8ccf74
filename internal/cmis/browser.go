package cmis

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
)

const (
	// childrenPageSize is the number of children requested per page when
	// listing a folder.
	childrenPageSize = 200

	// maxErrorBodyBytes caps how much of an error response is read.
	maxErrorBodyBytes = 64 * 1024

	userAgent = "cmis-sync"
)

// BrowserConnector creates Browser Binding sessions.
type BrowserConnector struct {
	// Client is the HTTP client used for all requests. When nil a client
	// without a request timeout is created per session: transfers may take
	// arbitrarily long and are never aborted by the client.
	Client *req.Client
}

// NewBrowserConnector returns a connector that builds its own HTTP client.
func NewBrowserConnector() *BrowserConnector {
	return &BrowserConnector{}
}

// Connect fetches the service document, binds the configured repository
// (the first one when params.RepositoryID is empty) and returns a session.
func (c *BrowserConnector) Connect(ctx context.Context, params Parameters) (Session, error) {
	if params.URL == "" {
		return nil, fmt.Errorf("%w: empty service url", ErrInvalidArgument)
	}

	client := c.Client
	if client == nil {
		client = req.C().
			SetTimeout(0).
			SetUserAgent(userAgent)
	}

	if params.User != "" {
		client.SetCommonBasicAuth(params.User, params.Password)
	}

	s := &BrowserSession{client: client, serviceURL: params.URL}

	body, err := s.get(ctx, params.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching service document: %w", err)
	}

	if err := s.bind(body, params.RepositoryID); err != nil {
		return nil, err
	}

	return s, nil
}

// BrowserSession is a Session over the CMIS Browser Binding (JSON over
// HTTP). Properties are requested in succinct form.
type BrowserSession struct {
	client        *req.Client
	serviceURL    string
	repositoryURL string
	rootFolderURL string
	info          RepositoryInfo
}

// bind selects a repository from the service document.
func (s *BrowserSession) bind(serviceDoc []byte, repositoryID string) error {
	doc := gjson.ParseBytes(serviceDoc)
	if !doc.IsObject() {
		return fmt.Errorf("%w: service document is not a JSON object", ErrRuntime)
	}

	var found gjson.Result

	doc.ForEach(func(key, value gjson.Result) bool {
		if repositoryID == "" || value.Get("repositoryId").String() == repositoryID {
			found = value
			return false
		}

		return true
	})

	if !found.Exists() {
		if repositoryID == "" {
			return fmt.Errorf("%w: service document lists no repositories", ErrObjectNotFound)
		}

		return fmt.Errorf("%w: repository %q", ErrObjectNotFound, repositoryID)
	}

	s.repositoryURL = found.Get("repositoryUrl").String()
	s.rootFolderURL = found.Get("rootFolderUrl").String()

	if s.repositoryURL == "" || s.rootFolderURL == "" {
		return fmt.Errorf("%w: repository info lacks repositoryUrl or rootFolderUrl", ErrRuntime)
	}

	s.info = parseRepositoryInfo(found)

	return nil
}

// Info returns the repository info captured when the session was bound.
func (s *BrowserSession) Info() RepositoryInfo {
	return s.info
}

func (s *BrowserSession) RepositoryInfo(ctx context.Context) (RepositoryInfo, error) {
	body, err := s.get(ctx, s.repositoryURL, url.Values{"cmisselector": {"repositoryInfo"}})
	if err != nil {
		return RepositoryInfo{}, fmt.Errorf("fetching repository info: %w", err)
	}

	doc := gjson.ParseBytes(body)

	// The repositoryInfo selector answers with a map keyed by repository id.
	info := doc.Get(gjson.Escape(s.info.ID))
	if !info.Exists() {
		info = doc
	}

	s.info = parseRepositoryInfo(info)

	return s.info, nil
}

func (s *BrowserSession) ContentChanges(ctx context.Context, token string, includeProperties bool, maxItems int) (ChangeLog, error) {
	q := url.Values{
		"cmisselector":      {"contentChanges"},
		"includeProperties": {strconv.FormatBool(includeProperties)},
		"maxItems":          {strconv.Itoa(maxItems)},
		"succinct":          {"true"},
	}
	if token != "" {
		q.Set("changeLogToken", token)
	}

	body, err := s.get(ctx, s.repositoryURL, q)
	if err != nil {
		return ChangeLog{}, fmt.Errorf("fetching content changes: %w", err)
	}

	doc := gjson.ParseBytes(body)
	log := ChangeLog{
		HasMoreItems: doc.Get("hasMoreItems").Bool(),
		NextToken:    doc.Get("changeLogToken").String(),
	}

	for _, obj := range doc.Get("objects").Array() {
		props := obj.Get("succinctProperties")
		info := obj.Get("changeEventInfo")

		ev := ChangeEvent{
			Type:       ChangeType(strings.ToLower(info.Get("changeType").String())),
			ObjectID:   prop(props, PropObjectID).String(),
			ChangeTime: millis(info.Get("changeTime")),
		}

		if m, ok := props.Value().(map[string]any); ok {
			ev.Properties = m
		}

		log.Events = append(log.Events, ev)
	}

	return log, nil
}

func (s *BrowserSession) GetObject(ctx context.Context, id string) (Object, error) {
	body, err := s.get(ctx, s.rootFolderURL, url.Values{
		"cmisselector": {"object"},
		"objectId":     {id},
		"succinct":     {"true"},
	})
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", id, err)
	}

	return s.objectWithPaths(ctx, gjson.ParseBytes(body))
}

func (s *BrowserSession) GetObjectByPath(ctx context.Context, p string) (Object, error) {
	body, err := s.get(ctx, s.pathURL(p), url.Values{
		"cmisselector": {"object"},
		"succinct":     {"true"},
	})
	if err != nil {
		return nil, fmt.Errorf("getting object by path %s: %w", p, err)
	}

	obj, err := parseObject(gjson.ParseBytes(body))
	if err != nil {
		return nil, err
	}

	if doc, ok := obj.(*Document); ok {
		doc.Paths = []string{path.Clean("/" + p)}
	}

	return obj, nil
}

func (s *BrowserSession) Children(ctx context.Context, folder *Folder) iter.Seq2[Object, error] {
	return func(yield func(Object, error) bool) {
		skip := 0

		for {
			body, err := s.get(ctx, s.rootFolderURL, url.Values{
				"cmisselector": {"children"},
				"objectId":     {folder.ID},
				"succinct":     {"true"},
				"maxItems":     {strconv.Itoa(childrenPageSize)},
				"skipCount":    {strconv.Itoa(skip)},
			})
			if err != nil {
				yield(nil, fmt.Errorf("listing children of %s: %w", folder.Path, err))
				return
			}

			page := gjson.ParseBytes(body)
			objects := page.Get("objects").Array()

			for _, entry := range objects {
				obj, err := parseObject(entry.Get("object"))
				if err != nil {
					yield(nil, err)
					return
				}

				if doc, ok := obj.(*Document); ok {
					doc.Paths = []string{joinRemote(folder.Path, doc.Name)}
				}

				if !yield(obj, nil) {
					return
				}
			}

			skip += len(objects)

			if !page.Get("hasMoreItems").Bool() || len(objects) == 0 {
				return
			}
		}
	}
}

func (s *BrowserSession) CreateFolder(ctx context.Context, parentID, name string) (*Folder, error) {
	form := actionForm("createFolder", parentID, map[string]string{
		PropName:         name,
		PropObjectTypeID: TypeFolder,
	})

	body, err := s.post(ctx, s.request(ctx).SetFormData(form))
	if err != nil {
		return nil, fmt.Errorf("creating folder %s: %w", name, err)
	}

	obj, err := parseObject(gjson.ParseBytes(body))
	if err != nil {
		return nil, err
	}

	f, ok := obj.(*Folder)
	if !ok {
		return nil, fmt.Errorf("%w: createFolder returned a non-folder object", ErrRuntime)
	}

	return f, nil
}

func (s *BrowserSession) CreateDocument(ctx context.Context, parentID, name string, content *ContentStream) (*Document, error) {
	form := actionForm("createDocument", parentID, map[string]string{
		PropName:         name,
		PropObjectTypeID: TypeDocument,
	})

	r := s.request(ctx).SetFormData(form)
	if content != nil && content.Stream != nil {
		r.SetFileUpload(contentUpload(content, name))
	}

	body, err := s.post(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("creating document %s: %w", name, err)
	}

	obj, err := s.objectWithPaths(ctx, gjson.ParseBytes(body))
	if err != nil {
		return nil, err
	}

	d, ok := obj.(*Document)
	if !ok {
		return nil, fmt.Errorf("%w: createDocument returned a non-document object", ErrRuntime)
	}

	return d, nil
}

func (s *BrowserSession) ContentStream(ctx context.Context, documentID string, offset, length int64) (*ContentStream, error) {
	r := s.request(ctx).
		DisableAutoReadResponse().
		SetQueryParam("cmisselector", "content").
		SetQueryParam("objectId", documentID)

	if offset > 0 {
		r.SetHeader("Range", byteRange(offset, length))
	}

	resp, err := r.Get(s.rootFolderURL)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("requesting content of %s: %w", documentID, err)}
	}

	if resp.IsErrorState() {
		defer resp.Body.Close()
		return nil, s.responseError(resp)
	}

	if resp.StatusCode == http.StatusNoContent || resp.Body == nil {
		if resp.Body != nil {
			resp.Body.Close()
		}

		return nil, nil
	}

	cs := &ContentStream{
		MimeType: resp.Header.Get("Content-Type"),
		Length:   resp.ContentLength,
		Stream:   resp.Body,
	}

	// Servers that ignore Range answer 200 with the full body.
	if offset > 0 && resp.StatusCode == http.StatusOK {
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			resp.Body.Close()
			return nil, &TransientError{Err: fmt.Errorf("skipping to offset %d of %s: %w", offset, documentID, err)}
		}

		if cs.Length >= 0 {
			cs.Length -= offset
		}
	}

	return cs, nil
}

func (s *BrowserSession) SetContentStream(ctx context.Context, documentID string, content *ContentStream, overwrite bool) (string, error) {
	form := map[string]string{
		"cmisaction":    "setContent",
		"objectId":      documentID,
		"overwriteFlag": strconv.FormatBool(overwrite),
		"succinct":      "true",
	}

	r := s.request(ctx).SetFormData(form)
	if content != nil && content.Stream != nil {
		r.SetFileUpload(contentUpload(content, content.FileName))
	}

	body, err := s.post(ctx, r)
	if err != nil {
		return "", fmt.Errorf("setting content of %s: %w", documentID, err)
	}

	return resultID(body, documentID), nil
}

func (s *BrowserSession) UpdateProperties(ctx context.Context, objectID string, properties map[string]string) (string, error) {
	form := actionForm("update", objectID, properties)

	body, err := s.post(ctx, s.request(ctx).SetFormData(form))
	if err != nil {
		return "", fmt.Errorf("updating properties of %s: %w", objectID, err)
	}

	return resultID(body, objectID), nil
}

func (s *BrowserSession) DeleteAllVersions(ctx context.Context, documentID string) error {
	form := map[string]string{
		"cmisaction":  "delete",
		"objectId":    documentID,
		"allVersions": "true",
	}

	if _, err := s.post(ctx, s.request(ctx).SetFormData(form)); err != nil {
		return fmt.Errorf("deleting %s: %w", documentID, err)
	}

	return nil
}

// objectWithPaths parses an object and, for documents, resolves the
// remote paths from the object's parents.
func (s *BrowserSession) objectWithPaths(ctx context.Context, raw gjson.Result) (Object, error) {
	obj, err := parseObject(raw)
	if err != nil {
		return nil, err
	}

	doc, ok := obj.(*Document)
	if !ok {
		return obj, nil
	}

	body, err := s.get(ctx, s.rootFolderURL, url.Values{
		"cmisselector":               {"parents"},
		"objectId":                   {doc.ID},
		"includeRelativePathSegment": {"true"},
		"succinct":                   {"true"},
	})
	if err != nil {
		// Unfiled documents have no parents; leave Paths empty.
		if IsNotFound(err) {
			return doc, nil
		}

		return nil, fmt.Errorf("getting parents of %s: %w", doc.ID, err)
	}

	for _, parent := range gjson.ParseBytes(body).Array() {
		parentPath := prop(parent.Get("object.succinctProperties"), PropPath).String()

		segment := parent.Get("relativePathSegment").String()
		if segment == "" {
			segment = doc.Name
		}

		doc.Paths = append(doc.Paths, joinRemote(parentPath, segment))
	}

	return doc, nil
}

func (s *BrowserSession) request(ctx context.Context) *req.Request {
	return s.client.R().SetContext(ctx)
}

func (s *BrowserSession) get(ctx context.Context, target string, q url.Values) ([]byte, error) {
	r := s.request(ctx)
	for k, v := range q {
		for _, vv := range v {
			r.AddQueryParam(k, vv)
		}
	}

	resp, err := r.Get(target)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("GET %s: %w", target, err)}
	}

	if resp.IsErrorState() {
		return nil, s.responseError(resp)
	}

	return resp.Bytes(), nil
}

func (s *BrowserSession) post(ctx context.Context, r *req.Request) ([]byte, error) {
	resp, err := r.Post(s.rootFolderURL)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("POST %s: %w", s.rootFolderURL, err)}
	}

	if resp.IsErrorState() {
		return nil, s.responseError(resp)
	}

	return resp.Bytes(), nil
}

// responseError converts an error response into a *Error. The body is
// read directly when auto-read was disabled.
func (s *BrowserSession) responseError(resp *req.Response) error {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	}

	if len(body) == 0 {
		body = resp.Bytes()
	}

	e := &Error{Status: resp.StatusCode}

	doc := gjson.ParseBytes(body)
	if doc.IsObject() {
		e.Exception = doc.Get("exception").String()
		e.Message = sanitize(doc.Get("message").String())
	} else {
		e.Message = sanitize(string(body))
	}

	if e.Exception == "" {
		e.Exception = http.StatusText(resp.StatusCode)
	}

	return e
}

func (s *BrowserSession) pathURL(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return s.rootFolderURL
	}

	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.TrimRight(s.rootFolderURL, "/") + "/" + strings.Join(segments, "/")
}

func parseRepositoryInfo(r gjson.Result) RepositoryInfo {
	return RepositoryInfo{
		ID:                   r.Get("repositoryId").String(),
		Name:                 r.Get("repositoryName").String(),
		ProductName:          r.Get("productName").String(),
		ProductVersion:       r.Get("productVersion").String(),
		RootFolderID:         r.Get("rootFolderId").String(),
		LatestChangeLogToken: r.Get("latestChangeLogToken").String(),
		Capabilities: Capabilities{
			Changes: CapabilityChanges(strings.ToLower(r.Get("capabilities.capabilityChanges").String())),
		},
	}
}

// parseObject decodes a succinct object into a *Folder or *Document.
func parseObject(raw gjson.Result) (Object, error) {
	props := raw.Get("succinctProperties")
	if !props.Exists() {
		return nil, fmt.Errorf("%w: object without succinctProperties", ErrRuntime)
	}

	base := prop(props, PropBaseTypeID).String()
	if base == "" {
		base = prop(props, PropObjectTypeID).String()
	}

	switch base {
	case TypeFolder:
		return &Folder{
			ID:                   prop(props, PropObjectID).String(),
			Name:                 prop(props, PropName).String(),
			Path:                 prop(props, PropPath).String(),
			ParentID:             prop(props, PropParentID).String(),
			CreatedBy:            prop(props, PropCreatedBy).String(),
			CreationDate:         millis(prop(props, PropCreationDate)),
			LastModificationDate: millis(prop(props, PropLastModificationDate)),
		}, nil
	case TypeDocument:
		length := int64(-1)
		if l := prop(props, PropContentStreamLength); l.Exists() && l.Type != gjson.Null {
			length = l.Int()
		}

		return &Document{
			ID:                    prop(props, PropObjectID).String(),
			Name:                  prop(props, PropName).String(),
			VersionSeriesID:       prop(props, PropVersionSeriesID).String(),
			VersionLabel:          prop(props, PropVersionLabel).String(),
			ContentStreamFileName: prop(props, PropContentStreamFileName).String(),
			ContentStreamLength:   length,
			ContentStreamMimeType: prop(props, PropContentStreamMimeType).String(),
			CreatedBy:             prop(props, PropCreatedBy).String(),
			CreationDate:          millis(prop(props, PropCreationDate)),
			LastModifiedBy:        prop(props, PropLastModifiedBy).String(),
			LastModificationDate:  millis(prop(props, PropLastModificationDate)),
			IsImmutable:           prop(props, PropIsImmutable).Bool(),
			CheckinComment:        prop(props, PropCheckinComment).String(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported base type %q", ErrNotSupported, base)
	}
}

func prop(props gjson.Result, id string) gjson.Result {
	return props.Get(gjson.Escape(id))
}

func millis(r gjson.Result) time.Time {
	if !r.Exists() || r.Type == gjson.Null {
		return time.Time{}
	}

	return time.UnixMilli(r.Int()).UTC()
}

// actionForm builds a Browser Binding form for an action with the given
// properties, ordered by property id so requests are deterministic.
func actionForm(action, objectID string, properties map[string]string) map[string]string {
	form := map[string]string{
		"cmisaction": action,
		"objectId":   objectID,
		"succinct":   "true",
	}

	ids := make([]string, 0, len(properties))
	for id := range properties {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	for i, id := range ids {
		form[fmt.Sprintf("propertyId[%d]", i)] = id
		form[fmt.Sprintf("propertyValue[%d]", i)] = properties[id]
	}

	return form
}

func contentUpload(content *ContentStream, fallbackName string) req.FileUpload {
	name := content.FileName
	if name == "" {
		name = fallbackName
	}

	mimeType := content.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	stream := content.Stream

	return req.FileUpload{
		ParamName:   "content",
		FileName:    name,
		ContentType: mimeType,
		FileSize:    content.Length,
		GetFileContent: func() (io.ReadCloser, error) {
			return stream, nil
		},
	}
}

func resultID(body []byte, fallback string) string {
	id := prop(gjson.ParseBytes(body).Get("succinctProperties"), PropObjectID).String()
	if id == "" {
		return fallback
	}

	return id
}

func byteRange(offset, length int64) string {
	if length <= 0 || offset >= length {
		return fmt.Sprintf("bytes=%d-", offset)
	}

	return fmt.Sprintf("bytes=%d-%d", offset, length-1)
}

func joinRemote(dir, name string) string {
	if dir == "" || dir == "/" {
		return "/" + name
	}

	return strings.TrimRight(dir, "/") + "/" + name
}

// sanitize truncates server text for inclusion in error messages and
// replaces control characters to prevent log injection.
func sanitize(s string) string {
	const maxLen = 256
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	var b strings.Builder

	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if (r == utf8.RuneError && size <= 1) || (r < 0x20 && r != '\t') {
			b.WriteByte('?')
		} else {
			b.WriteString(s[:size])
		}

		s = s[size:]
	}

	return b.String()
}
