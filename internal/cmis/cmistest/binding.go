package cmistest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/cmis-sync/internal/cmis"
	"github.com/goccy/go-json"
)

const (
	bindingPrefix = "/browser"
	maxFormMemory = 32 << 20
)

// BindingConfig holds the dependencies of a Browser Binding endpoint.
type BindingConfig struct {
	Repository *Repository
	// User and Password enable HTTP basic auth when User is non-empty.
	User     string
	Password string
}

// NewBinding serves the repository over the CMIS Browser Binding under
// /browser, so a cmis.BrowserConnector can talk to it through an
// httptest server. The service URL is <server>/browser.
func NewBinding(cfg BindingConfig) *http.ServeMux {
	b := &binding{repo: cfg.Repository}

	mux := http.NewServeMux()
	mux.Handle(bindingPrefix, basicAuth(cfg.User, cfg.Password, http.HandlerFunc(b.serve)))
	mux.Handle(bindingPrefix+"/", basicAuth(cfg.User, cfg.Password, http.HandlerFunc(b.serve)))

	return mux
}

func basicAuth(user, password string, next http.Handler) http.Handler {
	if user == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != password {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"exception": "permissionDenied",
				"message":   "bad credentials",
			})

			return
		}

		next.ServeHTTP(w, r)
	})
}

type binding struct {
	repo *Repository
}

func (b *binding) serve(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, bindingPrefix), "/")
	if rest == "" {
		b.serveServiceDocument(w, r)
		return
	}

	repoID, objectPath, _ := strings.Cut(rest, "/")
	if repoID != b.repo.id {
		writeError(w, notFound("repository "+repoID))
		return
	}

	if objectPath == "" {
		b.serveRepository(w, r)
		return
	}

	rootSeg, remotePath, _ := strings.Cut(objectPath, "/")
	if rootSeg != "root" {
		writeError(w, notFound(objectPath))
		return
	}

	if r.Method == http.MethodPost {
		b.serveAction(w, r)
		return
	}

	b.serveRootFolder(w, r, "/"+remotePath)
}

func (b *binding) serveServiceDocument(w http.ResponseWriter, r *http.Request) {
	info, err := b.repo.RepositoryInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{info.ID: b.repositoryJSON(r, info)})
}

func (b *binding) repositoryJSON(r *http.Request, info cmis.RepositoryInfo) map[string]any {
	repoURL := "http://" + r.Host + bindingPrefix + "/" + url.PathEscape(info.ID)

	return map[string]any{
		"repositoryId":         info.ID,
		"repositoryName":       info.ID,
		"productName":          "cmistest",
		"productVersion":       "1.0",
		"rootFolderId":         rootID,
		"repositoryUrl":        repoURL,
		"rootFolderUrl":        repoURL + "/root",
		"latestChangeLogToken": info.LatestChangeLogToken,
		"capabilities": map[string]any{
			"capabilityChanges": string(info.Capabilities.Changes),
		},
	}
}

func (b *binding) serveRepository(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch q.Get("cmisselector") {
	case "repositoryInfo":
		info, err := b.repo.RepositoryInfo(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{info.ID: b.repositoryJSON(r, info)})
	case "contentChanges":
		maxItems, _ := strconv.Atoi(q.Get("maxItems"))

		log, err := b.repo.ContentChanges(r.Context(), q.Get("changeLogToken"), q.Get("includeProperties") == "true", maxItems)
		if err != nil {
			writeError(w, err)
			return
		}

		objects := make([]map[string]any, 0, len(log.Events))
		for _, ev := range log.Events {
			objects = append(objects, map[string]any{
				"succinctProperties": map[string]any{cmis.PropObjectID: ev.ObjectID},
				"changeEventInfo": map[string]any{
					"changeType": string(ev.Type),
					"changeTime": ev.ChangeTime.UnixMilli(),
				},
			})
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"objects":        objects,
			"hasMoreItems":   log.HasMoreItems,
			"changeLogToken": log.NextToken,
		})
	default:
		writeError(w, &cmis.Error{Status: http.StatusBadRequest, Exception: "notSupported", Message: "selector " + q.Get("cmisselector")})
	}
}

func (b *binding) serveRootFolder(w http.ResponseWriter, r *http.Request, remotePath string) {
	q := r.URL.Query()

	switch q.Get("cmisselector") {
	case "object":
		var (
			obj cmis.Object
			err error
		)

		if id := q.Get("objectId"); id != "" {
			obj, err = b.repo.GetObject(r.Context(), id)
		} else {
			obj, err = b.repo.GetObjectByPath(r.Context(), remotePath)
		}

		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, objectJSON(obj))
	case "children":
		b.serveChildren(w, r)
	case "parents":
		b.serveParents(w, r)
	case "content":
		b.serveContent(w, r)
	default:
		writeError(w, &cmis.Error{Status: http.StatusBadRequest, Exception: "notSupported", Message: "selector " + q.Get("cmisselector")})
	}
}

func (b *binding) serveChildren(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	obj, err := b.repo.GetObject(r.Context(), q.Get("objectId"))
	if err != nil {
		writeError(w, err)
		return
	}

	folder, ok := obj.(*cmis.Folder)
	if !ok {
		writeError(w, &cmis.Error{Status: http.StatusBadRequest, Exception: "invalidArgument", Message: "not a folder"})
		return
	}

	var children []cmis.Object

	for child, err := range b.repo.Children(r.Context(), folder) {
		if err != nil {
			writeError(w, err)
			return
		}

		children = append(children, child)
	}

	skip, _ := strconv.Atoi(q.Get("skipCount"))
	skip = min(max(skip, 0), len(children))

	end := len(children)
	if n, err := strconv.Atoi(q.Get("maxItems")); err == nil && n > 0 && skip+n < end {
		end = skip + n
	}

	objects := make([]map[string]any, 0, end-skip)
	for _, child := range children[skip:end] {
		objects = append(objects, map[string]any{"object": objectJSON(child)})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"objects":      objects,
		"hasMoreItems": end < len(children),
		"numItems":     len(children),
	})
}

func (b *binding) serveParents(w http.ResponseWriter, r *http.Request) {
	obj, err := b.repo.GetObject(r.Context(), r.URL.Query().Get("objectId"))
	if err != nil {
		writeError(w, err)
		return
	}

	doc, ok := obj.(*cmis.Document)
	if !ok {
		writeError(w, &cmis.Error{Status: http.StatusBadRequest, Exception: "invalidArgument", Message: "folders have a single parent"})
		return
	}

	parents := make([]map[string]any, 0, len(doc.Paths))
	for _, p := range doc.Paths {
		dir, name := splitParent(p)
		parents = append(parents, map[string]any{
			"object": map[string]any{
				"succinctProperties": map[string]any{cmis.PropPath: dir},
			},
			"relativePathSegment": name,
		})
	}

	writeJSON(w, http.StatusOK, parents)
}

func (b *binding) serveContent(w http.ResponseWriter, r *http.Request) {
	var offset int64

	if h := r.Header.Get("Range"); h != "" {
		if _, err := fmt.Sscanf(h, "bytes=%d-", &offset); err != nil {
			writeError(w, &cmis.Error{Status: http.StatusBadRequest, Exception: "invalidArgument", Message: "bad range " + h})
			return
		}
	}

	cs, err := b.repo.ContentStream(r.Context(), r.URL.Query().Get("objectId"), offset, -1)
	if err != nil {
		writeError(w, err)
		return
	}

	if cs == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	defer cs.Stream.Close()

	mimeType := cs.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", mimeType)

	status := http.StatusOK
	if offset > 0 {
		status = http.StatusPartialContent
	}

	w.WriteHeader(status)
	_, _ = io.Copy(w, cs.Stream)
}

func (b *binding) serveAction(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, &cmis.Error{Status: http.StatusBadRequest, Exception: "invalidArgument", Message: err.Error()})
		return
	}

	content, err := formContent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if content != nil {
		defer content.Stream.Close()
	}

	ctx := r.Context()
	objectID := r.FormValue("objectId")
	props := formProperties(r.Form)

	switch action := r.FormValue("cmisaction"); action {
	case "createFolder":
		f, err := b.repo.CreateFolder(ctx, objectID, props[cmis.PropName])
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, objectJSON(f))
	case "createDocument":
		d, err := b.repo.CreateDocument(ctx, objectID, props[cmis.PropName], content)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, objectJSON(d))
	case "setContent":
		id, err := b.repo.SetContentStream(ctx, objectID, content, r.FormValue("overwriteFlag") != "false")
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, idJSON(id))
	case "update":
		id, err := b.repo.UpdateProperties(ctx, objectID, props)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, idJSON(id))
	case "delete":
		if err := b.repo.DeleteAllVersions(ctx, objectID); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{})
	default:
		writeError(w, &cmis.Error{Status: http.StatusBadRequest, Exception: "notSupported", Message: "action " + action})
	}
}

// formContent returns the uploaded content part, or nil when the request
// carries none.
func formContent(r *http.Request) (*cmis.ContentStream, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}

	file, hdr, err := r.FormFile("content")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}

	if err != nil {
		return nil, &cmis.Error{Status: http.StatusBadRequest, Exception: "invalidArgument", Message: err.Error()}
	}

	return &cmis.ContentStream{
		FileName: hdr.Filename,
		MimeType: hdr.Header.Get("Content-Type"),
		Length:   hdr.Size,
		Stream:   file,
	}, nil
}

// formProperties collects the propertyId[i]/propertyValue[i] pairs.
func formProperties(form url.Values) map[string]string {
	props := map[string]string{}

	for i := 0; ; i++ {
		id := form.Get(fmt.Sprintf("propertyId[%d]", i))
		if id == "" {
			return props
		}

		props[id] = form.Get(fmt.Sprintf("propertyValue[%d]", i))
	}
}

func objectJSON(obj cmis.Object) map[string]any {
	props := map[string]any{}

	switch o := obj.(type) {
	case *cmis.Folder:
		props[cmis.PropObjectID] = o.ID
		props[cmis.PropBaseTypeID] = cmis.TypeFolder
		props[cmis.PropObjectTypeID] = cmis.TypeFolder
		props[cmis.PropName] = o.Name
		props[cmis.PropPath] = o.Path
		props[cmis.PropCreatedBy] = o.CreatedBy
		props[cmis.PropCreationDate] = millis(o.CreationDate)
		props[cmis.PropLastModificationDate] = millis(o.LastModificationDate)

		if o.ParentID != "" {
			props[cmis.PropParentID] = o.ParentID
		}
	case *cmis.Document:
		props[cmis.PropObjectID] = o.ID
		props[cmis.PropBaseTypeID] = cmis.TypeDocument
		props[cmis.PropObjectTypeID] = cmis.TypeDocument
		props[cmis.PropName] = o.Name
		props[cmis.PropVersionSeriesID] = o.VersionSeriesID
		props[cmis.PropVersionLabel] = o.VersionLabel
		props[cmis.PropContentStreamFileName] = o.ContentStreamFileName
		props[cmis.PropContentStreamMimeType] = o.ContentStreamMimeType
		props[cmis.PropCreatedBy] = o.CreatedBy
		props[cmis.PropCreationDate] = millis(o.CreationDate)
		props[cmis.PropLastModifiedBy] = o.LastModifiedBy
		props[cmis.PropLastModificationDate] = millis(o.LastModificationDate)
		props[cmis.PropIsImmutable] = o.IsImmutable

		if o.ContentStreamLength >= 0 {
			props[cmis.PropContentStreamLength] = o.ContentStreamLength
		} else {
			props[cmis.PropContentStreamLength] = nil
		}
	}

	return map[string]any{"succinctProperties": props}
}

func idJSON(id string) map[string]any {
	return map[string]any{
		"succinctProperties": map[string]any{cmis.PropObjectID: id},
	}
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UnixMilli()
}

func splitParent(p string) (dir, name string) {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/", p[i+1:]
	}

	return p[:i], p[i+1:]
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	exception := "runtime"
	message := err.Error()

	var ce *cmis.Error
	if errors.As(err, &ce) {
		status = ce.Status
		exception = ce.Exception
		message = ce.Message
	}

	writeJSON(w, status, map[string]any{"exception": exception, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
