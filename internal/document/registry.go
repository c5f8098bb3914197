// Package document implements the document registry: it assigns ids to
// host files handed in by clients, records who may access them in the
// permission store and brokers grant, revoke and delete requests.
package document

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ajaxzhan/document-portal/internal/codec"
	"github.com/ajaxzhan/document-portal/internal/logging"
	"github.com/ajaxzhan/document-portal/internal/metrics"
	"github.com/ajaxzhan/document-portal/internal/permstore"
	"github.com/ajaxzhan/document-portal/internal/util"
	"github.com/ajaxzhan/document-portal/pkg/types"
)

// Table is the permission store table holding documents.
const Table = "documents"

// Invalidator is told which apps may see a different view of a document.
type Invalidator interface {
	// InvalidateDocument drops cached entries of document id for each app
	// in apps; the empty app id stands for the unscoped root view.
	InvalidateDocument(id string, apps []string)
	// DocumentDeleted releases per-document state such as tempfiles.
	DocumentDeleted(id string)
}

// AccessChecker answers whether an app can already reach a host path.
type AccessChecker interface {
	CanAccess(appID, path string, writable bool) bool
}

// record is the value stored for each document.
type record struct {
	Path      string              `cbor:"1,keyasint"`
	ParentDev uint64              `cbor:"2,keyasint"`
	ParentIno uint64              `cbor:"3,keyasint"`
	Flags     types.DocumentFlags `cbor:"4,keyasint"`
}

// Registry maps host files to documents.
type Registry struct {
	store      *permstore.Store
	mountPoint string
	access     AccessChecker

	invMu       sync.RWMutex
	invalidator Invalidator

	// mu serializes registration and permission changes.
	mu sync.Mutex
}

// NewRegistry creates a registry backed by store. access may be nil, in
// which case no app is considered to have direct host access.
func NewRegistry(store *permstore.Store, mountPoint string, access AccessChecker) (*Registry, error) {
	if store == nil {
		return nil, errors.New("permission store is required")
	}
	if err := store.Load(Table); err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	return &Registry{
		store:      store,
		mountPoint: filepath.Clean(mountPoint),
		access:     access,
	}, nil
}

// SetInvalidator wires the filesystem that must hear about changes.
func (r *Registry) SetInvalidator(inv Invalidator) {
	r.invMu.Lock()
	r.invalidator = inv
	r.invMu.Unlock()
}

func (r *Registry) invalidate(id string, apps []string) {
	r.invMu.RLock()
	inv := r.invalidator
	r.invMu.RUnlock()
	if inv != nil {
		inv.InvalidateDocument(id, apps)
	}
}

// MountPoint returns where documents are exposed.
func (r *Registry) MountPoint() string {
	return r.mountPoint
}

// Store returns the backing permission store.
func (r *Registry) Store() *permstore.Store {
	return r.store
}

// =============================================================================
// Queries used by the filesystem
// =============================================================================

func decodeRecord(id string, e *permstore.Entry) (*types.Document, error) {
	var rec record
	if err := codec.Unmarshal(e.Data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt document %s: %w", id, err)
	}
	return &types.Document{
		ID:           id,
		Path:         rec.Path,
		ParentDevice: rec.ParentDev,
		ParentInode:  rec.ParentIno,
		Flags:        rec.Flags,
	}, nil
}

// Document returns a registered document.
func (r *Registry) Document(id string) (*types.Document, error) {
	e, err := r.store.Lookup(Table, id)
	if err != nil {
		if errors.Is(err, permstore.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, types.ErrDocumentNotFound)
		}
		return nil, err
	}
	return decodeRecord(id, &e)
}

// Permissions returns the rights app holds on document id. The empty app
// id is the owner and holds everything; unknown documents yield none.
func (r *Registry) Permissions(id, app string) types.Permissions {
	perms, err := r.store.GetPermission(Table, id, app)
	if err != nil {
		return types.PermNone
	}
	if app == "" {
		return types.PermAll
	}
	return types.PermissionsFromStrings(perms)
}

// DocumentIDs returns every document id.
func (r *Registry) DocumentIDs() []string {
	ids, _ := r.store.List(Table)
	return ids
}

// DocumentsForApp returns the ids of documents app may read.
func (r *Registry) DocumentsForApp(app string) []string {
	var ids []string
	r.store.Entries(Table, func(id string, e *permstore.Entry) {
		if types.PermissionsFromStrings(e.Permissions[app]).Has(types.PermRead) {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

// Apps returns every app holding permissions on some document.
func (r *Registry) Apps() []string {
	seen := make(map[string]struct{})
	r.store.Entries(Table, func(_ string, e *permstore.Entry) {
		for app := range e.Permissions {
			if app != "" {
				seen[app] = struct{}{}
			}
		}
	})
	apps := make([]string, 0, len(seen))
	for app := range seen {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// =============================================================================
// Registration
// =============================================================================

// AddRequest describes a batch registration.
type AddRequest struct {
	// Caller is the app id of the requesting client, empty for the host.
	Caller string
	// Fds are handles to existing files, or directories with AddDirectory.
	Fds []int
	// ParentFd and Name register a possibly missing file by name instead.
	ParentFd int
	Name     string
	Flags    types.AddFlags
	// TargetApp receives Permissions; may be empty.
	TargetApp   string
	Permissions types.Permissions
}

// Add registers a single file for the caller.
func (r *Registry) Add(ctx context.Context, caller string, fd int, reuse, persistent bool) (string, error) {
	ids, err := r.AddFull(ctx, AddRequest{
		Caller: caller,
		Fds:    []int{fd},
		Flags:  legacyFlags(reuse, persistent),
	})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddNamed registers parent/name for the caller; the file need not exist.
func (r *Registry) AddNamed(ctx context.Context, caller string, parentFd int, name string, reuse, persistent bool) (string, error) {
	return r.AddNamedFull(ctx, AddRequest{
		Caller:   caller,
		ParentFd: parentFd,
		Name:     name,
		Flags:    legacyFlags(reuse, persistent),
	})
}

func legacyFlags(reuse, persistent bool) types.AddFlags {
	var f types.AddFlags
	if reuse {
		f |= types.AddReuseExisting
	}
	if persistent {
		f |= types.AddPersistent
	}
	return f
}

// AddFull registers a batch of handles. Either every handle is registered
// or an error is returned. Handles that the target app can already reach
// directly yield an empty id when AddAsNeededByApp is set.
func (r *Registry) AddFull(ctx context.Context, req AddRequest) (ids []string, err error) {
	defer func() { metrics.Documents.WithLabelValues("AddFull", metrics.Result(err)).Inc() }()

	if err := r.checkRequest(&req); err != nil {
		return nil, err
	}
	if len(req.Fds) == 0 {
		return nil, types.InvalidArgument("no file handles given")
	}

	wantDir := req.Flags&types.AddDirectory != 0
	handles := make([]*handleInfo, 0, len(req.Fds))
	for _, fd := range req.Fds {
		h, err := inspectHandle(fd, wantDir, r.mountPoint)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids = make([]string, 0, len(handles))
	for _, h := range handles {
		id, err := r.register(ctx, &req, h)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AddNamedFull is AddFull for a parent handle plus name.
func (r *Registry) AddNamedFull(ctx context.Context, req AddRequest) (id string, err error) {
	defer func() { metrics.Documents.WithLabelValues("AddNamedFull", metrics.Result(err)).Inc() }()

	if err := r.checkRequest(&req); err != nil {
		return "", err
	}
	if req.Flags&types.AddDirectory != 0 {
		return "", types.InvalidArgument("directory flag is not supported for named documents")
	}

	h, err := inspectNamed(req.ParentFd, req.Name, r.mountPoint)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(ctx, &req, h)
}

func (r *Registry) checkRequest(req *AddRequest) error {
	if req.Flags&^types.AddFlagsAll != 0 {
		return types.InvalidArgumentf("unsupported flags %#x", uint32(req.Flags&^types.AddFlagsAll))
	}
	if req.TargetApp != "" && !types.ValidAppID(req.TargetApp) {
		return types.InvalidArgumentf("invalid app id %q", req.TargetApp)
	}
	if req.Permissions&^types.PermAll != 0 {
		return types.InvalidArgument("unsupported permissions")
	}
	return nil
}

// register runs the registration steps for one validated handle.
// r.mu must be held.
func (r *Registry) register(ctx context.Context, req *AddRequest, h *handleInfo) (string, error) {
	reuse := req.Flags&types.AddReuseExisting != 0

	var (
		id    string
		flags types.DocumentFlags
		err   error
	)
	if h.inMount {
		id, flags, err = r.reexport(req, h, reuse)
	} else {
		id, flags, err = r.registerHost(ctx, req, h, reuse)
	}
	if err != nil || id == "" {
		return "", err
	}

	apps := []string{""}
	if req.Caller != "" && req.Caller != req.TargetApp {
		perms := types.PermRead | types.PermGrantPermissions
		if h.writable {
			perms |= types.PermWrite
		}
		if flags&types.DocFlagUnique != 0 {
			perms |= types.PermDelete
		}
		if err := r.addPermissions(ctx, id, req.Caller, perms); err != nil {
			return "", err
		}
		apps = append(apps, req.Caller)
	}
	if req.TargetApp != "" {
		if err := r.addPermissions(ctx, id, req.TargetApp, req.Permissions); err != nil {
			return "", err
		}
		apps = append(apps, req.TargetApp)
	}

	r.invalidate(id, apps)
	return id, nil
}

// registerHost stores the document for a handle outside the mount, or
// finds the one to reuse. An empty id means the target app needs no
// document.
func (r *Registry) registerHost(ctx context.Context, req *AddRequest, h *handleInfo, reuse bool) (string, types.DocumentFlags, error) {
	if req.Permissions.Has(types.PermWrite) && !h.writable {
		return "", 0, types.NotAllowed("cannot grant write access to a read-only handle")
	}

	if req.Flags&types.AddAsNeededByApp != 0 && req.TargetApp != "" && r.access != nil {
		if r.access.CanAccess(req.TargetApp, h.path, req.Permissions.Has(types.PermWrite)) {
			logging.Debug("Target app has direct access", logging.App(req.TargetApp), logging.String("path", h.path))
			return "", 0, nil
		}
	}

	rec := record{
		Path:      h.path,
		ParentDev: h.parentDev,
		ParentIno: h.parentIno,
		Flags:     req.Flags.DocumentFlags(),
	}

	id := ""
	if reuse {
		id = r.findReusable(&rec)
	}
	if id == "" {
		var err error
		id, err = r.newID()
		if err != nil {
			return "", 0, err
		}
		data, err := codec.Marshal(rec)
		if err != nil {
			return "", 0, types.Failed("encode document", err)
		}
		if err := r.store.Put(ctx, Table, true, id, permstore.Entry{
			Data:        data,
			Permissions: types.AppPermissions{},
			Transient:   rec.Flags&types.DocFlagTransient != 0,
		}); err != nil {
			return "", 0, err
		}
		logging.Info("Document registered", logging.Doc(id), logging.String("path", rec.Path),
			logging.Uint64("flags", uint64(rec.Flags)))
	}

	return id, rec.Flags, nil
}

// reexport handles a handle that is itself inside the mount.
func (r *Registry) reexport(req *AddRequest, h *handleInfo, reuse bool) (string, types.DocumentFlags, error) {
	id, rest, ok := idFromMountPath(h.path, r.mountPoint)
	if !ok || len(rest) > 1 {
		return "", 0, types.InvalidArgument("handle does not refer to an exported document")
	}
	doc, err := r.Document(id)
	if err != nil {
		return "", 0, types.InvalidArgument("handle does not refer to an exported document")
	}
	if len(rest) == 1 && rest[0] != filepath.Base(doc.Path) {
		return "", 0, types.InvalidArgument("handle does not refer to an exported document")
	}
	if !reuse {
		return "", 0, types.InvalidArgument("cannot create a document from a document")
	}
	if req.Permissions.Has(types.PermWrite) && !r.Permissions(id, req.Caller).Has(types.PermWrite) {
		return "", 0, types.NotAllowed("no write permission on the existing document")
	}
	return id, doc.Flags, nil
}

// findReusable returns a non-unique document with identical identity.
func (r *Registry) findReusable(rec *record) string {
	found := ""
	r.store.Entries(Table, func(id string, e *permstore.Entry) {
		if found != "" {
			return
		}
		var other record
		if codec.Unmarshal(e.Data, &other) != nil {
			return
		}
		if other.Flags&types.DocFlagUnique == 0 && other == *rec {
			found = id
		}
	})
	return found
}

func (r *Registry) newID() (string, error) {
	return util.RetryOnCollision(util.MaxIDAttempts, func() (string, error) {
		id := fmt.Sprintf("%x", rand.Uint32())
		if _, err := r.store.Lookup(Table, id); err == nil {
			return "", util.ErrCollision
		}
		return id, nil
	})
}

// addPermissions merges perms into app's set.
func (r *Registry) addPermissions(ctx context.Context, id, app string, perms types.Permissions) error {
	old, err := r.store.GetPermission(Table, id, app)
	if err != nil {
		return err
	}
	merged := types.PermissionsFromStrings(old) | perms
	return r.store.SetPermission(ctx, Table, false, id, app, merged.Strings())
}

// =============================================================================
// Permission brokering
// =============================================================================

// GrantPermissions gives app additional permissions on document id. The
// caller must hold grant-permissions as well as every permission granted.
func (r *Registry) GrantPermissions(ctx context.Context, caller, id, app string, perms types.Permissions) (err error) {
	defer func() { metrics.Documents.WithLabelValues("GrantPermissions", metrics.Result(err)).Inc() }()

	if !types.ValidAppID(app) {
		return types.InvalidArgumentf("invalid app id %q", app)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.Document(id); err != nil {
		return types.NotFound("no such document: " + id)
	}
	have := r.Permissions(id, caller)
	if !have.Has(types.PermGrantPermissions) || !have.Has(perms) {
		return types.NotAllowed("not enough permissions")
	}
	if err := r.addPermissions(ctx, id, app, perms); err != nil {
		return err
	}
	logging.Info("Permissions granted", logging.Doc(id), logging.App(app), logging.Strings("perms", perms.Strings()))
	r.invalidate(id, []string{app})
	return nil
}

// RevokePermissions removes permissions of app on document id. The caller
// must hold grant-permissions unless it revokes its own permissions.
func (r *Registry) RevokePermissions(ctx context.Context, caller, id, app string, perms types.Permissions) (err error) {
	defer func() { metrics.Documents.WithLabelValues("RevokePermissions", metrics.Result(err)).Inc() }()

	if !types.ValidAppID(app) {
		return types.InvalidArgumentf("invalid app id %q", app)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.Document(id); err != nil {
		return types.NotFound("no such document: " + id)
	}
	if caller != app && !r.Permissions(id, caller).Has(types.PermGrantPermissions) {
		return types.NotAllowed("not enough permissions")
	}

	old, err := r.store.GetPermission(Table, id, app)
	if err != nil {
		return err
	}
	remaining := types.PermissionsFromStrings(old) &^ perms
	if err := r.store.SetPermission(ctx, Table, false, id, app, remaining.Strings()); err != nil {
		return err
	}
	logging.Info("Permissions revoked", logging.Doc(id), logging.App(app), logging.Strings("perms", perms.Strings()))
	r.invalidate(id, []string{app})
	return nil
}

// Delete removes document id. The caller must hold delete.
func (r *Registry) Delete(ctx context.Context, caller, id string) (err error) {
	defer func() { metrics.Documents.WithLabelValues("Delete", metrics.Result(err)).Inc() }()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.store.Lookup(Table, id)
	if err != nil {
		return types.NotFound("no such document: " + id)
	}
	if !r.Permissions(id, caller).Has(types.PermDelete) {
		return types.NotAllowed("not enough permissions")
	}
	if err := r.store.Delete(ctx, Table, id); err != nil {
		return err
	}

	apps := append([]string{""}, e.Permissions.Apps()...)
	logging.Info("Document deleted", logging.Doc(id))
	r.invalidate(id, apps)

	r.invMu.RLock()
	inv := r.invalidator
	r.invMu.RUnlock()
	if inv != nil {
		inv.DocumentDeleted(id)
	}
	return nil
}

// =============================================================================
// Lookups
// =============================================================================

// Lookup returns the id of the document registered for path, or "" when
// there is none. Only unsandboxed callers may look up paths.
func (r *Registry) Lookup(caller, path string) (string, error) {
	if caller != "" {
		return "", types.NotAllowed("not allowed in sandbox")
	}
	path = filepath.Clean(path)

	if underMount(path, r.mountPoint) {
		id, _, ok := idFromMountPath(path, r.mountPoint)
		if !ok {
			return "", nil
		}
		if _, err := r.Document(id); err != nil {
			return "", nil
		}
		return id, nil
	}

	found := ""
	r.store.Entries(Table, func(id string, e *permstore.Entry) {
		if found != "" {
			return
		}
		var rec record
		if codec.Unmarshal(e.Data, &rec) == nil && rec.Path == path {
			found = id
		}
	})
	return found, nil
}

// Info returns the path of document id and the permissions per app. A
// sandboxed caller sees only its own permissions and needs read access.
func (r *Registry) Info(caller, id string) (*types.DocumentInfo, error) {
	e, err := r.store.Lookup(Table, id)
	if err != nil {
		return nil, types.NotFound("no such document: " + id)
	}
	doc, err := decodeRecord(id, &e)
	if err != nil {
		return nil, types.Failed("read document", err)
	}

	info := &types.DocumentInfo{Path: doc.Path, Permissions: map[string][]string{}}
	if caller == "" {
		for app, perms := range e.Permissions {
			info.Permissions[app] = append([]string(nil), perms...)
		}
		return info, nil
	}
	perms := types.PermissionsFromStrings(e.Permissions[caller])
	if !perms.Has(types.PermRead) {
		return nil, types.NotFound("no such document: " + id)
	}
	info.Permissions[caller] = perms.Strings()
	return info, nil
}

// List returns id to path for the documents app has permissions on, or
// all documents when app is empty. Sandboxed callers only list their own.
func (r *Registry) List(caller, app string) (map[string]string, error) {
	if caller != "" {
		app = caller
	}
	out := make(map[string]string)
	r.store.Entries(Table, func(id string, e *permstore.Entry) {
		if app != "" {
			if _, ok := e.Permissions[app]; !ok {
				return
			}
		}
		var rec record
		if codec.Unmarshal(e.Data, &rec) == nil {
			out[id] = rec.Path
		}
	})
	return out, nil
}
