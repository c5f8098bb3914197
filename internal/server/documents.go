package server

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ajaxzhan/document-portal/internal/document"
	"github.com/ajaxzhan/document-portal/internal/logging"
	"github.com/ajaxzhan/document-portal/pkg/types"
)

// DocumentsService implements DocumentsServer on top of the registry.
type DocumentsService struct {
	registry *document.Registry
	ident    Identifier
}

// NewDocumentsService creates a new DocumentsService.
func NewDocumentsService(reg *document.Registry, ident Identifier) *DocumentsService {
	return &DocumentsService{registry: reg, ident: ident}
}

func (s *DocumentsService) caller(ctx context.Context) (*Caller, error) {
	if c, ok := callerFromContext(ctx); ok {
		return c, nil
	}
	return s.ident.Identify(ctx)
}

func (s *DocumentsService) extra() map[string]string {
	return map[string]string{MountPointKey: s.registry.MountPoint()}
}

// GetVersion implements DocumentsServer.
func (s *DocumentsService) GetVersion(ctx context.Context, _ *Empty) (*VersionReply, error) {
	return &VersionReply{Version: DocumentsVersion}, nil
}

// GetMountPoint implements DocumentsServer.
func (s *DocumentsService) GetMountPoint(ctx context.Context, _ *Empty) (*MountPointReply, error) {
	return &MountPointReply{Path: s.registry.MountPoint()}, nil
}

// Add implements DocumentsServer.
func (s *DocumentsService) Add(ctx context.Context, req *AddRequest) (*IDReply, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	fd, err := openHandle(c, req.Path, req.Writable)
	if err != nil {
		return nil, toStatus(err)
	}
	defer closeAll([]int{fd})

	id, err := s.registry.Add(ctx, c.AppID, fd, req.Reuse, req.Persistent)
	if err != nil {
		logging.Debug("Add failed", logging.App(c.AppID), logging.String("path", req.Path), logging.Err(err))
		return nil, toStatus(err)
	}
	return &IDReply{ID: id}, nil
}

// AddNamed implements DocumentsServer.
func (s *DocumentsService) AddNamed(ctx context.Context, req *AddNamedRequest) (*IDReply, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	fd, err := openHandle(c, req.Parent, req.Writable)
	if err != nil {
		return nil, toStatus(err)
	}
	defer closeAll([]int{fd})

	id, err := s.registry.AddNamed(ctx, c.AppID, fd, req.Name, req.Reuse, req.Persistent)
	if err != nil {
		return nil, toStatus(err)
	}
	return &IDReply{ID: id}, nil
}

// AddFull implements DocumentsServer.
func (s *DocumentsService) AddFull(ctx context.Context, req *AddFullRequest) (*AddFullReply, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	perms, err := types.ParsePermissions(req.Permissions)
	if err != nil {
		return nil, toStatus(err)
	}
	fds, err := openHandles(c, req.Paths, req.Writable)
	if err != nil {
		return nil, toStatus(err)
	}
	defer closeAll(fds)

	ids, err := s.registry.AddFull(ctx, document.AddRequest{
		Caller:      c.AppID,
		Fds:         fds,
		Flags:       types.AddFlags(req.Flags),
		TargetApp:   req.AppID,
		Permissions: perms,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &AddFullReply{IDs: ids, Extra: s.extra()}, nil
}

// AddNamedFull implements DocumentsServer.
func (s *DocumentsService) AddNamedFull(ctx context.Context, req *AddNamedFullRequest) (*AddNamedFullReply, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	perms, err := types.ParsePermissions(req.Permissions)
	if err != nil {
		return nil, toStatus(err)
	}
	fd, err := openHandle(c, req.Parent, req.Writable)
	if err != nil {
		return nil, toStatus(err)
	}
	defer closeAll([]int{fd})

	id, err := s.registry.AddNamedFull(ctx, document.AddRequest{
		Caller:      c.AppID,
		ParentFd:    fd,
		Name:        req.Name,
		Flags:       types.AddFlags(req.Flags),
		TargetApp:   req.AppID,
		Permissions: perms,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &AddNamedFullReply{ID: id, Extra: s.extra()}, nil
}

// GrantPermissions implements DocumentsServer.
func (s *DocumentsService) GrantPermissions(ctx context.Context, req *PermissionsRequest) (*Empty, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	perms, err := types.ParsePermissions(req.Permissions)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.registry.GrantPermissions(ctx, c.AppID, req.ID, req.AppID, perms); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// RevokePermissions implements DocumentsServer.
func (s *DocumentsService) RevokePermissions(ctx context.Context, req *PermissionsRequest) (*Empty, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	perms, err := types.ParsePermissions(req.Permissions)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.registry.RevokePermissions(ctx, c.AppID, req.ID, req.AppID, perms); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// Delete implements DocumentsServer.
func (s *DocumentsService) Delete(ctx context.Context, req *IDRequest) (*Empty, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.registry.Delete(ctx, c.AppID, req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// Lookup implements DocumentsServer. Paths are canonicalized when they
// exist so that symlinked spellings find the same document.
func (s *DocumentsService) Lookup(ctx context.Context, req *LookupRequest) (*IDReply, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if !c.IsHost() {
		return nil, toStatus(types.NotAllowed("not allowed in sandbox"))
	}
	if !filepath.IsAbs(req.Path) {
		return nil, toStatus(types.InvalidArgumentf("path must be absolute: %q", req.Path))
	}
	path := req.Path
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	} else if !os.IsNotExist(err) {
		return nil, toStatus(types.InvalidArgumentf("cannot resolve %s: %v", path, err))
	}

	id, err := s.registry.Lookup(c.AppID, path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &IDReply{ID: id}, nil
}

// Info implements DocumentsServer.
func (s *DocumentsService) Info(ctx context.Context, req *IDRequest) (*InfoReply, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	info, err := s.registry.Info(c.AppID, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &InfoReply{Path: info.Path, Permissions: info.Permissions}, nil
}

// List implements DocumentsServer.
func (s *DocumentsService) List(ctx context.Context, req *ListRequest) (*ListReply, error) {
	c, err := s.caller(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	docs, err := s.registry.List(c.AppID, req.AppID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListReply{Documents: docs}, nil
}
