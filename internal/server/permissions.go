package server

import (
	"context"
	"sync"

	"github.com/ajaxzhan/document-portal/internal/logging"
	"github.com/ajaxzhan/document-portal/internal/permstore"
	"github.com/ajaxzhan/document-portal/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// watchBuffer bounds the changes queued for one slow watcher.
const watchBuffer = 256

// PermissionStoreService implements PermissionStoreServer. The store is a
// host facility; sandboxed callers are refused.
type PermissionStoreService struct {
	store *permstore.Store
	ident Identifier
}

// NewPermissionStoreService creates a new PermissionStoreService.
func NewPermissionStoreService(store *permstore.Store, ident Identifier) *PermissionStoreService {
	return &PermissionStoreService{store: store, ident: ident}
}

func (s *PermissionStoreService) checkHost(ctx context.Context) error {
	c, ok := callerFromContext(ctx)
	if !ok {
		var err error
		if c, err = s.ident.Identify(ctx); err != nil {
			return toStatus(err)
		}
	}
	if !c.IsHost() {
		return toStatus(types.NotAllowed("permission store is not available in a sandbox"))
	}
	return nil
}

// GetVersion implements PermissionStoreServer.
func (s *PermissionStoreService) GetVersion(ctx context.Context, _ *Empty) (*VersionReply, error) {
	return &VersionReply{Version: PermissionStoreVersion}, nil
}

// List implements PermissionStoreServer.
func (s *PermissionStoreService) List(ctx context.Context, req *TableRequest) (*IDsReply, error) {
	if err := s.checkHost(ctx); err != nil {
		return nil, err
	}
	ids, err := s.store.List(req.Table)
	if err != nil {
		return nil, toStatus(err)
	}
	return &IDsReply{IDs: ids}, nil
}

// Lookup implements PermissionStoreServer.
func (s *PermissionStoreService) Lookup(ctx context.Context, req *EntryRequest) (*EntryReply, error) {
	if err := s.checkHost(ctx); err != nil {
		return nil, err
	}
	e, err := s.store.Lookup(req.Table, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EntryReply{Permissions: e.Permissions, Data: e.Data}, nil
}

// Set implements PermissionStoreServer.
func (s *PermissionStoreService) Set(ctx context.Context, req *SetRequest) (*Empty, error) {
	if err := s.checkHost(ctx); err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, req.Table, req.Create, req.ID, req.Permissions, req.Data); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// SetValue implements PermissionStoreServer.
func (s *PermissionStoreService) SetValue(ctx context.Context, req *SetValueRequest) (*Empty, error) {
	if err := s.checkHost(ctx); err != nil {
		return nil, err
	}
	if err := s.store.SetValue(ctx, req.Table, req.Create, req.ID, req.Data); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// SetPermission implements PermissionStoreServer.
func (s *PermissionStoreService) SetPermission(ctx context.Context, req *SetPermissionRequest) (*Empty, error) {
	if err := s.checkHost(ctx); err != nil {
		return nil, err
	}
	if err := s.store.SetPermission(ctx, req.Table, req.Create, req.ID, req.AppID, req.Permissions); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// DeletePermission implements PermissionStoreServer.
func (s *PermissionStoreService) DeletePermission(ctx context.Context, req *AppEntryRequest) (*Empty, error) {
	if err := s.checkHost(ctx); err != nil {
		return nil, err
	}
	if err := s.store.DeletePermission(ctx, req.Table, req.ID, req.AppID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// GetPermission implements PermissionStoreServer.
func (s *PermissionStoreService) GetPermission(ctx context.Context, req *AppEntryRequest) (*PermissionReply, error) {
	if err := s.checkHost(ctx); err != nil {
		return nil, err
	}
	perms, err := s.store.GetPermission(req.Table, req.ID, req.AppID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PermissionReply{Permissions: perms}, nil
}

// Delete implements PermissionStoreServer.
func (s *PermissionStoreService) Delete(ctx context.Context, req *EntryRequest) (*Empty, error) {
	if err := s.checkHost(ctx); err != nil {
		return nil, err
	}
	if err := s.store.Delete(ctx, req.Table, req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// WatchChanges implements PermissionStoreServer. An empty table watches
// every table. A watcher that falls behind is disconnected.
func (s *PermissionStoreService) WatchChanges(req *TableRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	if err := s.checkHost(ctx); err != nil {
		return err
	}

	events := make(chan permstore.Change, watchBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	unsubscribe := s.store.Subscribe(func(c permstore.Change) {
		if req.Table != "" && c.Table != req.Table {
			return
		}
		select {
		case events <- c:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-overflow:
			logging.Warn("Dropping slow change watcher", logging.String("table", req.Table))
			return status.Error(codes.ResourceExhausted, "change watcher fell behind")
		case c := <-events:
			ev := &ChangedEvent{
				Table:       c.Table,
				ID:          c.ID,
				Deleted:     c.Deleted,
				Data:        c.Data,
				Permissions: c.Permissions,
			}
			if err := stream.SendMsg(ev); err != nil {
				return err
			}
		}
	}
}
