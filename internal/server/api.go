package server

import (
	"context"

	"google.golang.org/grpc"
)

// Service names and interface versions.
const (
	DocumentsServiceName       = "org.freedesktop.portal.Documents"
	PermissionStoreServiceName = "org.freedesktop.impl.portal.PermissionStore"

	DocumentsVersion       = 4
	PermissionStoreVersion = 2
)

// MountPointKey is the AddFull extra-results key carrying the mount point.
const MountPointKey = "mountpoint"

// =============================================================================
// Documents messages
// =============================================================================

// Empty is a request or reply without fields.
type Empty struct{}

// VersionReply reports the interface version of a service.
type VersionReply struct {
	Version uint32 `json:"version"`
}

// MountPointReply carries the portal mount point.
type MountPointReply struct {
	Path string `json:"path"`
}

// AddRequest registers one file. Paths are absolute and resolved inside the
// caller's root. Writable asks for write access, which is only granted when
// the caller itself can open the file for writing.
type AddRequest struct {
	Path       string `json:"path"`
	Reuse      bool   `json:"reuse"`
	Persistent bool   `json:"persistent"`
	Writable   bool   `json:"writable"`
}

// AddNamedRequest registers Name inside directory Parent.
type AddNamedRequest struct {
	Parent     string `json:"parent"`
	Name       string `json:"name"`
	Reuse      bool   `json:"reuse"`
	Persistent bool   `json:"persistent"`
	Writable   bool   `json:"writable"`
}

// AddFullRequest registers a batch of files or directories and optionally
// grants permissions to another app.
type AddFullRequest struct {
	Paths       []string `json:"paths"`
	Flags       uint32   `json:"flags"`
	AppID       string   `json:"app_id"`
	Permissions []string `json:"permissions"`
	Writable    bool     `json:"writable"`
}

// AddFullReply lists the ids in request order.
type AddFullReply struct {
	IDs   []string          `json:"ids"`
	Extra map[string]string `json:"extra"`
}

// AddNamedFullRequest is AddFullRequest for a parent directory plus name.
type AddNamedFullRequest struct {
	Parent      string   `json:"parent"`
	Name        string   `json:"name"`
	Flags       uint32   `json:"flags"`
	AppID       string   `json:"app_id"`
	Permissions []string `json:"permissions"`
	Writable    bool     `json:"writable"`
}

// AddNamedFullReply carries the new id.
type AddNamedFullReply struct {
	ID    string            `json:"id"`
	Extra map[string]string `json:"extra"`
}

// IDRequest names a document.
type IDRequest struct {
	ID string `json:"id"`
}

// IDReply carries a document id, empty when none applies.
type IDReply struct {
	ID string `json:"id"`
}

// PermissionsRequest grants or revokes permissions of AppID on ID.
type PermissionsRequest struct {
	ID          string   `json:"id"`
	AppID       string   `json:"app_id"`
	Permissions []string `json:"permissions"`
}

// LookupRequest asks for the document registered for a host path.
type LookupRequest struct {
	Path string `json:"path"`
}

// InfoReply describes a document.
type InfoReply struct {
	Path        string              `json:"path"`
	Permissions map[string][]string `json:"permissions"`
}

// ListRequest filters documents by app; empty lists all.
type ListRequest struct {
	AppID string `json:"app_id"`
}

// ListReply maps document ids to host paths.
type ListReply struct {
	Documents map[string]string `json:"documents"`
}

// =============================================================================
// PermissionStore messages
// =============================================================================

// TableRequest names a table.
type TableRequest struct {
	Table string `json:"table"`
}

// IDsReply lists entry ids.
type IDsReply struct {
	IDs []string `json:"ids"`
}

// EntryRequest names one entry.
type EntryRequest struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// EntryReply is one entry. Data is an opaque encoded value.
type EntryReply struct {
	Permissions map[string][]string `json:"permissions"`
	Data        []byte              `json:"data"`
}

// SetRequest replaces an entry.
type SetRequest struct {
	Table       string              `json:"table"`
	Create      bool                `json:"create"`
	ID          string              `json:"id"`
	Permissions map[string][]string `json:"permissions"`
	Data        []byte              `json:"data"`
}

// SetValueRequest replaces the data of an entry.
type SetValueRequest struct {
	Table  string `json:"table"`
	Create bool   `json:"create"`
	ID     string `json:"id"`
	Data   []byte `json:"data"`
}

// SetPermissionRequest replaces the permissions of one app on an entry.
type SetPermissionRequest struct {
	Table       string   `json:"table"`
	Create      bool     `json:"create"`
	ID          string   `json:"id"`
	AppID       string   `json:"app_id"`
	Permissions []string `json:"permissions"`
}

// AppEntryRequest names one app of one entry.
type AppEntryRequest struct {
	Table string `json:"table"`
	ID    string `json:"id"`
	AppID string `json:"app_id"`
}

// PermissionReply lists permission strings.
type PermissionReply struct {
	Permissions []string `json:"permissions"`
}

// ChangedEvent is streamed by WatchChanges for every mutation.
type ChangedEvent struct {
	Table       string              `json:"table"`
	ID          string              `json:"id"`
	Deleted     bool                `json:"deleted"`
	Data        []byte              `json:"data"`
	Permissions map[string][]string `json:"permissions"`
}

// =============================================================================
// Service descriptors
// =============================================================================

// DocumentsServer is the Documents service.
type DocumentsServer interface {
	GetVersion(context.Context, *Empty) (*VersionReply, error)
	GetMountPoint(context.Context, *Empty) (*MountPointReply, error)
	Add(context.Context, *AddRequest) (*IDReply, error)
	AddNamed(context.Context, *AddNamedRequest) (*IDReply, error)
	AddFull(context.Context, *AddFullRequest) (*AddFullReply, error)
	AddNamedFull(context.Context, *AddNamedFullRequest) (*AddNamedFullReply, error)
	GrantPermissions(context.Context, *PermissionsRequest) (*Empty, error)
	RevokePermissions(context.Context, *PermissionsRequest) (*Empty, error)
	Delete(context.Context, *IDRequest) (*Empty, error)
	Lookup(context.Context, *LookupRequest) (*IDReply, error)
	Info(context.Context, *IDRequest) (*InfoReply, error)
	List(context.Context, *ListRequest) (*ListReply, error)
}

// PermissionStoreServer is the PermissionStore service.
type PermissionStoreServer interface {
	GetVersion(context.Context, *Empty) (*VersionReply, error)
	List(context.Context, *TableRequest) (*IDsReply, error)
	Lookup(context.Context, *EntryRequest) (*EntryReply, error)
	Set(context.Context, *SetRequest) (*Empty, error)
	SetValue(context.Context, *SetValueRequest) (*Empty, error)
	SetPermission(context.Context, *SetPermissionRequest) (*Empty, error)
	DeletePermission(context.Context, *AppEntryRequest) (*Empty, error)
	GetPermission(context.Context, *AppEntryRequest) (*PermissionReply, error)
	Delete(context.Context, *EntryRequest) (*Empty, error)
	WatchChanges(*TableRequest, grpc.ServerStream) error
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary builds a method descriptor that decodes Req and dispatches to fn.
func unary[S, Req, Resp any](service, name string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

var documentsServiceDesc = grpc.ServiceDesc{
	ServiceName: DocumentsServiceName,
	HandlerType: (*DocumentsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(DocumentsServiceName, "GetVersion", DocumentsServer.GetVersion),
		unary(DocumentsServiceName, "GetMountPoint", DocumentsServer.GetMountPoint),
		unary(DocumentsServiceName, "Add", DocumentsServer.Add),
		unary(DocumentsServiceName, "AddNamed", DocumentsServer.AddNamed),
		unary(DocumentsServiceName, "AddFull", DocumentsServer.AddFull),
		unary(DocumentsServiceName, "AddNamedFull", DocumentsServer.AddNamedFull),
		unary(DocumentsServiceName, "GrantPermissions", DocumentsServer.GrantPermissions),
		unary(DocumentsServiceName, "RevokePermissions", DocumentsServer.RevokePermissions),
		unary(DocumentsServiceName, "Delete", DocumentsServer.Delete),
		unary(DocumentsServiceName, "Lookup", DocumentsServer.Lookup),
		unary(DocumentsServiceName, "Info", DocumentsServer.Info),
		unary(DocumentsServiceName, "List", DocumentsServer.List),
	},
	Metadata: "document-portal",
}

var watchChangesStream = grpc.StreamDesc{
	StreamName: "WatchChanges",
	Handler: func(srv any, stream grpc.ServerStream) error {
		in := new(TableRequest)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return srv.(PermissionStoreServer).WatchChanges(in, stream)
	},
	ServerStreams: true,
}

var permissionStoreServiceDesc = grpc.ServiceDesc{
	ServiceName: PermissionStoreServiceName,
	HandlerType: (*PermissionStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(PermissionStoreServiceName, "GetVersion", PermissionStoreServer.GetVersion),
		unary(PermissionStoreServiceName, "List", PermissionStoreServer.List),
		unary(PermissionStoreServiceName, "Lookup", PermissionStoreServer.Lookup),
		unary(PermissionStoreServiceName, "Set", PermissionStoreServer.Set),
		unary(PermissionStoreServiceName, "SetValue", PermissionStoreServer.SetValue),
		unary(PermissionStoreServiceName, "SetPermission", PermissionStoreServer.SetPermission),
		unary(PermissionStoreServiceName, "DeletePermission", PermissionStoreServer.DeletePermission),
		unary(PermissionStoreServiceName, "GetPermission", PermissionStoreServer.GetPermission),
		unary(PermissionStoreServiceName, "Delete", PermissionStoreServer.Delete),
	},
	Streams:  []grpc.StreamDesc{watchChangesStream},
	Metadata: "document-portal",
}

// RegisterDocumentsServer registers srv with s.
func RegisterDocumentsServer(s grpc.ServiceRegistrar, srv DocumentsServer) {
	s.RegisterService(&documentsServiceDesc, srv)
}

// RegisterPermissionStoreServer registers srv with s.
func RegisterPermissionStoreServer(s grpc.ServiceRegistrar, srv PermissionStoreServer) {
	s.RegisterService(&permissionStoreServiceDesc, srv)
}
