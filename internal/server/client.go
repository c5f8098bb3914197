package server

import (
	"context"
	"errors"
	"io"

	"github.com/ajaxzhan/document-portal/internal/codec"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a running portal over its unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the portal socket at path.
func Dial(path string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+path,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.Name)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection. The connection must use the
// CBOR content subtype, which NewClient does not enforce.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, service, method string, req, reply any) error {
	err := c.conn.Invoke(ctx, fullMethod(service, method), req, reply, grpc.CallContentSubtype(codec.Name))
	return FromStatus(err)
}

func (c *Client) documents(ctx context.Context, method string, req, reply any) error {
	return c.call(ctx, DocumentsServiceName, method, req, reply)
}

func (c *Client) store(ctx context.Context, method string, req, reply any) error {
	return c.call(ctx, PermissionStoreServiceName, method, req, reply)
}

// =============================================================================
// Documents
// =============================================================================

// Version returns the Documents interface version.
func (c *Client) Version(ctx context.Context) (uint32, error) {
	var reply VersionReply
	err := c.documents(ctx, "GetVersion", &Empty{}, &reply)
	return reply.Version, err
}

// MountPoint returns where documents are exposed.
func (c *Client) MountPoint(ctx context.Context) (string, error) {
	var reply MountPointReply
	err := c.documents(ctx, "GetMountPoint", &Empty{}, &reply)
	return reply.Path, err
}

// Add registers one file.
func (c *Client) Add(ctx context.Context, req *AddRequest) (string, error) {
	var reply IDReply
	err := c.documents(ctx, "Add", req, &reply)
	return reply.ID, err
}

// AddNamed registers a possibly missing file by parent and name.
func (c *Client) AddNamed(ctx context.Context, req *AddNamedRequest) (string, error) {
	var reply IDReply
	err := c.documents(ctx, "AddNamed", req, &reply)
	return reply.ID, err
}

// AddFull registers a batch of files.
func (c *Client) AddFull(ctx context.Context, req *AddFullRequest) (*AddFullReply, error) {
	var reply AddFullReply
	if err := c.documents(ctx, "AddFull", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// AddNamedFull registers parent/name with full options.
func (c *Client) AddNamedFull(ctx context.Context, req *AddNamedFullRequest) (*AddNamedFullReply, error) {
	var reply AddNamedFullReply
	if err := c.documents(ctx, "AddNamedFull", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// GrantPermissions gives app perms on document id.
func (c *Client) GrantPermissions(ctx context.Context, id, app string, perms []string) error {
	return c.documents(ctx, "GrantPermissions", &PermissionsRequest{ID: id, AppID: app, Permissions: perms}, &Empty{})
}

// RevokePermissions takes perms on document id away from app.
func (c *Client) RevokePermissions(ctx context.Context, id, app string, perms []string) error {
	return c.documents(ctx, "RevokePermissions", &PermissionsRequest{ID: id, AppID: app, Permissions: perms}, &Empty{})
}

// Delete removes document id.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.documents(ctx, "Delete", &IDRequest{ID: id}, &Empty{})
}

// Lookup returns the document id for a host path, or "".
func (c *Client) Lookup(ctx context.Context, path string) (string, error) {
	var reply IDReply
	err := c.documents(ctx, "Lookup", &LookupRequest{Path: path}, &reply)
	return reply.ID, err
}

// Info describes document id.
func (c *Client) Info(ctx context.Context, id string) (*InfoReply, error) {
	var reply InfoReply
	if err := c.documents(ctx, "Info", &IDRequest{ID: id}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// List maps ids to paths for the documents of app, or all when app is "".
func (c *Client) List(ctx context.Context, app string) (map[string]string, error) {
	var reply ListReply
	if err := c.documents(ctx, "List", &ListRequest{AppID: app}, &reply); err != nil {
		return nil, err
	}
	return reply.Documents, nil
}

// =============================================================================
// PermissionStore
// =============================================================================

// StoreList returns the entry ids of table.
func (c *Client) StoreList(ctx context.Context, table string) ([]string, error) {
	var reply IDsReply
	err := c.store(ctx, "List", &TableRequest{Table: table}, &reply)
	return reply.IDs, err
}

// StoreLookup returns one entry.
func (c *Client) StoreLookup(ctx context.Context, table, id string) (*EntryReply, error) {
	var reply EntryReply
	if err := c.store(ctx, "Lookup", &EntryRequest{Table: table, ID: id}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// StoreSet replaces an entry.
func (c *Client) StoreSet(ctx context.Context, req *SetRequest) error {
	return c.store(ctx, "Set", req, &Empty{})
}

// StoreSetValue replaces the data of an entry.
func (c *Client) StoreSetValue(ctx context.Context, req *SetValueRequest) error {
	return c.store(ctx, "SetValue", req, &Empty{})
}

// StoreSetPermission replaces the permissions of one app.
func (c *Client) StoreSetPermission(ctx context.Context, req *SetPermissionRequest) error {
	return c.store(ctx, "SetPermission", req, &Empty{})
}

// StoreGetPermission returns the permissions of one app.
func (c *Client) StoreGetPermission(ctx context.Context, table, id, app string) ([]string, error) {
	var reply PermissionReply
	err := c.store(ctx, "GetPermission", &AppEntryRequest{Table: table, ID: id, AppID: app}, &reply)
	return reply.Permissions, err
}

// StoreDeletePermission removes one app from an entry.
func (c *Client) StoreDeletePermission(ctx context.Context, table, id, app string) error {
	return c.store(ctx, "DeletePermission", &AppEntryRequest{Table: table, ID: id, AppID: app}, &Empty{})
}

// StoreDelete removes an entry.
func (c *Client) StoreDelete(ctx context.Context, table, id string) error {
	return c.store(ctx, "Delete", &EntryRequest{Table: table, ID: id}, &Empty{})
}

// WatchChanges calls fn for every change to table until ctx is done or
// the stream fails. An empty table watches all tables.
func (c *Client) WatchChanges(ctx context.Context, table string, fn func(*ChangedEvent)) error {
	stream, err := c.conn.NewStream(ctx, &watchChangesStream,
		fullMethod(PermissionStoreServiceName, watchChangesStream.StreamName),
		grpc.CallContentSubtype(codec.Name))
	if err != nil {
		return FromStatus(err)
	}
	if err := stream.SendMsg(&TableRequest{Table: table}); err != nil {
		return FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return FromStatus(err)
	}
	for {
		ev := new(ChangedEvent)
		if err := stream.RecvMsg(ev); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return ctx.Err()
			}
			return FromStatus(err)
		}
		fn(ev)
	}
}
