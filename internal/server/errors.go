package server

import (
	"context"
	"errors"

	"github.com/ajaxzhan/document-portal/pkg/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errorDomain tags ErrorInfo details produced by this service.
const errorDomain = "document-portal"

var kindCodes = map[types.ErrorKind]codes.Code{
	types.KindFailed:          codes.Internal,
	types.KindInvalidArgument: codes.InvalidArgument,
	types.KindNotFound:        codes.NotFound,
	types.KindExists:          codes.AlreadyExists,
	types.KindNotAllowed:      codes.PermissionDenied,
	types.KindCancelled:       codes.Canceled,
	types.KindWindowDestroyed: codes.Aborted,
}

// toStatus converts err into a gRPC status error carrying the portal error
// kind as ErrorInfo reason.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	kind := types.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		code = codes.Internal
	}
	st := status.New(code, err.Error())
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: string(kind),
		Domain: errorDomain,
	}); derr == nil {
		st = detailed
	}
	return st.Err()
}

// FromStatus converts an RPC error back into a portal error of the same
// kind. Errors that are not status errors are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == errorDomain {
			return types.NewError(types.ErrorKind(info.Reason), st.Message())
		}
	}
	for kind, code := range kindCodes {
		if code == st.Code() && kind != types.KindFailed {
			return types.NewError(kind, st.Message())
		}
	}
	return types.NewError(types.KindFailed, st.Message())
}
