package server

import (
	"net/http"

	"github.com/ajaxzhan/document-portal/internal/logging"
	"github.com/ajaxzhan/document-portal/internal/metrics"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

// gatewayCaller is the identity of REST requests. The gateway is
// read-only and meant for local diagnostics, so it sees the host view.
var gatewayCaller = &Caller{Root: "/"}

// Gateway returns the REST handler: read-only document queries and the
// metrics endpoint.
func (s *Server) Gateway() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		path    string
		handler runtime.HandlerFunc
	}{
		{"/v1/mountpoint", s.handleMountPoint(mux)},
		{"/v1/documents", s.handleList(mux)},
		{"/v1/documents/{id}", s.handleInfo(mux)},
		{"/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			metrics.Handler().ServeHTTP(w, r)
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(http.MethodGet, rt.path, rt.handler); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func writeJSON(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, v any, err error) {
	_, outbound := runtime.MarshalerForRequest(mux, r)
	if err != nil {
		runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
		return
	}
	buf, err := outbound.Marshal(v)
	if err != nil {
		runtime.HTTPError(r.Context(), mux, outbound, w, r, toStatus(err))
		return
	}
	w.Header().Set("Content-Type", outbound.ContentType(v))
	if _, err := w.Write(buf); err != nil {
		logging.Debug("Failed to write REST response", logging.Err(err))
	}
}

func (s *Server) handleMountPoint(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		reply, err := s.documents.GetMountPoint(WithCaller(r.Context(), gatewayCaller), &Empty{})
		writeJSON(mux, w, r, reply, err)
	}
}

func (s *Server) handleList(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		req := &ListRequest{AppID: r.URL.Query().Get("app")}
		reply, err := s.documents.List(WithCaller(r.Context(), gatewayCaller), req)
		writeJSON(mux, w, r, reply, err)
	}
}

func (s *Server) handleInfo(mux *runtime.ServeMux) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		reply, err := s.documents.Info(WithCaller(r.Context(), gatewayCaller), &IDRequest{ID: params["id"]})
		writeJSON(mux, w, r, reply, err)
	}
}
