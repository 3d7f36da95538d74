// Package api exposes a narrow operator-facing HTTP surface over the
// instance manager, storage writer, and routing cache: channel point
// snapshots, instance CRUD-adjacent reads, and action dispatch. Library
// github.com/gorilla/mux. No teacher file covers this (the TinyGo firmware
// image has no HTTP surface at all); routes and handler shape follow plain
// net/http conventions, grounded on the domain surface spec.md §4.9
// describes (create/list/paginate/search/load_instance_points/execute_action)
// rather than on any one corpus file.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/fieldmesh/comsrv/errcode"
	"github.com/fieldmesh/comsrv/internal/instance"
	"github.com/fieldmesh/comsrv/internal/model"
	"github.com/fieldmesh/comsrv/internal/storage"
)

// InstanceManager is the subset of instance.Manager the API needs.
// *instance.Manager satisfies this directly.
type InstanceManager interface {
	CreateInstance(ctx context.Context, req instance.CreateRequest) (model.Instance, error)
	DeleteInstance(ctx context.Context, instanceID int64) error
	GetInstance(ctx context.Context, instanceID int64) (model.Instance, error)
	ListInstances(ctx context.Context, productName string) ([]model.Instance, error)
	ListInstancesPaginated(ctx context.Context, productName string, page, pageSize int) (int, []model.Instance, error)
	SearchInstances(ctx context.Context, keyword, productName string, page, pageSize int) (int, []model.Instance, error)
	LoadInstancePoints(ctx context.Context, instanceID int64) (measurements, actions []model.Route, err error)
	ExecuteAction(ctx context.Context, instanceID int64, actionIdx int32, value float64) (instance.ActionResult, error)
	RefreshRouting(ctx context.Context) error
}

// PointReader is the subset of storage.Writer the API needs for channel
// point snapshots.
type PointReader interface {
	GetChannelPoints(ctx context.Context, ch uint16, kind model.Kind) (map[uint32]storage.PointValue, error)
}

// Server wires the HTTP surface onto a gorilla/mux router.
type Server struct {
	router    *mux.Router
	instances InstanceManager
	points    PointReader
	log       *logrus.Entry
}

func New(instances InstanceManager, points PointReader, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{router: mux.NewRouter(), instances: instances, points: points, log: log}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.router.HandleFunc("/channels/{id}/points", s.handleChannelPoints).Methods(http.MethodGet)
	s.router.HandleFunc("/instances", s.handleListInstances).Methods(http.MethodGet)
	s.router.HandleFunc("/instances", s.handleCreateInstance).Methods(http.MethodPost)
	s.router.HandleFunc("/instances/search", s.handleSearchInstances).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{id}", s.handleGetInstance).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{id}", s.handleDeleteInstance).Methods(http.MethodDelete)
	s.router.HandleFunc("/instances/{id}/points", s.handleInstancePoints).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{id}/actions/{idx}", s.handleExecuteAction).Methods(http.MethodPost)
	s.router.HandleFunc("/routing/refresh", s.handleRefreshRouting).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a comsrv error code onto an HTTP status (spec.md §7's
// taxonomy, projected onto the subset api.go actually returns).
func writeError(w http.ResponseWriter, err error) {
	code := errcode.Of(err)
	status := http.StatusInternalServerError
	switch code {
	case errcode.InstanceNotFound, errcode.ProductNotFound, errcode.NoRoute:
		status = http.StatusNotFound
	case errcode.InvalidConfig, errcode.DuplicatePoint, errcode.RoutingAmbiguous:
		status = http.StatusBadRequest
	case errcode.DuplicateName:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

func parseInt64Path(r *http.Request, key string) (int64, bool) {
	v, err := strconv.ParseInt(mux.Vars(r)[key], 10, 64)
	return v, err == nil
}

func parseChannelID(r *http.Request) (uint16, bool) {
	v, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 16)
	return uint16(v), err == nil
}

func (s *Server) handleChannelPoints(w http.ResponseWriter, r *http.Request) {
	chID, ok := parseChannelID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel id"})
		return
	}
	kind := model.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = model.KindTelemetry
	}
	if !kind.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid kind"})
		return
	}
	points, err := s.points.GetChannelPoints(r.Context(), chID, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func paginationParams(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	return page, pageSize
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	product := r.URL.Query().Get("product")
	if r.URL.Query().Get("page") == "" && r.URL.Query().Get("page_size") == "" {
		all, err := s.instances.ListInstances(r.Context(), product)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"instances": all, "total": len(all)})
		return
	}
	page, pageSize := paginationParams(r)
	total, items, err := s.instances.ListInstancesPaginated(r.Context(), product, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": items, "total": total, "page": page, "page_size": pageSize})
}

func (s *Server) handleSearchInstances(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	product := r.URL.Query().Get("product")
	page, pageSize := paginationParams(r)
	total, items, err := s.instances.SearchInstances(r.Context(), keyword, product, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": items, "total": total, "page": page, "page_size": pageSize})
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req instance.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	inst, err := s.instances.CreateInstance(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64Path(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid instance id"})
		return
	}
	inst, err := s.instances.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64Path(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid instance id"})
		return
	}
	if err := s.instances.DeleteInstance(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInstancePoints returns the fully named routing metadata for one
// instance's measurement and action points (spec.md §4.9's
// load_instance_points).
func (s *Server) handleInstancePoints(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64Path(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid instance id"})
		return
	}
	measurements, actions, err := s.instances.LoadInstancePoints(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"measurements": measurements, "actions": actions})
}

type executeActionRequest struct {
	Value float64 `json:"value"`
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64Path(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid instance id"})
		return
	}
	idx, err := strconv.ParseInt(mux.Vars(r)["idx"], 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid action index"})
		return
	}
	var req executeActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	result, err := s.instances.ExecuteAction(r.Context(), id, int32(idx), req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": result.CommandID, "status": result.Outcome})
}

func (s *Server) handleRefreshRouting(w http.ResponseWriter, r *http.Request) {
	if err := s.instances.RefreshRouting(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
