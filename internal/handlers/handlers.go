// Package handlers maps the nonefly HTTP API onto the provisioning engine,
// the process supervisor, the registry mirror and the store.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tomyedwab/nonefly/httputils"
	"github.com/tomyedwab/nonefly/instances"
	"github.com/tomyedwab/nonefly/middleware"
	"github.com/tomyedwab/nonefly/storage"
)

type InstanceStore interface {
	SaveInstance(ctx context.Context, name string, instance instances.Instance) (int64, error)
	LoadInstance(ctx context.Context, id int64) (*instances.Instance, error)
	ListInstances(ctx context.Context) ([]storage.InstanceRecord, error)
}

type Provisioner interface {
	Provision(ctx context.Context, instance instances.Instance) error
}

type Launcher interface {
	Start(ctx context.Context, id int64, instance instances.Instance) (instances.StartOutcome, error)
	Status(id int64) (instances.ProcessStatus, bool)
}

type RegistryMirror interface {
	Refresh(ctx context.Context, kind storage.RegistryKind) error
	Entries(ctx context.Context, kind storage.RegistryKind) ([]json.RawMessage, error)
}

type Handlers struct {
	store       InstanceStore
	provisioner Provisioner
	launcher    Launcher
	mirror      RegistryMirror
	logger      *slog.Logger
}

func New(store InstanceStore, provisioner Provisioner, launcher Launcher, mirror RegistryMirror, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:       store,
		provisioner: provisioner,
		launcher:    launcher,
		mirror:      mirror,
		logger:      logger.With("component", "Handlers"),
	}
}

// Register installs every route on mux, wrapped in the default middleware.
func (h *Handlers) Register(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /instance/create", h.HandleCreateInstance},
		{"POST /instance/start", h.HandleStartInstance},
		{"GET /instance/status", h.HandleInstanceStatus},
		{"GET /instance/list", h.HandleListInstances},
		{"GET /update-adapter-index", h.refreshHandler(storage.KindAdapter)},
		{"GET /update-plugin-index", h.refreshHandler(storage.KindPlugin)},
		{"GET /get-adapters", h.entriesHandler(storage.KindAdapter)},
		{"GET /get-plugins", h.entriesHandler(storage.KindPlugin)},
		{"GET /api/status", HandleStatus},
	}
	for _, route := range routes {
		mux.HandleFunc(route.pattern, middleware.ApplyDefault(route.handler, h.logger))
	}
}

type createInstanceRequest struct {
	Name             string `json:"name"`
	WorkingDirectory string `json:"workingDirectory"`
}

// HandleCreateInstance provisions the working directory and only then
// records the instance. The response is the new id.
func (h *Handlers) HandleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := httputils.DecodeJSONBody(r, &req); err != nil {
		httputils.HandleAPIResponse(w, r, nil, err)
		return
	}
	if strings.TrimSpace(req.WorkingDirectory) == "" {
		httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("%w: workingDirectory is required", httputils.ErrBadRequest))
		return
	}

	instance := instances.New(req.WorkingDirectory)
	if err := h.provisioner.Provision(r.Context(), instance); err != nil {
		httputils.HandleAPIResponse(w, r, nil, err)
		return
	}

	id, err := h.store.SaveInstance(r.Context(), req.Name, instance)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err)
		return
	}
	h.logger.Info("Instance created", "id", id, "name", req.Name, "workingDirectory", instance.WorkingDirectory)
	httputils.HandleAPIResponse(w, r, id, nil)
}

type startInstanceRequest struct {
	ID *int64 `json:"id"`
}

// HandleStartInstance launches a stored instance and returns as soon as the
// process is spawned.
func (h *Handlers) HandleStartInstance(w http.ResponseWriter, r *http.Request) {
	var req startInstanceRequest
	if err := httputils.DecodeJSONBody(r, &req); err != nil {
		httputils.HandleAPIResponse(w, r, nil, err)
		return
	}
	if req.ID == nil {
		httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("%w: id is required", httputils.ErrBadRequest))
		return
	}

	instance, err := h.store.LoadInstance(r.Context(), *req.ID)
	if err == nil && instance == nil {
		err = fmt.Errorf("%w: id %d", instances.ErrInstanceNotFound, *req.ID)
	}
	if err != nil {
		httputils.HandleEmptyResponse(w, r, err)
		return
	}

	_, err = h.launcher.Start(r.Context(), *req.ID, *instance)
	httputils.HandleEmptyResponse(w, r, err)
}

// HandleInstanceStatus reports the last known process state of one instance.
func (h *Handlers) HandleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, errors.Join(httputils.ErrBadRequest, err))
		return
	}
	status, ok := h.launcher.Status(id)
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	httputils.HandleAPIResponse(w, r, status, nil)
}

func (h *Handlers) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListInstances(r.Context())
	httputils.HandleAPIResponse(w, r, records, err)
}

func (h *Handlers) refreshHandler(kind storage.RegistryKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputils.HandleEmptyResponse(w, r, h.mirror.Refresh(r.Context(), kind))
	}
}

func (h *Handlers) entriesHandler(kind storage.RegistryKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := h.mirror.Entries(r.Context(), kind)
		if err != nil {
			httputils.HandleAPIResponse(w, r, nil, err)
			return
		}
		httputils.WriteRawArray(w, entries)
	}
}

func HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}
