// Package service implements the Service Facade: the thin HTTP
// binding between the outside world and the Lifecycle
// Engine. It holds no workflow semantics of its own beyond request
// validation, input/output streaming, and per-service submission
// bookkeeping.
package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coreplatform/workflow-orchestrator/internal/apierrors"
	"github.com/coreplatform/workflow-orchestrator/internal/log"
	"github.com/coreplatform/workflow-orchestrator/internal/o11y/metrics"
	"github.com/coreplatform/workflow-orchestrator/internal/objectstore"
	"github.com/coreplatform/workflow-orchestrator/internal/servicedesc"
	"github.com/coreplatform/workflow-orchestrator/internal/workflow"
)

const inputFileField = "input_file"

// Facade binds the HTTP surface to the Lifecycle Engine.
type Facade struct {
	services       *servicedesc.Registry
	store          *objectstore.Store
	engine         *workflow.Engine
	submissions    *submissions
	accessToken    string
	instantRemoval bool
	gracePeriod    time.Duration
	router         chi.Router
}

// Config is everything the facade needs beyond its collaborators.
type Config struct {
	AccessToken    string
	InstantRemoval bool
	GracePeriod    time.Duration
}

// New constructs the facade and builds its router.
func New(services *servicedesc.Registry, store *objectstore.Store, engine *workflow.Engine, cfg Config) *Facade {
	f := &Facade{
		services:       services,
		store:          store,
		engine:         engine,
		submissions:    newSubmissions(),
		accessToken:    cfg.AccessToken,
		instantRemoval: cfg.InstantRemoval,
		gracePeriod:    cfg.GracePeriod,
	}
	f.router = f.buildRouter()
	return f
}

// Router returns the http.Handler serving the facade's HTTP surface.
func (f *Facade) Router() http.Handler { return f.router }

func (f *Facade) buildRouter() chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.RequestID)
	root.Use(middleware.RealIP)
	root.Use(middleware.Recoverer)
	root.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"access-token", "Content-Type"},
	}))

	root.Handle("/metrics", promhttp.Handler())
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	root.Group(func(r chi.Router) {
		r.Use(f.requireAccessToken)

		r.Get("/services/", f.listServices)
		r.Route("/services/{serviceID}", func(r chi.Router) {
			r.Get("/info", f.serviceInfo)
			r.Put("/input/{resource}", f.uploadInput)
			r.Get("/output/{resource}", f.downloadOutput)
			r.Get("/workflow/", f.listWorkflows)
			r.Post("/workflow/execute", f.executeWorkflow)
			r.Post("/workflow/stop/{workflowID}", f.stopWorkflow)
			r.Get("/workflow/status/{workflowID}", f.workflowStatus)
			r.Get("/workflow/results/{workflowID}", f.workflowResults)
		})
	})

	return root
}

func (f *Facade) requireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("access-token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(f.accessToken)) != 1 {
			writeError(w, http.StatusForbidden, "invalid or missing access-token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *Facade) listServices(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ServiceID string     `json:"service_id"`
		ValidFrom *time.Time `json:"valid_from,omitempty"`
		ValidTo   *time.Time `json:"valid_to,omitempty"`
	}

	descs := f.services.List()
	out := make([]entry, 0, len(descs))
	for _, d := range descs {
		out = append(out, entry{ServiceID: d.ServiceID, ValidFrom: d.ValidFrom, ValidTo: d.ValidTo})
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *Facade) serviceInfo(w http.ResponseWriter, r *http.Request) {
	desc, ok := f.services.Get(chi.URLParam(r, "serviceID"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown service")
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (f *Facade) uploadInput(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	resourceName := chi.URLParam(r, "resource")

	desc, ok := f.services.Get(serviceID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown service")
		return
	}
	if _, ok := desc.InputByName(resourceName); !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("resource %q not declared as an input", resourceName))
		return
	}

	file, _, err := r.FormFile(inputFileField)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reading %s: %v", inputFileField, err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reading %s: %v", inputFileField, err))
		return
	}

	if err := f.store.Put(r.Context(), objectstore.InputKey(serviceID, resourceName), data, "application/octet-stream"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *Facade) downloadOutput(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	resourceName := chi.URLParam(r, "resource")

	desc, ok := f.services.Get(serviceID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown service")
		return
	}
	if _, ok := desc.OutputByName(resourceName); !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("resource %q not declared as an output", resourceName))
		return
	}

	ids := f.submissions.listFor(serviceID)
	if len(ids) == 0 {
		writeError(w, http.StatusNotFound, "not produced")
		return
	}
	key := objectstore.OutputKey(serviceID, ids[len(ids)-1], resourceName)

	exists, err := f.store.Stat(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "not produced")
		return
	}

	streamObject(w, r.Context(), f.store, key)
}

func (f *Facade) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, f.submissions.listFor(chi.URLParam(r, "serviceID")))
}

func (f *Facade) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")

	desc, ok := f.services.Get(serviceID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown service")
		return
	}
	if !desc.Valid(time.Now()) {
		writeError(w, http.StatusBadRequest, "service is outside its validity window")
		return
	}

	ctx := r.Context()
	for _, in := range desc.Inputs {
		exists, err := f.store.Stat(ctx, objectstore.InputKey(serviceID, in.Name))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !exists {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("declared input %q has not been uploaded", in.Name))
			return
		}
	}

	workflowID := uuid.NewString()
	f.submissions.record(serviceID, workflowID)
	metrics.WorkflowsSubmittedTotal.WithLabelValues(serviceID).Inc()

	// Submission runs on a background task so the caller gets an
	// immediate workflow id.
	go f.submit(log.WithValues(context.Background(), "workflow_id", workflowID, "service_id", serviceID), serviceID, workflowID, desc)

	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": workflowID})
}

func (f *Facade) submit(ctx context.Context, serviceID, workflowID string, desc *servicedesc.Description) {
	for _, in := range desc.Inputs {
		resource := in
		getData := func(ctx context.Context) ([]byte, error) {
			rc, err := f.store.Get(ctx, objectstore.InputKey(serviceID, resource.Name))
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}

		if err := f.engine.HandleInput(ctx, workflowID, resource, getData); err != nil {
			log.Error(ctx, "handle_input failed, aborting submission", "error", err)
			return
		}
	}

	onFinished := func() {
		names := make([]string, len(desc.Outputs))
		for i, o := range desc.Outputs {
			names[i] = o.Name
		}

		info := workflow.StoreInfo{
			Minio: workflow.MinioInfo{
				Endpoint:  f.store.Config().Endpoint,
				AccessKey: f.store.Config().AccessKey,
				SecretKey: f.store.Config().SecretKey,
				Secure:    f.store.Config().Secure,
			},
			DestinationBucket: f.store.Bucket(),
			DestinationPath:   objectstore.OutputPrefix(serviceID, workflowID),
			ResultDirectory:   desc.WorkflowResource.WorkerOutputDirectory,
			ResultFiles:       names,
		}

		if err := f.engine.StoreResult(ctx, workflowID, info); err != nil {
			log.Error(ctx, "store_result failed", "error", err)
		}

		if !f.instantRemoval {
			time.Sleep(f.gracePeriod)
		}

		if err := f.engine.Cleanup(ctx, workflowID); err != nil {
			log.Error(ctx, "cleanup failed", "error", err)
		}
	}

	if err := f.engine.CommitWorkflow(ctx, workflowID, desc.WorkflowResource, onFinished); err != nil {
		log.Error(ctx, "commit_workflow failed", "error", err)
	}
}

func (f *Facade) stopWorkflow(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	workflowID := chi.URLParam(r, "workflowID")

	if !f.submissions.belongsTo(serviceID, workflowID) {
		writeError(w, http.StatusBadRequest, "unknown workflow id")
		return
	}

	if err := f.engine.StopWorkflow(r.Context(), workflowID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *Facade) workflowStatus(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	workflowID := chi.URLParam(r, "workflowID")

	if !f.submissions.belongsTo(serviceID, workflowID) {
		writeError(w, http.StatusBadRequest, "unknown workflow id")
		return
	}

	verbose := 0
	if v := r.URL.Query().Get("verbose_level"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 2 {
			writeError(w, http.StatusBadRequest, "verbose_level must be 0, 1, or 2")
			return
		}
		verbose = n
	}

	status, logText, err := f.engine.GetStatus(r.Context(), workflowID, verbose)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if verbose == 0 {
		writeJSON(w, http.StatusOK, status)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, logText)
}

func (f *Facade) workflowResults(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	workflowID := chi.URLParam(r, "workflowID")

	if !f.submissions.belongsTo(serviceID, workflowID) {
		writeError(w, http.StatusBadRequest, "unknown workflow id")
		return
	}

	resultFile := r.URL.Query().Get("result_file")
	if resultFile == "" {
		names, err := f.store.List(r.Context(), objectstore.OutputPrefix(serviceID, workflowID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, names)
		return
	}

	key := objectstore.OutputKey(serviceID, workflowID, resultFile)
	exists, err := f.store.Stat(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "not produced")
		return
	}

	streamObject(w, r.Context(), f.store, key)
}

func streamObject(w http.ResponseWriter, ctx context.Context, store *objectstore.Store, key string) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		writeError(w, http.StatusNotFound, "not produced")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func writeEngineError(w http.ResponseWriter, err error) {
	if apierrors.Is(err, apierrors.KindNotFound) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
