package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/user/go-argo-reconciler/internal/interfaces"
	"github.com/user/go-argo-reconciler/internal/status"
	"github.com/user/go-argo-reconciler/internal/worker"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Manager is the registration interface the server exposes over HTTP.
type Manager interface {
	Register(app interfaces.ManagedApplication) error
	Update(app interfaces.ManagedApplication) error
	Deregister(ctx context.Context, name string, cascade bool) (*status.SyncResult, error)
	Sync(name string) error
	Terminate(name string) (bool, error)
	Suspend(name string) error
	Resume(name string) error
	Get(name string) (worker.ApplicationView, error)
	List() []worker.ApplicationView
	NotifyPush(match func(repoURL string) bool) []string
}

var _ Manager = (*worker.Worker)(nil)

// Server handles HTTP requests for managing applications.
type Server struct {
	manager       Manager
	webhookSecret []byte
	logger        logrus.FieldLogger
	router        *http.ServeMux
}

// NewServer creates a new Server instance and sets up its routes. An empty
// webhookSecret disables signature checks on the push webhook.
func NewServer(manager Manager, webhookSecret string, logger logrus.FieldLogger) *Server {
	s := &Server{
		manager:       manager,
		webhookSecret: []byte(webhookSecret),
		logger:        logger,
		router:        http.NewServeMux(),
	}
	if webhookSecret == "" {
		logger.Warn("No webhook secret configured, push webhooks are accepted unsigned")
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("POST /applications", s.handleRegister())
	s.router.HandleFunc("GET /applications", s.handleList())
	s.router.HandleFunc("GET /applications/{name}", s.handleGet())
	s.router.HandleFunc("PUT /applications/{name}", s.handleUpdate())
	s.router.HandleFunc("DELETE /applications/{name}", s.handleDeregister())
	s.router.HandleFunc("POST /applications/{name}/sync", s.handleSync())
	s.router.HandleFunc("POST /applications/{name}/terminate", s.handleTerminate())
	s.router.HandleFunc("POST /applications/{name}/suspend", s.handleSuspend(true))
	s.router.HandleFunc("POST /applications/{name}/resume", s.handleSuspend(false))
	s.router.HandleFunc("POST /webhooks/git", s.handleWebhook)
	s.router.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on address until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("HTTP server starting on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("could not start HTTP server: %w", err)
	}
}

// handleRegister handles requests to register a new application.
func (s *Server) handleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		app, ok := s.decodeApplication(w, r)
		if !ok {
			return
		}
		if err := s.manager.Register(app); err != nil {
			s.writeError(w, err)
			return
		}
		s.logger.WithField("app", app.Name).Infof("Registered application (URL: %s)", app.Source.RepoURL)
		s.respondWithView(w, app.Name, http.StatusCreated)
	}
}

func (s *Server) handleUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		app, ok := s.decodeApplication(w, r)
		if !ok {
			return
		}
		if app.Name == "" {
			app.Name = name
		}
		if app.Name != name {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("body name %q does not match path name %q", app.Name, name)})
			return
		}
		if err := s.manager.Update(app); err != nil {
			s.writeError(w, err)
			return
		}
		s.respondWithView(w, name, http.StatusOK)
	}
}

func (s *Server) handleList() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.manager.List())
	}
}

func (s *Server) handleGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respondWithView(w, r.PathValue("name"), http.StatusOK)
	}
}

func (s *Server) handleDeregister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		cascade := false
		if v := r.URL.Query().Get("cascade"); v != "" {
			var err error
			cascade, err = strconv.ParseBool(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid cascade value %q", v)})
				return
			}
		}

		res, err := s.manager.Deregister(r.Context(), name, cascade)
		if err != nil {
			s.logger.WithError(err).WithField("app", name).Error("Failed to deregister application")
			writeJSON(w, statusCode(err), errorBody{Error: err.Error(), Result: res})
			return
		}
		s.logger.WithFields(logrus.Fields{"app": name, "cascade": cascade}).Info("Deregistered application")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := s.manager.Sync(name); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"message": "sync queued"})
	}
}

func (s *Server) handleTerminate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		running, err := s.manager.Terminate(r.PathValue("name"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"terminating": running})
	}
}

func (s *Server) handleSuspend(suspend bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		op := s.manager.Resume
		if suspend {
			op = s.manager.Suspend
		}
		if err := op(name); err != nil {
			s.writeError(w, err)
			return
		}
		s.respondWithView(w, name, http.StatusOK)
	}
}

func (s *Server) decodeApplication(w http.ResponseWriter, r *http.Request) (interfaces.ManagedApplication, bool) {
	var app interfaces.ManagedApplication
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&app); err != nil {
		s.logger.WithError(err).Debug("Error decoding request body")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err)})
		return app, false
	}
	return app, true
}

func (s *Server) respondWithView(w http.ResponseWriter, name string, code int) {
	view, err := s.manager.Get(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, code, view)
}

type errorBody struct {
	Error  string             `json:"error"`
	Result *status.SyncResult `json:"result,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// statusCode maps an error category to an HTTP status.
func statusCode(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsAlreadyExists(err), errdefs.IsFailedPrecondition(err), errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsPermissionDenied(err), errdefs.IsUnavailable(err), errdefs.IsResourceExhausted(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
