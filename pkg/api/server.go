// Package api exposes a running flow over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/r3labs/sse/v2"

	"github.com/tcmartin/tbflow/pkg/config"
	"github.com/tcmartin/tbflow/pkg/journal"
	"github.com/tcmartin/tbflow/pkg/loader"
	"github.com/tcmartin/tbflow/pkg/logging"
	"github.com/tcmartin/tbflow/pkg/message"
	"github.com/tcmartin/tbflow/pkg/metrics"
	"github.com/tcmartin/tbflow/pkg/middleware"
	"github.com/tcmartin/tbflow/pkg/operations"
	"github.com/tcmartin/tbflow/pkg/runtime"
	"github.com/tcmartin/tbflow/pkg/services"
)

// EventStream is the SSE stream carrying flow events
const EventStream = "events"

// maxInjectBody bounds the size of an injected message
const maxInjectBody = 1 << 20

// Server represents the HTTP API server
type Server struct {
	config   *config.Config
	router   *mux.Router
	server   *http.Server
	flow     *runtime.Flow
	registry *operations.Registry
	journal  journal.Journal
	logger   logging.Logger

	ws     *WebSocketManager
	sse    *sse.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer creates a new API server for flow. jrnl may be nil.
func NewServer(cfg *config.Config, flow *runtime.Flow, jrnl journal.Journal, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithFields(logging.F("component", "api"))

	events := sse.New()
	events.AutoReplay = false
	events.CreateStream(EventStream)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		router:   mux.NewRouter(),
		flow:     flow,
		registry: operations.Default(),
		journal:  jrnl,
		logger:   logger,
		ws:       NewWebSocketManager(flow.Events(), logger),
		sse:      events,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.setupRoutes()
	go s.pumpEvents(ctx)
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.config.Server.Addr()
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", logging.F("addr", addr))

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	} else {
		err = s.server.ListenAndServe()
	}

	// If the server was shut down gracefully, this error is expected
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully and closes the event streams
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.Close()
	return err
}

// Close stops event delivery to websocket and SSE clients
func (s *Server) Close() {
	s.cancel()
	<-s.done
	s.ws.Close()
	s.sse.Close()
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// API router with version prefix
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Public routes (no authentication required)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/schema", s.handleSchema).Methods(http.MethodGet, http.MethodOptions)

	protected := api.PathPrefix("").Subrouter()
	if s.config.Auth.JWTSecret != "" {
		tokens := services.NewJWTService(s.config.Auth.JWTSecret, s.config.Auth.TokenExpiration)
		protected.Use(middleware.NewAuthMiddleware(tokens).Authenticate)
	}

	// Operation routes
	protected.HandleFunc("/operations", s.handleListOperations).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/operations/{name}", s.handleGetOperation).Methods(http.MethodGet, http.MethodOptions)

	// Node routes
	protected.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/nodes/{id}/inject", s.handleInject).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/nodes/{id}/calls", s.handleListCalls).Methods(http.MethodGet, http.MethodOptions)

	// Event streams
	protected.HandleFunc("/ws", s.ws.HandleWebSocket).Methods(http.MethodGet)
	protected.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics)
	s.router.Use(middleware.CORS)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
		"flow":   s.flow.ID(),
		"nodes":  len(s.flow.Nodes()),
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	io.WriteString(w, loader.FlowSchema)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	var ops []*operations.Operation
	if tag := r.URL.Query().Get("tag"); tag != "" {
		ops = s.registry.ByTag(tag)
	} else {
		ops = s.registry.List()
	}
	if ops == nil {
		ops = []*operations.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	op, ok := s.registry.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown operation '"+name+"'")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.flow.Nodes())
}

// handleInject delivers the request body to a node. A JSON object is used as
// the message; any other JSON value becomes its payload.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	data, err := io.ReadAll(io.LimitReader(r.Body, maxInjectBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	msg := message.New(nil)
	if strings.TrimSpace(string(data)) != "" {
		msg, err = message.Parse(data)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// The dispatch outlives the request
	if err := s.flow.Inject(context.WithoutCancel(r.Context()), id, msg); err != nil {
		if errors.Is(err, runtime.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{message.KeyID: msg.ID()})
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.flow.Node(id); !ok {
		writeError(w, http.StatusNotFound, "node not found: "+id)
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusNotImplemented, "call journal is not configured")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		limit = n
	}

	records, err := s.journal.List(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to list calls", logging.F("node_id", id), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "" {
		q := r.URL.Query()
		q.Set("stream", EventStream)
		r.URL.RawQuery = q.Encode()
	}
	s.sse.ServeHTTP(w, r)
}

// pumpEvents republishes flow events on the SSE stream
func (s *Server) pumpEvents(ctx context.Context) {
	defer close(s.done)

	events, unsubscribe := s.flow.Events().Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("failed to encode event", logging.Err(err))
				continue
			}
			s.sse.Publish(EventStream, &sse.Event{
				Event: []byte(ev.Type),
				Data:  data,
			})
		}
	}
}
