package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/tools"
)

// StatusSource reports worker-pool state for /healthz.
type StatusSource interface {
	Status() engine.Status
}

type Config struct {
	Store   *persistence.Store
	Catalog *tools.Catalog
	Bus     *bus.Bus
	Engine  StatusSource

	// AuthToken guards /ws and /api. Empty rejects every guarded request.
	AuthToken string

	// AllowOrigins lists accepted Origin patterns for cross-origin
	// WebSockets. Empty means same-origin only.
	AllowOrigins []string

	RateLimitPerMinute int
	RateLimitBurst     int
	MaxBodyBytes       int64

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		clients: map[*client]struct{}{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	s.limiter = NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	return s
}

// Limiter exposes the rate limiter so the caller can start eviction.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("/ws", s.requireAuth(http.HandlerFunc(s.handleWS)))
	mux.Handle("GET /api/tools", s.requireAuth(http.HandlerFunc(s.handleAPITools)))
	mux.Handle("POST /api/tools/{name}", s.requireAuth(http.HandlerFunc(s.handleAPICall)))
	mux.Handle("GET /api/tasks", s.requireAuth(http.HandlerFunc(s.handleAPITasks)))
	mux.Handle("GET /api/tasks/{id}", s.requireAuth(http.HandlerFunc(s.handleAPITask)))
	mux.Handle("GET /api/tasks/{id}/events", s.requireAuth(http.HandlerFunc(s.handleTaskStream)))
	return s.limiter.Wrap(requestSizeLimit(s.cfg.MaxBodyBytes)(mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.cfg.Store != nil && s.cfg.Store.DB().PingContext(ctx) == nil
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	if dbOK {
		if counts, err := s.cfg.Store.TaskCounts(ctx); err == nil {
			payload["tasks"] = counts
		} else {
			payload["healthy"] = false
			dbOK = false
		}
	}
	if s.cfg.Engine != nil {
		payload["engine"] = s.cfg.Engine.Status()
	}
	if s.cfg.Bus != nil {
		payload["bus_dropped"] = s.cfg.Bus.Dropped()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// --- REST API handlers ---

func (s *Server) handleAPITools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.cfg.Catalog.Definitions()})
}

func (s *Server) handleAPICall(w http.ResponseWriter, r *http.Request) {
	args, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	s.callTool(w, r, r.PathValue("name"), args)
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	s.callTool(w, r, tools.ToolListActiveTasks, nil)
}

func (s *Server) handleAPITask(w http.ResponseWriter, r *http.Request) {
	args, _ := json.Marshal(tools.TaskIDInput{TaskID: r.PathValue("id")})
	s.callTool(w, r, tools.ToolGetTaskStatus, args)
}

func (s *Server) callTool(w http.ResponseWriter, r *http.Request, name string, args json.RawMessage) {
	result, err := s.invoke(r.Context(), "http "+name, name, args)
	if err != nil {
		code, status := classify(err)
		writeJSON(w, status, map[string]any{"error": err.Error(), "code": code})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// invoke runs one catalog call under a server span and records its
// duration.
func (s *Server) invoke(ctx context.Context, method, tool string, args json.RawMessage) (result any, err error) {
	start := time.Now()
	ctx, span := otel.StartServerSpan(ctx, s.tracer, method, otel.AttrMethod.String(method))
	defer func() {
		otel.EndSpan(span, err)
		s.cfg.Metrics.RecordRPC(ctx, method, time.Since(start))
	}()
	return s.cfg.Catalog.Call(ctx, tool, args)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestSizeLimit caps request bodies.
func requestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
