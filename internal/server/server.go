package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PhucNguyen204/threat-match/internal/indicators"
	"github.com/PhucNguyen204/threat-match/internal/logging"
	ir "github.com/PhucNguyen204/threat-match/threat_match"
	"github.com/PhucNguyen204/threat-match/threat_match/compiler"
)

// AppServer serves threat mapping compilation over HTTP. The store is
// optional; without it /compile-stored answers 503.
type AppServer struct {
	store indicators.Store
	log   *zap.SugaredLogger
	cfg   ir.CompilerConfig
	now   func() time.Time

	mu      sync.RWMutex // protects mapping swap
	mapping *compiler.MappingFile
}

func NewAppServer(store indicators.Store, log *zap.SugaredLogger, cfg ir.CompilerConfig) *AppServer {
	if log == nil {
		log = logging.Nop()
	}
	return &AppServer{store: store, log: log, cfg: cfg, now: time.Now}
}

// SetMapping installs the mapping used by requests that do not carry one.
func (s *AppServer) SetMapping(mf compiler.MappingFile) {
	s.mu.Lock()
	s.mapping = &mf
	s.mu.Unlock()
	s.log.Infow("threat mapping installed", "rules", len(mf.Mapping), "entries", mf.Mapping.EntryCount(), "terms_allowed", mf.Allowed != nil)
}

func (s *AppServer) currentMapping() (compiler.MappingFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mapping == nil {
		return compiler.MappingFile{}, false
	}
	return *s.mapping, true
}

// RegisterRoutes wires HTTP handlers.
func (s *AppServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/threat-match/compile", s.handleCompile)
	mux.HandleFunc("/api/v1/threat-match/compile-stored", s.handleCompileStored)
	mux.HandleFunc("/api/v1/threat-match/evaluate", s.handleEvaluate)
	mux.HandleFunc("/api/v1/threat-match/decode", s.handleDecode)
	mux.HandleFunc("/api/v1/threat-match/indicators", s.handleIngest)
}

// Router returns the routes wrapped with request id and access logging.
func (s *AppServer) Router() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withRequestID(mux)
}

type ctxKey int

const requestIDKey ctxKey = 0

const RequestIDHeader = "X-Request-ID"

func (s *AppServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		s.log.Debugw("request", "request_id", id, "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *AppServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, ok := s.currentMapping()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"mapping": ok,
		"store":   s.store != nil,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	w.WriteHeader(http.StatusMethodNotAllowed)
}
