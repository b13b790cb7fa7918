package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"fleet-stats-exporter/internal/cache"
	"fleet-stats-exporter/internal/db"
	"fleet-stats-exporter/internal/models"

	"github.com/gorilla/mux"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	defaultLimit = 100
	maxLimit     = 10000
	riskTTL      = 30 * time.Second
)

// Server represents the API server
type Server struct {
	db     *db.Database
	store  *cache.Store
	router *mux.Router
	memo   *gocache.Cache
	logger *zerolog.Logger
}

// NewServer creates a new API server over the SQLite store and the cache root
func NewServer(database *db.Database, store *cache.Store, logger zerolog.Logger) *Server {
	s := &Server{
		db:     database,
		store:  store,
		router: mux.NewRouter(),
		memo:   gocache.New(riskTTL, 2*riskTTL),
		logger: &logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Cache inventory
	s.router.HandleFunc("/api/v1/windows", s.handleListWindows).Methods("GET")

	// Vehicle endpoints
	s.router.HandleFunc("/api/v1/vehicles", s.handleListVehicles).Methods("GET")
	s.router.HandleFunc("/api/v1/vehicles/{vin}/summary", s.handleVehicleSummary).Methods("GET")

	// Sample endpoints
	s.router.HandleFunc("/api/v1/samples", s.handleQuerySamples).Methods("GET")

	s.router.HandleFunc("/api/v1/risk", s.handleRisk).Methods("GET")
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	s.router.Use(s.loggingMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// InvalidateRisk drops memoized risk listings. The serve command calls it on
// SIGHUP.
func (s *Server) InvalidateRisk() {
	s.memo.Flush()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
	Cached  bool  `json:"cached,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// parseLimit reads a limit query parameter, clamped to maxLimit. Zero means
// the default.
func parseLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	if n == 0 {
		return def, nil
	}
	return min(n, maxLimit), nil
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.CacheEntry{}
	}
	respondWithMeta(w, entries, &meta{Total: len(entries)})
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.db.ListVehicles(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if vehicles == nil {
		vehicles = []models.Vehicle{}
	}
	respondWithMeta(w, vehicles, &meta{Total: len(vehicles)})
}

func (s *Server) handleVehicleSummary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vin := mux.Vars(r)["vin"]

	summary, err := s.db.GetVehicleSummary(r.Context(), vin)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no data found for vehicle")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithMeta(w, summary, &meta{QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleQuerySamples(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	params := r.URL.Query()

	q := models.SampleQuery{
		VIN:      params.Get("vin"),
		StatType: models.StatType(params.Get("stat")),
	}

	var err error
	if q.Limit, err = parseLimit(r, defaultLimit); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := params.Get("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil || q.Offset < 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid offset %q", v))
			return
		}
	}
	if v := params.Get("start_time"); v != "" {
		if q.StartTime, err = time.Parse(time.RFC3339, v); err != nil {
			respondError(w, http.StatusBadRequest, "invalid start_time format (use RFC3339)")
			return
		}
	}
	if v := params.Get("end_time"); v != "" {
		if q.EndTime, err = time.Parse(time.RFC3339, v); err != nil {
			respondError(w, http.StatusBadRequest, "invalid end_time format (use RFC3339)")
			return
		}
	}

	results, err := s.db.QuerySamples(r.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []models.StoredSample{}
	}

	respondWithMeta(w, results, &meta{
		Total:   len(results),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	limit, err := parseLimit(r, 10)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := "risk:" + strconv.Itoa(limit)
	if cached, ok := s.memo.Get(key); ok {
		ranking := cached.([]models.RiskScore)
		respondWithMeta(w, ranking, &meta{Total: len(ranking), Limit: limit, Cached: true})
		return
	}

	ranking, err := s.db.TopRisk(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ranking == nil {
		ranking = []models.RiskScore{}
	}
	s.memo.Set(key, ranking, gocache.DefaultExpiration)

	respondWithMeta(w, ranking, &meta{
		Total:   len(ranking),
		Limit:   limit,
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries, err := s.store.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats["cached_windows"] = len(entries)

	respondJSON(w, http.StatusOK, stats)
}
