// Copyright 2025 James Ross
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flyingrobots/etl-sync-pipeline/internal/config"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server is the read-only HTTP sliver of the admin surface: enough for a
// dashboard to poll stats and peek a queue without shelling out to the CLI.
// Mutating operations (purge, replay) stay CLI-only; the purge commands
// additionally require --yes.
type Server struct {
	cfg *config.Config
	rdb *redis.Client
	db  *sqlx.DB
	log *zap.Logger
}

func NewServer(cfg *config.Config, rdb *redis.Client, db *sqlx.DB, log *zap.Logger) *Server {
	return &Server{cfg: cfg, rdb: rdb, db: db, log: log}
}

// Routes builds the mux.Router this server answers on.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/queues/{tier}/{stage}/peek", s.handlePeek).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/queues/{tier}/{stage}/dlq", s.handlePeekDLQ).Methods(http.MethodGet)
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	res, err := GetStats(r.Context(), s.cfg, s.rdb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, res)
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tier, stage, err := ParseTierStage(vars["tier"] + "/" + vars["stage"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := Peek(r.Context(), s.rdb, tier, stage, peekN(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, res)
}

func (s *Server) handlePeekDLQ(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tier, stage, err := ParseTierStage(vars["tier"] + "/" + vars["stage"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := PeekDLQ(r.Context(), s.rdb, tier, stage, peekN(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, res)
}

func peekN(r *http.Request) int64 {
	if v := r.URL.Query().Get("n"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 10
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.log.Warn("admin api request failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
