// Package dashboard serves a read-only JSON view of the bot and its metrics.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/broker"
	"github.com/eddiefleurent/dunder_condor/internal/models"
	"github.com/eddiefleurent/dunder_condor/internal/safety"
	"github.com/eddiefleurent/dunder_condor/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Status is a point-in-time copy of the bot's state. Day is owned by the
// receiver; sources must hand out a copy.
type Status struct {
	UpdatedAt  time.Time           `json:"updated_at"`
	Day        *models.DailyState  `json:"day"`
	Mode       string              `json:"mode"`
	Phase      models.Phase        `json:"phase"`
	HaltReason string              `json:"halt_reason,omitempty"`
	Breaker    broker.BreakerState `json:"circuit_breaker"`
	Critical   safety.FlagState    `json:"critical_flag"`
	Trend      models.TrendState   `json:"trend"`
	Unrealized float64             `json:"unrealized_pnl"`
	Capital    float64             `json:"capital_deployed"`
	ROC        float64             `json:"roc"`
	ROCTrusted bool                `json:"roc_trusted"`
	Halted     bool                `json:"halted"`
}

// Source supplies status snapshots.
type Source interface {
	Status() Status
}

// Config holds the listener settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	source    Source
	journal   storage.Journal
	gatherer  prometheus.Gatherer
	logger    logrus.FieldLogger
	authToken string
	port      int
}

// NewServer builds the router. journal and gatherer may be nil; their routes
// then answer 404.
func NewServer(cfg Config, source Source, journal storage.Journal, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		source:    source,
		journal:   journal,
		gatherer:  gatherer,
		logger:    logger.WithField("component", "dashboard"),
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/state", s.handleState)
	s.router.Get("/api/entries/{id}", s.handleEntry)
	if s.journal != nil {
		s.router.Get("/api/events", s.handleEvents)
	}
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Dashboard request")
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting dashboard server on port %d", s.port)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	status := "healthy"
	if st.Halted {
		status = "halted"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"phase":     st.Phase,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Status())
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st := s.source.Status()
	if st.Day != nil {
		if e := st.Day.EntryByID(id); e != nil {
			s.writeJSON(w, http.StatusOK, e)
			return
		}
		// entries are also addressable by their index within the day
		if idx, err := strconv.Atoi(id); err == nil {
			for _, e := range st.Day.Entries {
				if e.Index == idx {
					s.writeJSON(w, http.StatusOK, e)
					return
				}
			}
		}
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.journal.RecentEvents(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read events")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
