package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/llm-serving/dispatchd/dispatch"
)

// Server is the HTTP surface of the control plane. All scheduler access
// goes through the operation loop; handlers never touch scheduler state
// directly.
type Server struct {
	loop    *Loop
	router  *mux.Router
	limiter *rate.Limiter // token bucket on /dispatch; nil = unlimited

	mDispatchOutcomes *prometheus.CounterVec
}

// New builds the HTTP surface over loop. cfg.RateLimit > 0 enables
// token-bucket limiting on the dispatch endpoint. reg receives the
// server's collectors and backs the /metrics endpoint; nil disables both.
func New(loop *Loop, cfg dispatch.ServerConfig, reg *prometheus.Registry) *Server {
	s := &Server{
		loop:   loop,
		router: mux.NewRouter(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.registerMetrics(reg)

	s.router.HandleFunc("/dispatch", s.handleDispatch).Methods("POST")
	s.router.HandleFunc("/instances/{id}", s.handleAddInstance).Methods("POST")
	s.router.HandleFunc("/instances/{id}", s.handleRemoveInstance).Methods("DELETE")
	s.router.HandleFunc("/snapshot", s.handleUpdateSnapshot).Methods("PUT")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	if reg != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	}
	return s
}

func (s *Server) registerMetrics(reg *prometheus.Registry) {
	s.mDispatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Name:      "http_dispatch_requests_total",
		Help:      "Dispatch API calls by outcome.",
	}, []string{"outcome"})
	if reg == nil {
		return
	}
	reg.MustRegister(s.mDispatchOutcomes)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dispatchd",
		Name:      "fleet_instances",
		Help:      "Instances currently registered with the scheduler.",
	}, func() float64 {
		stats, err := s.loop.Stats(context.Background())
		if err != nil {
			return 0
		}
		return float64(stats.FleetSize)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dispatchd",
		Name:      "eligible_instances",
		Help:      "Instances currently eligible for new-request dispatch.",
	}, func() float64 {
		stats, err := s.loop.Stats(context.Background())
		if err != nil {
			return 0
		}
		return float64(len(stats.Eligible))
	}))
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.mDispatchOutcomes.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	instanceID, err := s.loop.Dispatch(r.Context())
	switch {
	case errors.Is(err, dispatch.ErrNoAvailableInstance):
		s.mDispatchOutcomes.WithLabelValues("no_instance").Inc()
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.mDispatchOutcomes.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.mDispatchOutcomes.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"instance_id": instanceID})
	}
}

func (s *Server) handleAddInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]
	if err := s.loop.AddInstance(r.Context(), instanceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"instance_id": instanceID})
}

func (s *Server) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["id"]
	err := s.loop.RemoveInstance(r.Context(), instanceID)
	var notFound *dispatch.InstanceNotFoundError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"instance_id": instanceID})
	}
}

func (s *Server) handleUpdateSnapshot(w http.ResponseWriter, r *http.Request) {
	var snapshot dispatch.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		writeError(w, http.StatusBadRequest, "malformed snapshot: "+err.Error())
		return
	}
	if err := s.loop.UpdateInstanceInfos(r.Context(), snapshot); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"instances": len(snapshot)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.loop.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Warnf("http: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
