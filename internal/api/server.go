// Package api serves the read-only query surface over the observation
// store, plus health and Prometheus endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sonde_relay/internal/sonde"
	"sonde_relay/internal/storage"
)

// Config holds the HTTP listener settings.
type Config struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{Listen: ":8080"}
}

// Server is the query surface.
type Server struct {
	store  storage.Store
	logger *slog.Logger
	srv    *http.Server
}

// New builds the server and its routes.
func New(cfg Config, store storage.Store, reg *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		logger: logger.With("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/data", s.handleData)
	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/sondes/{serial}", s.handleSonde)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// sondeView is the /data row shape consumed by the map front end.
type sondeView struct {
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	Alt        *float64 `json:"alt"`
	Speed      *float64 `json:"speed"`
	Dir        *int     `json:"dir"`
	Type       string   `json:"type"`
	Ser        string   `json:"ser"`
	Time       *string  `json:"time"`
	Sats       *int     `json:"sats"`
	Freq       *float64 `json:"freq"`
	RSSI       *float64 `json:"rssi"`
	VS         *float64 `json:"vs"`
	HS         *float64 `json:"hs"`
	Climb      *float64 `json:"climb"`
	Temp       *float64 `json:"temp"`
	Humidity   *float64 `json:"humidity"`
	Frame      *int64   `json:"frame"`
	VFrame     int64    `json:"vframe"`
	LaunchSite string   `json:"launchsite"`
	Batt       *float64 `json:"batt"`
}

// handleData returns the latest observation per device with a position,
// with altitude and climb rounded to one decimal, heading to a whole
// degree and frequency in MHz.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	latest, err := s.store.LatestPerDevice(r.Context())
	if err != nil {
		s.logger.Error("latest per device", "error", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	views := make([]sondeView, 0, len(latest))
	for _, obs := range latest {
		views = append(views, toView(&obs))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSonde(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	obs, err := s.store.LatestBySerial(r.Context(), serial)
	if err != nil {
		s.logger.Error("latest by serial", "ser", serial, "error", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	if obs == nil {
		http.Error(w, "unknown serial", http.StatusNotFound)
		return
	}
	s.writeJSON(w, toView(obs))
}

func toView(obs *sonde.Observation) sondeView {
	v := sondeView{
		Lat:        obs.Lat,
		Lon:        obs.Lon,
		Speed:      obs.Speed,
		Type:       obs.Type,
		Ser:        obs.Serial,
		Sats:       obs.Sats,
		VS:         obs.VS,
		HS:         obs.HS,
		Climb:      obs.Climb,
		Temp:       obs.Temp,
		Humidity:   obs.Humidity,
		Frame:      obs.Frame,
		VFrame:     obs.VFrame,
		LaunchSite: obs.LaunchSite,
		Batt:       obs.Batt,
	}
	if obs.Alt != nil {
		v.Alt = round1(*obs.Alt)
	}
	if obs.Dir != nil {
		dir := int(math.Round(*obs.Dir))
		v.Dir = &dir
	}
	if obs.Time != 0 {
		ts := time.Unix(obs.Time, 0).Format("2006-01-02 15:04:05")
		v.Time = &ts
	}
	if obs.Freq != nil && *obs.Freq > 0 {
		mhz := math.Round(*obs.Freq/1e6*1000) / 1000
		v.Freq = &mhz
	}
	return v
}

func round1(v float64) *float64 {
	r := math.Round(v*10) / 10
	return &r
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone by now, nothing left to do but note it.
		s.logger.Debug("encode response", "error", err)
	}
}
