// Package sondehub uploads accepted observations to the SondeHub v2 API.
// Packets are batched per serial and shipped as JSON PUT requests, with a
// periodic station self-description upload on its own interval.
package sondehub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"sonde_relay/internal/sink"
	"sonde_relay/internal/sonde"
)

const (
	softwareName    = "sonde_relay"
	softwareVersion = "1.0"
)

// Config holds SondeHub uploader settings.
type Config struct {
	Enabled        bool    `yaml:"enabled"`
	URL            string  `yaml:"url"`
	Callsign       string  `yaml:"callsign"`
	Antenna        string  `yaml:"antenna"`
	Email          string  `yaml:"email"`
	StationLat     float64 `yaml:"station_lat"`
	StationLon     float64 `yaml:"station_lon"`
	StationAlt     float64 `yaml:"station_alt"`
	SendOnArrival  bool    `yaml:"send_on_arrival"`
	FlushSeconds   int     `yaml:"flush_seconds"`
	StationSeconds int     `yaml:"station_seconds"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Retries        int     `yaml:"retries"`
	RecentCap      int     `yaml:"recent_cap"`
}

// DefaultConfig returns the uploader defaults.
func DefaultConfig() Config {
	return Config{
		URL:            "https://api.v2.sondehub.org",
		Callsign:       "SONDE-RELAY",
		SendOnArrival:  true,
		FlushSeconds:   5,
		StationSeconds: 21600,
		TimeoutSeconds: 10,
		Retries:        3,
		RecentCap:      5000,
	}
}

// Uploader is the SondeHub sink.
type Uploader struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	recent *sink.RecentSet

	mu          sync.Mutex
	queues      map[string][]map[string]any
	lastStation time.Time

	now       func() time.Time
	onLatency func(seconds float64)

	shutdown chan struct{}
	done     chan struct{}
}

// New creates a SondeHub uploader. Call Start to run the periodic worker.
func New(cfg Config, logger *slog.Logger) *Uploader {
	if cfg.URL == "" {
		cfg.URL = DefaultConfig().URL
	}
	if cfg.FlushSeconds <= 0 {
		cfg.FlushSeconds = 5
	}
	if cfg.StationSeconds <= 0 {
		cfg.StationSeconds = 21600
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &Uploader{
		cfg:      cfg,
		logger:   logger.With("component", "sondehub"),
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		recent:   sink.NewRecentSet(cfg.RecentCap),
		queues:   make(map[string][]map[string]any),
		now:      time.Now,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name implements sink.Sink.
func (u *Uploader) Name() string { return "sondehub" }

// OnUploadLatency registers a hook observing the age of each packet at
// upload time, in seconds.
func (u *Uploader) OnUploadLatency(fn func(seconds float64)) { u.onLatency = fn }

// Start forces an initial station upload and runs the periodic worker
// that flushes queued packets and refreshes the station record.
func (u *Uploader) Start() {
	u.uploadStation(true)
	go u.worker()
}

func (u *Uploader) worker() {
	defer close(u.done)
	ticker := time.NewTicker(time.Duration(u.cfg.FlushSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-u.shutdown:
			return
		case <-ticker.C:
			u.flushAll(context.Background())
			u.uploadStation(false)
		}
	}
}

// Send queues one observation for upload. A (serial, frame) pair already
// in the recent-delivery set is dropped before any HTTP activity. With
// send-on-arrival enabled the serial's queue is shipped immediately,
// otherwise the periodic worker picks it up.
func (u *Uploader) Send(ctx context.Context, obs *sonde.Observation) error {
	if obs.Serial == "" || obs.Lat == nil || obs.Lon == nil || obs.Alt == nil {
		return nil
	}
	if u.recent.Seen(obs.Serial, obs.VFrame) {
		u.logger.Debug("duplicate frame skipped", "ser", obs.Serial, "vframe", obs.VFrame)
		return nil
	}

	packet := u.translate(obs)

	u.mu.Lock()
	u.queues[obs.Serial] = append(u.queues[obs.Serial], packet)
	var batch []map[string]any
	if u.cfg.SendOnArrival {
		batch = u.queues[obs.Serial]
		delete(u.queues, obs.Serial)
	}
	u.mu.Unlock()

	if batch != nil {
		u.uploadBatch(ctx, obs.Serial, batch)
	}
	return nil
}

// Flush ships every queued batch.
func (u *Uploader) Flush(ctx context.Context) {
	u.flushAll(ctx)
}

// Close stops the worker and flushes what remains.
func (u *Uploader) Close() error {
	close(u.shutdown)
	<-u.done
	u.flushAll(context.Background())
	return nil
}

func (u *Uploader) flushAll(ctx context.Context) {
	u.mu.Lock()
	pending := u.queues
	u.queues = make(map[string][]map[string]any)
	u.mu.Unlock()

	for serial, batch := range pending {
		u.uploadBatch(ctx, serial, batch)
	}
}

// uploadBatch PUTs one serial's packets to the telemetry endpoint. The
// API answers 200 for new data and 400/409 for batches it has already
// processed, all of which count as delivered. Retries are immediate, with
// the batch dropped once they are exhausted.
func (u *Uploader) uploadBatch(ctx context.Context, serial string, batch []map[string]any) {
	if len(batch) == 0 {
		return
	}
	sort.Slice(batch, func(i, j int) bool {
		fi, _ := batch[i]["frame"].(int64)
		fj, _ := batch[j]["frame"].(int64)
		return fi < fj
	})

	if u.onLatency != nil {
		for _, pkt := range batch {
			if vframe, ok := pkt["vframe"].(int64); ok {
				age := u.now().Sub(time.UnixMilli(vframe)).Seconds()
				u.onLatency(age)
			}
		}
	}
	for _, pkt := range batch {
		delete(pkt, "vframe")
	}

	body, err := json.Marshal(batch)
	if err != nil {
		u.logger.Error("marshal batch", "ser", serial, "error", err)
		return
	}

	for attempt := 0; attempt < u.cfg.Retries; attempt++ {
		status, err := u.put(ctx, u.cfg.URL+"/sondes/telemetry", body)
		if err != nil {
			u.logger.Error("telemetry upload", "ser", serial, "attempt", attempt+1, "error", err)
			continue
		}
		switch {
		case status == http.StatusOK, status == http.StatusBadRequest, status == http.StatusConflict:
			u.logger.Info("telemetry uploaded", "ser", serial, "packets", len(batch), "status", status)
			return
		case status >= 500:
			u.logger.Warn("telemetry upload server error", "ser", serial, "status", status)
			continue
		default:
			u.logger.Error("telemetry upload rejected", "ser", serial, "status", status)
			return
		}
	}
	u.logger.Error("telemetry upload failed, batch dropped", "ser", serial, "packets", len(batch))
}

// uploadStation PUTs the receiver self-description. Outside of a forced
// upload it runs at most once per station interval.
func (u *Uploader) uploadStation(force bool) {
	u.mu.Lock()
	now := u.now()
	if !force && now.Sub(u.lastStation) < time.Duration(u.cfg.StationSeconds)*time.Second {
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()

	payload := map[string]any{
		"software_name":     softwareName,
		"software_version":  softwareVersion,
		"uploader_callsign": u.cfg.Callsign,
		"uploader_position": []float64{u.cfg.StationLat, u.cfg.StationLon, u.cfg.StationAlt},
		"uploader_radio":    "",
		"uploader_antenna":  u.cfg.Antenna,
		"email":             u.cfg.Email,
		"mobile":            false,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		u.logger.Error("marshal station", "error", err)
		return
	}

	for attempt := 0; attempt < u.cfg.Retries; attempt++ {
		status, err := u.put(context.Background(), u.cfg.URL+"/listeners", body)
		if err != nil {
			u.logger.Error("station upload", "attempt", attempt+1, "error", err)
			continue
		}
		if status == http.StatusOK {
			u.mu.Lock()
			u.lastStation = now
			u.mu.Unlock()
			u.logger.Info("station uploaded")
			return
		}
		if status >= 500 {
			continue
		}
		u.logger.Error("station upload rejected", "status", status)
		return
	}
	u.logger.Error("station upload failed after retries")
}

func (u *Uploader) put(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", softwareName+"-"+softwareVersion)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// Manufacturer families with schema differences on the SondeHub side.
const (
	familyVaisala    = "Vaisala"
	familyGraw       = "Graw"
	familyMeteomodem = "Meteomodem"
)

// dfmDeviceCodes maps Graw DFM subtypes to the numeric device codes the
// aggregator keys the sub-family on.
var dfmDeviceCodes = map[string]int{
	"DFM06":  0x06,
	"DFM09":  0x0A,
	"DFM09P": 0x0B,
	"DFM17":  0x0D,
	"PS-15":  0x07,
}

// translate converts one observation to the aggregator schema. Each
// manufacturer family gets its own serial derivation and packet shape:
// Graw strips the local "D" prefix, reports millisecond datetimes, names
// vertical speed "climb", carries coordinates as a [lat, lon] array and
// attaches the numeric device code; Meteomodem strips the local "ME"
// prefix and reports coordinates as formatted strings; everything else
// uploads verbatim.
func (u *Uploader) translate(obs *sonde.Observation) map[string]any {
	family := familyFor(obs.Type)

	pkt := map[string]any{
		"software_name":     softwareName,
		"software_version":  softwareVersion,
		"uploader_callsign": u.cfg.Callsign,
		"uploader_position": []float64{u.cfg.StationLat, u.cfg.StationLon, u.cfg.StationAlt},
		"time_received":     u.now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		"manufacturer":      family,
		"type":              obs.Type,
		"serial":            sondehubSerial(family, obs.Serial),
		"alt":               *obs.Alt,
		"vframe":            obs.VFrame, // stripped before upload
	}

	switch family {
	case familyGraw:
		pkt["datetime"] = time.UnixMilli(obs.VFrame).UTC().Format("2006-01-02T15:04:05.000Z")
		pkt["position"] = []float64{*obs.Lat, *obs.Lon}
		if code, ok := dfmDeviceCodes[obs.Type]; ok {
			pkt["dfmcode"] = code
		}
	case familyMeteomodem:
		pkt["datetime"] = time.Unix(obs.Time, 0).UTC().Format("2006-01-02T15:04:05.000000Z")
		pkt["lat"] = fmt.Sprintf("%.5f", *obs.Lat)
		pkt["lon"] = fmt.Sprintf("%.5f", *obs.Lon)
	default:
		pkt["datetime"] = time.Unix(obs.Time, 0).UTC().Format("2006-01-02T15:04:05.000000Z")
		pkt["lat"] = *obs.Lat
		pkt["lon"] = *obs.Lon
	}

	if obs.Frame != nil {
		pkt["frame"] = *obs.Frame
	} else {
		pkt["frame"] = obs.VFrame
	}
	if obs.HS != nil {
		pkt["vel_h"] = *obs.HS
	}
	if obs.VS != nil {
		if family == familyGraw {
			pkt["climb"] = *obs.VS
		} else {
			pkt["vel_v"] = *obs.VS
		}
	}
	if obs.Dir != nil {
		pkt["heading"] = *obs.Dir
	}
	if obs.Sats != nil {
		pkt["sats"] = *obs.Sats
	}
	if obs.Temp != nil {
		pkt["temp"] = *obs.Temp
	}
	if obs.Humidity != nil {
		pkt["humidity"] = *obs.Humidity
	}
	if obs.Batt != nil {
		pkt["batt"] = *obs.Batt
	}
	if obs.Freq != nil && *obs.Freq > 0 {
		pkt["frequency"] = math.Round(*obs.Freq/1e6*1000) / 1000
	}
	return pkt
}

func familyFor(deviceType string) string {
	switch {
	case strings.HasPrefix(deviceType, "RS41"), strings.HasPrefix(deviceType, "RS92"):
		return familyVaisala
	case strings.HasPrefix(deviceType, "DFM"), deviceType == "PS-15":
		return familyGraw
	case deviceType == "M10", deviceType == "M20":
		return familyMeteomodem
	default:
		return deviceType
	}
}

// sondehubSerial strips the prefixes this pipeline adds locally but the
// aggregator does not expect.
func sondehubSerial(family, serial string) string {
	switch family {
	case familyGraw:
		return strings.TrimPrefix(serial, "D")
	case familyMeteomodem:
		return strings.TrimPrefix(serial, "ME")
	default:
		return serial
	}
}
