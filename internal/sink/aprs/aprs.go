// Package aprs uploads accepted observations to an APRS-IS server as APRS
// object packets, with a periodic fixed-position station beacon.
package aprs

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"sonde_relay/internal/identity"
	"sonde_relay/internal/sink"
	"sonde_relay/internal/sonde"
)

// Config holds APRS-IS uploader settings.
type Config struct {
	Enabled        bool    `yaml:"enabled"`
	Call           string  `yaml:"call"`
	Pass           string  `yaml:"pass"`
	Server         string  `yaml:"server"`
	Port           int     `yaml:"port"`
	BeaconEnabled  bool    `yaml:"beacon_enabled"`
	BeaconText     string  `yaml:"beacon_text"`
	BeaconSeconds  int     `yaml:"beacon_seconds"`
	UploadSeconds  int     `yaml:"upload_seconds"` // per-serial rate-limit window
	StationLat     float64 `yaml:"station_lat"`
	StationLon     float64 `yaml:"station_lon"`
	ConnectTimeout int     `yaml:"connect_timeout"`
}

// DefaultConfig returns the uploader defaults.
func DefaultConfig() Config {
	return Config{
		Call:           "NOCALL",
		Pass:           "-1",
		Server:         "radiosondy.info",
		Port:           14580,
		BeaconText:     "sonde_relay radiosonde uploader",
		BeaconSeconds:  600,
		UploadSeconds:  20,
		ConnectTimeout: 10,
	}
}

// Client is the APRS-IS sink. It owns a single authenticated session,
// established lazily on first use and torn down on any transport error so
// the next call reconnects.
type Client struct {
	cfg    Config
	logger *slog.Logger
	gate   *sink.SerialGate

	mu         sync.Mutex
	conn       net.Conn
	lastBeacon time.Time

	now  func() time.Time
	dial func(addr string, timeout time.Duration) (net.Conn, error)

	shutdown chan struct{}
	done     chan struct{}
}

// New creates an APRS client. Call Start to run the session keeper.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.UploadSeconds <= 0 {
		cfg.UploadSeconds = 20
	}
	if cfg.BeaconSeconds <= 0 {
		cfg.BeaconSeconds = 600
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "aprs"),
		gate:   sink.NewSerialGate(time.Duration(cfg.UploadSeconds) * time.Second),
		now:    time.Now,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name implements sink.Sink.
func (c *Client) Name() string { return "aprs" }

// Start runs the background session keeper: it holds the connection open
// and emits the station beacon on its interval even when no telemetry
// flows.
func (c *Client) Start() {
	go c.keeper()
}

func (c *Client) keeper() {
	defer close(c.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var retryAt time.Time
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
		}

		now := c.now()
		if now.Before(retryAt) {
			continue
		}

		c.mu.Lock()
		err := c.ensureConnectedLocked()
		if err == nil && c.cfg.BeaconEnabled {
			err = c.maybeBeaconLocked(now)
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Error("session keeper error", "error", err)
			retryAt = now.Add(10 * time.Second)
		}
	}
}

// Send uploads one observation as an APRS object packet. Rate limited per
// serial; a call inside the window is silently dropped. Transport errors
// tear down the session so the next call reconnects.
func (c *Client) Send(_ context.Context, obs *sonde.Observation) error {
	// Decoder placeholder serials must never reach the APRS network,
	// even if an upstream check regresses.
	if obs.Serial == "" || identity.IsPlaceholder(obs.Serial) {
		return nil
	}
	if obs.Lat == nil || obs.Lon == nil || obs.Alt == nil || obs.Time == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(); err != nil {
		return err
	}
	if c.cfg.BeaconEnabled {
		if err := c.maybeBeaconLocked(c.now()); err != nil {
			return err
		}
	}

	if !c.gate.Allow(obs.Serial, c.now()) {
		return nil
	}

	packet := EncodeTelemetry(c.cfg.Call, c.cfg.BeaconText, obs)
	if err := c.writeLocked(packet); err != nil {
		return fmt.Errorf("send telemetry: %w", err)
	}
	c.logger.Info("telemetry sent", "ser", obs.Serial)
	return nil
}

// Flush implements sink.Sink. The APRS sink holds no queue.
func (c *Client) Flush(context.Context) {}

// Close stops the keeper and closes the session.
func (c *Client) Close() error {
	close(c.shutdown)
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	return nil
}

// ensureConnectedLocked establishes the session if absent: TCP connect,
// login line, then a greeting that must start with '#' (APRS-IS servers
// send the banner before the verification status).
func (c *Client) ensureConnectedLocked() error {
	if c.conn != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Server, c.cfg.Port)
	timeout := time.Duration(c.cfg.ConnectTimeout) * time.Second
	conn, err := c.dial(addr, timeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	login := fmt.Sprintf("user %s pass %s vers sonde_relay 1.0\n", c.cfg.Call, c.cfg.Pass)
	_ = conn.SetDeadline(c.now().Add(timeout))
	if _, err := conn.Write([]byte(login)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send login: %w", err)
	}

	greeting, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read greeting: %w", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(greeting), "#") {
		_ = conn.Close()
		return fmt.Errorf("login failed: %q", strings.TrimSpace(greeting))
	}
	_ = conn.SetDeadline(time.Time{})

	c.conn = conn
	c.logger.Info("logged in", "server", addr)
	return nil
}

// maybeBeaconLocked sends the fixed-position beacon when its interval has
// elapsed. A missed interval is skipped, never queued.
func (c *Client) maybeBeaconLocked(now time.Time) error {
	if now.Sub(c.lastBeacon) < time.Duration(c.cfg.BeaconSeconds)*time.Second {
		return nil
	}

	latS, lonS := EncodeLatLon(c.cfg.StationLat, c.cfg.StationLon)
	packet := fmt.Sprintf("%s>APRS,TCPIP*:!%s/%s`%s\n", c.cfg.Call, latS, lonS, c.cfg.BeaconText)
	if err := c.writeLocked(packet); err != nil {
		return fmt.Errorf("send beacon: %w", err)
	}
	c.lastBeacon = now
	c.logger.Info("beacon sent")
	return nil
}

func (c *Client) writeLocked(packet string) error {
	_ = c.conn.SetWriteDeadline(c.now().Add(10 * time.Second))
	if _, err := c.conn.Write([]byte(packet)); err != nil {
		c.teardownLocked()
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Time{})
	return nil
}

func (c *Client) teardownLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// EncodeLatLon formats coordinates in APRS degrees-minutes notation with
// hemisphere letters: ddmm.mmN / dddmm.mmE.
func EncodeLatLon(lat, lon float64) (string, string) {
	latD := int(math.Abs(lat))
	latM := (math.Abs(lat) - float64(latD)) * 60
	latH := "N"
	if lat < 0 {
		latH = "S"
	}

	lonD := int(math.Abs(lon))
	lonM := (math.Abs(lon) - float64(lonD)) * 60
	lonH := "E"
	if lon < 0 {
		lonH = "W"
	}

	return fmt.Sprintf("%02d%05.2f%s", latD, latM, latH),
		fmt.Sprintf("%03d%05.2f%s", lonD, lonM, lonH)
}

// EncodeTelemetry builds the APRS object packet for one observation:
// 9-char object name, HHMMSS timestamp, position, course/speed in knots,
// altitude in feet, and a comment assembled from the optional readings.
func EncodeTelemetry(call, desc string, obs *sonde.Observation) string {
	objectName := obs.Serial
	if len(objectName) > 9 {
		objectName = objectName[:9]
	}

	course := 0
	if obs.Dir != nil {
		// Go's % keeps the sign of the dividend, so fold twice to land
		// in [0,360) for negative headings.
		course = ((int(*obs.Dir) % 360) + 360) % 360
	}
	speedKn := 0
	if obs.Speed != nil {
		// Observation speed is km/h.
		speedKn = int(math.Round(*obs.Speed / 1.852))
	}
	altFt := int(*obs.Alt * 3.28084)

	latS, lonS := EncodeLatLon(*obs.Lat, *obs.Lon)
	timeH := time.Unix(obs.Time, 0).UTC().Format("150405")

	var parts []string
	climb := 0.0
	if obs.Climb != nil {
		climb = *obs.Climb
	}
	parts = append(parts, fmt.Sprintf("Clb=%.1fm/s", climb))
	if obs.Temp != nil {
		parts = append(parts, fmt.Sprintf("t=%.1fC", *obs.Temp))
	}
	if obs.Humidity != nil {
		parts = append(parts, fmt.Sprintf("h=%.1f%%", *obs.Humidity))
	}
	if obs.Freq != nil && *obs.Freq > 0 {
		parts = append(parts, fmt.Sprintf("%.3fMHz", *obs.Freq/1e6))
	}
	if obs.Type != "" {
		parts = append(parts, "Type="+obs.Type)
	}
	if desc != "" {
		parts = append(parts, desc)
	}
	comment := strings.Join(parts, " ")

	return fmt.Sprintf("%s>APRS,TCPIP*:;%-9s*%sh%s/%sO%03d/%03d/A=%06d %s\n",
		call, objectName, timeH, latS, lonS, course, speedKn, altFt, comment)
}
