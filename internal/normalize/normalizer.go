// Package normalize converts raw decoder messages into canonical
// observations, applying per-device sticky overrides learned from earlier
// frames of the same sonde.
package normalize

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"sonde_relay/internal/sonde"
)

// HistoryLookup is the one store query the normalizer needs: the most recent
// persisted observation for a serial, ordered by vframe descending. Used to
// seed the RS41 subtype cache after a restart.
type HistoryLookup interface {
	LatestBySerial(ctx context.Context, serial string) (*sonde.Observation, error)
}

// StickyCache holds the two independently-sticky per-serial fields.
// Transmitter frequency never changes mid-flight but decoders omit it on
// later frames, so the first value observed for a serial wins. The RS41
// subtype sticks because only some firmware frames carry it.
// Lifecycle: process-wide, created at startup, never persisted.
type StickyCache struct {
	mu      sync.Mutex
	freq    map[string]float64 // serial -> first observed frequency, Hz
	subtype map[string]string  // serial -> last known RS41-* subtype
}

// NewStickyCache creates an empty sticky cache.
func NewStickyCache() *StickyCache {
	return &StickyCache{
		freq:    make(map[string]float64),
		subtype: make(map[string]string),
	}
}

// Frequency returns the sticky frequency for serial, recording observed as
// the sticky value first if none is cached yet. Returns nil when neither a
// cached nor an observed value exists.
func (c *StickyCache) Frequency(serial string, observed *float64) *float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.freq[serial]; ok {
		return &f
	}
	// Decoders report 0 for a frequency they failed to read; caching it
	// would lock out the real value on later frames.
	if observed != nil && *observed > 0 {
		c.freq[serial] = *observed
		v := *observed
		return &v
	}
	return nil
}

// Subtype returns the cached RS41 subtype for serial.
func (c *StickyCache) Subtype(serial string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subtype[serial]
	return sub, ok
}

// PutSubtype records a specific RS41 subtype for serial.
func (c *StickyCache) PutSubtype(serial, subtype string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subtype[serial] = subtype
}

// Normalizer builds canonical observations from raw messages.
type Normalizer struct {
	sticky  *StickyCache
	history HistoryLookup
	now     func() time.Time
}

// New creates a normalizer. history may be nil when no persisted state
// exists (tests); the subtype cache then starts cold.
func New(sticky *StickyCache, history HistoryLookup) *Normalizer {
	return &Normalizer{
		sticky:  sticky,
		history: history,
		now:     time.Now,
	}
}

// Normalize converts one raw message into the canonical observation for the
// given serial. Pure except for the sticky-state reads/writes: normalizing
// the same message twice yields identical observations.
func (n *Normalizer) Normalize(ctx context.Context, msg *sonde.RawMessage, serial string) *sonde.Observation {
	tsMillis := msg.TimestampMillis(n.now())

	lat, lon, alt := msg.Position()
	hs := msg.HorizontalSpeed()
	vs := msg.VerticalSpeed()

	obs := &sonde.Observation{
		Serial:     serial,
		Type:       n.deviceType(ctx, msg, serial),
		Time:       tsMillis / 1000,
		VFrame:     tsMillis,
		Lat:        lat,
		Lon:        lon,
		Alt:        alt,
		Speed:      round1Scaled(hs, 3.6),
		Dir:        msg.Heading(),
		VS:         vs,
		HS:         hs,
		Climb:      round1Scaled(vs, 1),
		Sats:       msg.SatCount(),
		Freq:       n.sticky.Frequency(serial, msg.Frequency()),
		Temp:       msg.Temperature(),
		Humidity:   msg.RelativeHumidity(),
		Batt:       msg.BatteryVoltage(),
		Frame:      msg.Data.Frame,
		LaunchSite: msg.Data.ID,
	}
	return obs
}

// deviceType derives the persisted device-type label.
//
// RS41 sondes report a generic "RS41" tag on most frames and the specific
// hardware subtype ("RS41-SGP") only occasionally. A frame that carries the
// specific subtype promotes it and updates the sticky value; a generic frame
// reuses the sticky value, falling back to the last persisted observation
// when the cache is cold (restart). DFM sondes persist the cleaned subtype
// instead of the generic tag.
func (n *Normalizer) deviceType(ctx context.Context, msg *sonde.RawMessage, serial string) string {
	sondeType := msg.Data.Type
	model := msg.CleanSubtype()

	if sondeType == "DFM" {
		if model != "" {
			return model
		}
		return sondeType
	}

	if sondeType == "RS41" && model != "" && strings.HasPrefix(model, "RS41") {
		n.sticky.PutSubtype(serial, model)
		return model
	}

	if sondeType == "RS41" {
		if sub, ok := n.sticky.Subtype(serial); ok {
			return sub
		}
		if n.history != nil {
			last, err := n.history.LatestBySerial(ctx, serial)
			if err == nil && last != nil && strings.HasPrefix(last.Type, "RS41-") {
				n.sticky.PutSubtype(serial, last.Type)
				return last.Type
			}
		}
	}

	return sondeType
}

// round1Scaled divides v by div and rounds to one decimal. Horizontal speed
// uses div 3.6, matching the decoder convention this feed has always used.
func round1Scaled(v *float64, div float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v/div*10) / 10
	return &r
}
