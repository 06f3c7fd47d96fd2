package normalize

import (
	"context"
	"reflect"
	"testing"
	"time"

	"sonde_relay/internal/sonde"
)

func f64(v float64) *float64 { return &v }

// fixedHistory serves one canned observation per serial.
type fixedHistory map[string]*sonde.Observation

func (h fixedHistory) LatestBySerial(_ context.Context, serial string) (*sonde.Observation, error) {
	return h[serial], nil
}

func newTestNormalizer(history HistoryLookup) *Normalizer {
	n := New(NewStickyCache(), history)
	n.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return n
}

func rawMessage() *sonde.RawMessage {
	return &sonde.RawMessage{
		Mode:      sonde.ModeSonde,
		Source:    "abc",
		Timestamp: 1700000000000,
		Lat:       f64(52.5),
		Lon:       f64(13.25),
		Altitude:  f64(1000),
		Speed:     f64(45.0),
		VSpeed:    f64(-2.345),
		Data:      sonde.Fields{Type: "RS41", ID: "V1234567"},
	}
}

func TestNormalizeFields(t *testing.T) {
	n := newTestNormalizer(nil)

	obs := n.Normalize(context.Background(), rawMessage(), "V1234567")

	if obs.Time != 1700000000 {
		t.Errorf("time = %d, want 1700000000", obs.Time)
	}
	if obs.VFrame != 1700000000000 {
		t.Errorf("vframe = %d, want millisecond timestamp", obs.VFrame)
	}
	if obs.Speed == nil || *obs.Speed != 12.5 {
		t.Errorf("speed = %v, want 12.5 (45 / 3.6)", obs.Speed)
	}
	if obs.Climb == nil || *obs.Climb != -2.3 {
		t.Errorf("climb = %v, want -2.3", obs.Climb)
	}
	if obs.VS == nil || *obs.VS != -2.345 {
		t.Errorf("vs = %v, want raw -2.345", obs.VS)
	}
	if obs.HS == nil || *obs.HS != 45.0 {
		t.Errorf("hs = %v, want raw 45", obs.HS)
	}
	if obs.LaunchSite != "V1234567" {
		t.Errorf("launchsite = %q, want raw id passthrough", obs.LaunchSite)
	}
}

func TestNormalizeAbsentStaysAbsent(t *testing.T) {
	n := newTestNormalizer(nil)

	msg := &sonde.RawMessage{
		Mode:      sonde.ModeSonde,
		Source:    "abc",
		Timestamp: 1700000000000,
		Data:      sonde.Fields{Type: "RS41"},
	}
	obs := n.Normalize(context.Background(), msg, "V1234567")

	// Zero is a valid reading, so absence must stay nil, never 0.
	if obs.Speed != nil || obs.Climb != nil || obs.Lat != nil || obs.Freq != nil {
		t.Errorf("absent inputs produced values: %+v", obs)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := newTestNormalizer(nil)

	first := n.Normalize(context.Background(), rawMessage(), "V1234567")
	second := n.Normalize(context.Background(), rawMessage(), "V1234567")
	if !reflect.DeepEqual(first, second) {
		t.Errorf("normalizing twice differs:\n%+v\n%+v", first, second)
	}
}

func TestStickyFrequencyFirstWins(t *testing.T) {
	n := newTestNormalizer(nil)

	msg := rawMessage()
	msg.Freq = (*sonde.FlexFloat64)(f64(403500000))
	obs := n.Normalize(context.Background(), msg, "V1234567")
	if obs.Freq == nil || *obs.Freq != 403500000 {
		t.Fatalf("freq = %v, want 403500000", obs.Freq)
	}

	// A later frame reporting a different frequency keeps the first.
	msg2 := rawMessage()
	msg2.Freq = (*sonde.FlexFloat64)(f64(404100000))
	obs = n.Normalize(context.Background(), msg2, "V1234567")
	if obs.Freq == nil || *obs.Freq != 403500000 {
		t.Errorf("freq = %v, want sticky 403500000", obs.Freq)
	}

	// And a frame omitting it entirely still gets the sticky value.
	obs = n.Normalize(context.Background(), rawMessage(), "V1234567")
	if obs.Freq == nil || *obs.Freq != 403500000 {
		t.Errorf("freq = %v, want sticky 403500000", obs.Freq)
	}
}

func TestStickyFrequencyIgnoresZero(t *testing.T) {
	n := newTestNormalizer(nil)

	// A frame whose frequency decoded to nothing must not poison the
	// sticky cache for the serial.
	msg := rawMessage()
	msg.Freq = (*sonde.FlexFloat64)(f64(0))
	obs := n.Normalize(context.Background(), msg, "V1234567")
	if obs.Freq != nil {
		t.Fatalf("freq = %v, want nil for a zero report", *obs.Freq)
	}

	// The first real report still wins and sticks.
	msg2 := rawMessage()
	msg2.Freq = (*sonde.FlexFloat64)(f64(403500000))
	obs = n.Normalize(context.Background(), msg2, "V1234567")
	if obs.Freq == nil || *obs.Freq != 403500000 {
		t.Errorf("freq after real report = %v, want 403500000", obs.Freq)
	}

	obs = n.Normalize(context.Background(), rawMessage(), "V1234567")
	if obs.Freq == nil || *obs.Freq != 403500000 {
		t.Errorf("freq = %v, want sticky 403500000", obs.Freq)
	}
}

func TestStickyCacheRejectsNonPositive(t *testing.T) {
	c := NewStickyCache()

	if got := c.Frequency("S", f64(0)); got != nil {
		t.Errorf("Frequency(0) = %v, want nil", *got)
	}
	if got := c.Frequency("S", f64(-1)); got != nil {
		t.Errorf("Frequency(-1) = %v, want nil", *got)
	}
	if got := c.Frequency("S", f64(403500000)); got == nil || *got != 403500000 {
		t.Errorf("Frequency = %v, want first positive value cached", got)
	}
}

func TestDeviceTypeDFMCleanedSubtype(t *testing.T) {
	n := newTestNormalizer(nil)

	msg := rawMessage()
	msg.Data.Type = "DFM"
	msg.Data.Subtype = "DFM:DFM09"
	obs := n.Normalize(context.Background(), msg, "D091234")
	if obs.Type != "DFM09" {
		t.Errorf("type = %q, want DFM09", obs.Type)
	}

	msg.Data.Subtype = ""
	obs = n.Normalize(context.Background(), msg, "D091234")
	if obs.Type != "DFM" {
		t.Errorf("type = %q, want generic DFM without subtype", obs.Type)
	}
}

func TestDeviceTypeRS41SubtypePromotes(t *testing.T) {
	n := newTestNormalizer(nil)

	msg := rawMessage()
	msg.Data.Subtype = "RS41-SGP"
	obs := n.Normalize(context.Background(), msg, "V1234567")
	if obs.Type != "RS41-SGP" {
		t.Fatalf("type = %q, want RS41-SGP", obs.Type)
	}

	// Generic frames reuse the promoted subtype.
	obs = n.Normalize(context.Background(), rawMessage(), "V1234567")
	if obs.Type != "RS41-SGP" {
		t.Errorf("type = %q, want sticky RS41-SGP", obs.Type)
	}
}

func TestDeviceTypeRS41HistoryLookback(t *testing.T) {
	history := fixedHistory{
		"V1234567": {Serial: "V1234567", Type: "RS41-SGP"},
	}
	n := newTestNormalizer(history)

	// Cold cache, generic tag: the last persisted subtype is reused.
	obs := n.Normalize(context.Background(), rawMessage(), "V1234567")
	if obs.Type != "RS41-SGP" {
		t.Errorf("type = %q, want RS41-SGP from history", obs.Type)
	}

	// Unknown serial stays generic.
	obs = n.Normalize(context.Background(), rawMessage(), "V7654321")
	if obs.Type != "RS41" {
		t.Errorf("type = %q, want generic RS41", obs.Type)
	}
}

func TestDeviceTypeSpecificSubtypeNeverReads(t *testing.T) {
	history := fixedHistory{
		"V1234567": {Serial: "V1234567", Type: "RS41-SG"},
	}
	n := newTestNormalizer(history)

	// A frame with its own specific subtype always wins over history.
	msg := rawMessage()
	msg.Data.Subtype = "RS41-SGP"
	obs := n.Normalize(context.Background(), msg, "V1234567")
	if obs.Type != "RS41-SGP" {
		t.Errorf("type = %q, want the frame's own RS41-SGP", obs.Type)
	}
}
