// Package sonde provides radiosonde telemetry message types and structures.
package sonde

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Mode tag carried by decoder payloads this pipeline consumes.
const ModeSonde = "SONDE"

// FlexFloat64 handles JSON fields that can be either string or number.
// Decoders disagree on whether frequencies are numeric or quoted.
type FlexFloat64 float64

func (f *FlexFloat64) UnmarshalJSON(data []byte) error {
	// Try as number first
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = FlexFloat64(v)
		return nil
	}

	// Try as string
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil // Silently ignore unparseable values
		}
		*f = FlexFloat64(v)
		return nil
	}

	*f = 0
	return nil
}

// RawMessage is one decoder payload as delivered on the feed.
// Position and motion fields can appear at the top level (newer decoders)
// or inside the nested data bag (older ones); the accessor methods below
// apply the top-level-first fallback chain so callers never branch on it.
type RawMessage struct {
	Mode      string       `json:"mode"`
	Source    string       `json:"source"`
	Timestamp int64        `json:"timestamp"` // epoch milliseconds
	Lat       *float64     `json:"lat,omitempty"`
	Lon       *float64     `json:"lon,omitempty"`
	Altitude  *float64     `json:"altitude,omitempty"`
	Speed     *float64     `json:"speed,omitempty"`  // horizontal, m/s
	VSpeed    *float64     `json:"vspeed,omitempty"` // vertical, m/s
	Course    *float64     `json:"course,omitempty"` // degrees
	Sats      *int         `json:"sats,omitempty"`
	Freq      *FlexFloat64 `json:"freq,omitempty"` // Hz

	Data Fields `json:"data"`
}

// Fields is the nested decoder field bag.
type Fields struct {
	Type        string       `json:"type"`    // manufacturer tag: RS41, DFM, M20, ...
	Subtype     string       `json:"subtype"` // e.g. "RS41-SGP" or "DFM:DFM09"
	ID          string       `json:"id"`
	RawID       string       `json:"rawid"`
	APRSID      string       `json:"aprsid"`
	Lat         *float64     `json:"lat,omitempty"`
	Lon         *float64     `json:"lon,omitempty"`
	Alt         *float64     `json:"alt,omitempty"`
	VelH        *float64     `json:"vel_h,omitempty"`
	VelV        *float64     `json:"vel_v,omitempty"`
	Heading     *float64     `json:"heading,omitempty"`
	Sats        *int         `json:"sats,omitempty"`
	TxFrequency *FlexFloat64 `json:"tx_frequency,omitempty"` // Hz
	Temp        *float64     `json:"temp,omitempty"`
	Humidity    *float64     `json:"humidity,omitempty"`
	Batt        *float64     `json:"batt,omitempty"`
	Battery     *float64     `json:"battery,omitempty"`
	Frame       *int64       `json:"frame,omitempty"`
	Weather     *Weather     `json:"weather,omitempty"`
}

// Weather holds environmental readings nested one level deeper by some decoders.
type Weather struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
}

// Decode parses a raw feed payload.
func Decode(payload []byte) (*RawMessage, error) {
	var m RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// IsSonde reports whether this payload carries sonde telemetry.
func (m *RawMessage) IsSonde() bool {
	return m.Mode == ModeSonde
}

// TimestampMillis returns the decoder timestamp, or the wall clock when the
// decoder omitted one.
func (m *RawMessage) TimestampMillis(now time.Time) int64 {
	if m.Timestamp != 0 {
		return m.Timestamp
	}
	return now.UnixMilli()
}

// Position returns lat, lon, alt preferring top-level fields.
func (m *RawMessage) Position() (lat, lon, alt *float64) {
	lat = firstFloat(m.Lat, m.Data.Lat)
	lon = firstFloat(m.Lon, m.Data.Lon)
	alt = firstFloat(m.Altitude, m.Data.Alt)
	return lat, lon, alt
}

// HorizontalSpeed returns the horizontal speed in m/s.
func (m *RawMessage) HorizontalSpeed() *float64 {
	return firstFloat(m.Speed, m.Data.VelH)
}

// VerticalSpeed returns the climb rate in m/s.
func (m *RawMessage) VerticalSpeed() *float64 {
	return firstFloat(m.VSpeed, m.Data.VelV)
}

// Heading returns the course over ground in degrees.
func (m *RawMessage) Heading() *float64 {
	return firstFloat(m.Course, m.Data.Heading)
}

// SatCount returns the GNSS satellite count.
func (m *RawMessage) SatCount() *int {
	if m.Sats != nil {
		return m.Sats
	}
	return m.Data.Sats
}

// Frequency returns the carrier frequency in Hz.
func (m *RawMessage) Frequency() *float64 {
	return firstFloat(flexValue(m.Freq), flexValue(m.Data.TxFrequency))
}

// Temperature returns the air temperature in degrees C.
func (m *RawMessage) Temperature() *float64 {
	if m.Data.Temp != nil {
		return m.Data.Temp
	}
	if m.Data.Weather != nil {
		return m.Data.Weather.Temperature
	}
	return nil
}

// RelativeHumidity returns the humidity in percent.
func (m *RawMessage) RelativeHumidity() *float64 {
	if m.Data.Humidity != nil {
		return m.Data.Humidity
	}
	if m.Data.Weather != nil {
		return m.Data.Weather.Humidity
	}
	return nil
}

// BatteryVoltage returns the battery reading in volts.
func (m *RawMessage) BatteryVoltage() *float64 {
	return firstFloat(m.Data.Batt, m.Data.Battery)
}

// SourceKey is the per-receiver key the DFM serial cache hangs off.
func (m *RawMessage) SourceKey() string {
	if m.Source != "" {
		return m.Source
	}
	if m.Data.RawID != "" {
		return m.Data.RawID
	}
	return m.Data.ID
}

// CleanSubtype strips the manufacturer prefix some decoders put in front of
// the subtype ("DFM:DFM09" -> "DFM09").
func (m *RawMessage) CleanSubtype() string {
	sub := m.Data.Subtype
	if i := strings.IndexByte(sub, ':'); i >= 0 {
		return sub[i+1:]
	}
	return sub
}

// firstFloat returns the first non-nil value in the chain.
func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// flexValue converts a flexible field to a plain float, treating zero as
// absent: empty and unparseable strings decode to 0, and no sonde
// transmits on 0 Hz.
func flexValue(f *FlexFloat64) *float64 {
	if f == nil || *f == 0 {
		return nil
	}
	v := float64(*f)
	return &v
}
