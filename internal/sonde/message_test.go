package sonde

import (
	"testing"
	"time"
)

func TestDecodeTopLevelFields(t *testing.T) {
	msg, err := Decode([]byte(`{
		"mode": "SONDE",
		"source": "ws/station-7",
		"timestamp": 1700000000000,
		"lat": 52.5, "lon": 13.25, "altitude": 1000,
		"speed": 12.5, "vspeed": -3.1, "course": 123,
		"freq": 403500000,
		"data": {"type": "RS41", "id": "V1234567"}
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !msg.IsSonde() {
		t.Error("mode SONDE not recognized")
	}

	lat, lon, alt := msg.Position()
	if lat == nil || *lat != 52.5 || lon == nil || *lon != 13.25 || alt == nil || *alt != 1000 {
		t.Errorf("position = %v %v %v", lat, lon, alt)
	}
	if hs := msg.HorizontalSpeed(); hs == nil || *hs != 12.5 {
		t.Errorf("horizontal speed = %v, want 12.5", hs)
	}
	if f := msg.Frequency(); f == nil || *f != 403500000 {
		t.Errorf("frequency = %v, want 403500000", f)
	}
}

func TestDecodeNestedFallbacks(t *testing.T) {
	msg, err := Decode([]byte(`{
		"mode": "SONDE",
		"source": "abc",
		"data": {
			"type": "M20",
			"lat": 48.1, "lon": 16.3, "alt": 2500,
			"vel_h": 20.5, "vel_v": 4.2, "heading": 270,
			"tx_frequency": "404100000",
			"weather": {"temperature": -40.5, "humidity": 12}
		}
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	lat, _, _ := msg.Position()
	if lat == nil || *lat != 48.1 {
		t.Errorf("nested lat = %v, want 48.1", lat)
	}
	if hs := msg.HorizontalSpeed(); hs == nil || *hs != 20.5 {
		t.Errorf("nested vel_h = %v, want 20.5", hs)
	}
	// Quoted frequency strings decode like numbers.
	if f := msg.Frequency(); f == nil || *f != 404100000 {
		t.Errorf("tx_frequency = %v, want 404100000", f)
	}
	if temp := msg.Temperature(); temp == nil || *temp != -40.5 {
		t.Errorf("weather temperature = %v, want -40.5", temp)
	}
	if hum := msg.RelativeHumidity(); hum == nil || *hum != 12 {
		t.Errorf("weather humidity = %v, want 12", hum)
	}
}

func TestTopLevelBeatsNested(t *testing.T) {
	msg, err := Decode([]byte(`{
		"mode": "SONDE",
		"lat": 52.5,
		"data": {"lat": 48.1}
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	lat, _, _ := msg.Position()
	if lat == nil || *lat != 52.5 {
		t.Errorf("lat = %v, want top-level 52.5", lat)
	}
}

func TestTimestampMillisFallsBackToClock(t *testing.T) {
	now := time.UnixMilli(1700000000500)
	msg := &RawMessage{}
	if got := msg.TimestampMillis(now); got != 1700000000500 {
		t.Errorf("timestamp = %d, want wall clock", got)
	}

	msg.Timestamp = 1600000000000
	if got := msg.TimestampMillis(now); got != 1600000000000 {
		t.Errorf("timestamp = %d, want decoder value", got)
	}
}

func TestSourceKeyFallbackChain(t *testing.T) {
	cases := []struct {
		msg  RawMessage
		want string
	}{
		{RawMessage{Source: "abc", Data: Fields{RawID: "raw", ID: "id"}}, "abc"},
		{RawMessage{Data: Fields{RawID: "raw", ID: "id"}}, "raw"},
		{RawMessage{Data: Fields{ID: "id"}}, "id"},
		{RawMessage{}, ""},
	}
	for _, c := range cases {
		if got := c.msg.SourceKey(); got != c.want {
			t.Errorf("SourceKey() = %q, want %q", got, c.want)
		}
	}
}

func TestCleanSubtype(t *testing.T) {
	cases := []struct {
		subtype string
		want    string
	}{
		{"DFM:DFM09", "DFM09"},
		{"RS41-SGP", "RS41-SGP"},
		{"", ""},
	}
	for _, c := range cases {
		msg := RawMessage{Data: Fields{Subtype: c.subtype}}
		if got := msg.CleanSubtype(); got != c.want {
			t.Errorf("CleanSubtype(%q) = %q, want %q", c.subtype, got, c.want)
		}
	}
}

func TestFlexFloatUnusableMeansAbsent(t *testing.T) {
	// Empty and unparseable strings decode to 0, which is not a
	// frequency any sonde transmits on; the accessor must report absence
	// rather than a zero value.
	for _, raw := range []string{
		`{"mode":"SONDE","freq":"not-a-number","data":{}}`,
		`{"mode":"SONDE","freq":"","data":{}}`,
		`{"mode":"SONDE","freq":0,"data":{}}`,
	} {
		msg, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("Decode(%s): %v", raw, err)
		}
		if f := msg.Frequency(); f != nil {
			t.Errorf("frequency = %v for %s, want nil", *f, raw)
		}
	}
}

func TestFrequencyZeroTopLevelFallsThrough(t *testing.T) {
	msg, err := Decode([]byte(`{"mode":"SONDE","freq":"","data":{"tx_frequency":404100000}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f := msg.Frequency(); f == nil || *f != 404100000 {
		t.Errorf("frequency = %v, want nested 404100000", f)
	}
}
