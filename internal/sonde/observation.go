package sonde

// Observation is one canonical, persisted telemetry sample. The pair
// (Serial, VFrame) is the dedup key: VFrame carries millisecond precision
// because a sonde can emit multiple frames within the same second.
// Immutable once persisted.
type Observation struct {
	Serial string `json:"ser"`
	Type   string `json:"type"` // device-type label, e.g. "RS41-SGP"
	Time   int64  `json:"time"` // epoch seconds
	VFrame int64  `json:"vframe"`

	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	Alt *float64 `json:"alt"`

	Speed *float64 `json:"speed"` // horizontal, km/h, one decimal
	Dir   *float64 `json:"dir"`   // heading, degrees
	VS    *float64 `json:"vs"`    // vertical, m/s, as reported
	HS    *float64 `json:"hs"`    // horizontal, m/s, as reported
	Climb *float64 `json:"climb"` // vertical, m/s, one decimal

	Sats     *int     `json:"sats"`
	Freq     *float64 `json:"freq"` // carrier, Hz
	Temp     *float64 `json:"temp"`
	Humidity *float64 `json:"humidity"`
	Batt     *float64 `json:"batt"`

	Frame      *int64 `json:"frame"`      // decoder's own frame counter
	LaunchSite string `json:"launchsite"` // raw manufacturer ID passthrough
}
