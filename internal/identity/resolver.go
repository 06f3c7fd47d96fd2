// Package identity resolves a stable per-device serial from the
// heterogeneous manufacturer ID schemes found in decoder messages.
package identity

import (
	"strings"
	"sync"

	"sonde_relay/internal/sonde"
)

// Scheme identifies which rule produced a serial.
type Scheme string

const (
	SchemeDecoder   Scheme = "decoder"   // decoder-assigned aprsid, highest trust
	SchemeM20       Scheme = "m20"       // synthesized from rawid + id
	SchemeDFM       Scheme = "dfm"       // digit extraction from id
	SchemeDFMCached Scheme = "dfm-cache" // reused from an earlier frame's id
	SchemeVerbatim  Scheme = "verbatim"  // generic id field as-is
	SchemeSource    Scheme = "source"    // source key fallback
)

// Resolver derives serials and keeps the per-source-key cache of DFM serials.
// GRAW/DFM sondes only transmit their ID on a subset of frames, so a serial
// derived once must remain usable for later frames from the same source key.
// Lifecycle: process-wide, created at startup, never persisted.
type Resolver struct {
	mu       sync.Mutex
	dfmCache map[string]string // source key -> derived serial
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		dfmCache: make(map[string]string),
	}
}

// Resolve derives the canonical serial for a message. The boolean is false
// when no rule produced a serial or the result is a placeholder; the caller
// must drop the message in that case. A rejected placeholder is still
// returned so the caller can log it.
func (r *Resolver) Resolve(msg *sonde.RawMessage) (string, Scheme, bool) {
	sourceKey := msg.SourceKey()
	sondeType := msg.Data.Type

	// A source key that switches away from DFM must not leak a stale DFM
	// serial if it later switches back under a different device.
	if sondeType != "DFM" {
		r.invalidate(sourceKey)
	}

	serial, scheme := r.derive(msg, sourceKey, sondeType)
	if serial == "" {
		return "", "", false
	}
	if IsPlaceholder(serial) {
		return serial, scheme, false
	}
	return serial, scheme, true
}

func (r *Resolver) derive(msg *sonde.RawMessage, sourceKey, sondeType string) (string, Scheme) {
	if msg.Data.APRSID != "" {
		return msg.Data.APRSID, SchemeDecoder
	}

	if sondeType == "M20" && msg.Data.RawID != "" && msg.Data.ID != "" {
		if serial, ok := m20Serial(msg.Data.RawID, msg.Data.ID); ok {
			return serial, SchemeM20
		}
		// Malformed rawid/id is not fatal; fall through to the next rule.
	}

	if sondeType == "DFM" {
		if msg.Data.ID != "" {
			serial := "D" + digits(msg.Data.ID)
			// An all-letters ID strips to the bare placeholder "D";
			// never cache that, it would poison later frames.
			if serial != "D" && sourceKey != "" {
				r.put(sourceKey, serial)
			}
			return serial, SchemeDFM
		}
		if cached, ok := r.get(sourceKey); ok {
			return cached, SchemeDFMCached
		}
	}

	if msg.Data.ID != "" {
		return msg.Data.ID, SchemeVerbatim
	}
	if msg.Source != "" {
		return msg.Source, SchemeSource
	}
	return "", ""
}

// m20Serial synthesizes the M20 serial: "ME" + two chars of the rawid
// segment after "_" + the last five chars of the id segment after the
// last "-". Returns false when either field lacks its delimiter or is
// too short.
func m20Serial(rawID, id string) (string, bool) {
	_, rawPart, ok := strings.Cut(rawID, "_")
	if !ok || len(rawPart) < 2 {
		return "", false
	}
	idx := strings.LastIndexByte(id, '-')
	if idx < 0 {
		return "", false
	}
	suffix := id[idx+1:]
	if len(suffix) > 5 {
		suffix = suffix[len(suffix)-5:]
	}
	if suffix == "" {
		return "", false
	}
	return "ME" + rawPart[:2] + suffix, true
}

// digits strips everything but ASCII digits.
func digits(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// IsPlaceholder reports whether a serial is a decoder artifact: an unfilled
// hex mask like "DFM-xxxxxxxx" or "D-xxxx", or the bare "D" left over when
// digit extraction found nothing. Sinks re-apply this defensively.
func IsPlaceholder(serial string) bool {
	s := strings.ToLower(strings.TrimSpace(serial))
	if s == "d" {
		return true
	}
	if (strings.HasPrefix(s, "dfm-") || strings.HasPrefix(s, "d-") || strings.HasPrefix(s, "d")) &&
		strings.ContainsRune(s, 'x') {
		return true
	}
	return false
}

func (r *Resolver) get(sourceKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	serial, ok := r.dfmCache[sourceKey]
	return serial, ok
}

func (r *Resolver) put(sourceKey, serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dfmCache[sourceKey] = serial
}

func (r *Resolver) invalidate(sourceKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dfmCache, sourceKey)
}
