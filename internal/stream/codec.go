package stream

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/NSLS2/test-redis-ws/internal/frame"
)

// Format selects the wire encoding of an envelope.
type Format int

const (
	// FormatJSON is the default: a JSON document sent as a WebSocket text
	// frame.
	FormatJSON Format = iota
	// FormatBinary is a compact MessagePack object sent as a WebSocket
	// binary frame.
	FormatBinary
)

// ParseFormat maps the envelope_format query parameter to a Format. Any
// unrecognized value defaults to JSON.
func ParseFormat(s string) Format {
	if s == "msgpack" {
		return FormatBinary
	}
	return FormatJSON
}

// DecodePayload applies the payload codec rules to the raw bytes stored for
// a frame:
//
//  1. If the byte length is a multiple of 8, reinterpret as little-endian
//     float64 values. Non-finite results are preserved, not rejected.
//  2. Otherwise, attempt UTF-8 JSON decode.
//  3. If both fail, return an empty array and report the failure so the
//     caller can log it.
func DecodePayload(raw []byte) (value any, ok bool) {
	if len(raw)%8 == 0 {
		n := len(raw) / 8
		floats := make([]float64, n)
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
			floats[i] = math.Float64frombits(bits)
		}
		return floats, true
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		return decoded, true
	}

	return []any{}, false
}

// EncodeEnvelope serializes env in the requested wire format. JSON must
// always be a well-formed document, so non-finite float64 payload values
// are substituted with their textual form ("NaN", "Infinity",
// "-Infinity") only for the JSON format; the binary format carries them
// as-is since MessagePack's IEEE-754 floats support them natively.
func EncodeEnvelope(format Format, env frame.Envelope) ([]byte, error) {
	switch format {
	case FormatBinary:
		return msgpack.Marshal(env)
	default:
		return json.Marshal(jsonSafeEnvelope(env))
	}
}

// EncodeErrorEnvelope serializes the substitute "Frame too large" envelope
// in the requested format.
func EncodeErrorEnvelope(format Format, errEnv frame.ErrorEnvelope) ([]byte, error) {
	if format == FormatBinary {
		return msgpack.Marshal(errEnv)
	}
	return json.Marshal(errEnv)
}

func jsonSafeEnvelope(env frame.Envelope) frame.Envelope {
	floats, ok := env.Payload.([]float64)
	if !ok {
		return env
	}
	safe := make([]any, len(floats))
	for i, f := range floats {
		switch {
		case math.IsNaN(f):
			safe[i] = "NaN"
		case math.IsInf(f, 1):
			safe[i] = "Infinity"
		case math.IsInf(f, -1):
			safe[i] = "-Infinity"
		default:
			safe[i] = f
		}
	}
	env.Payload = safe
	return env
}
