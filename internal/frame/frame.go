// Package frame holds the wire and storage types of the streaming hub's
// data model: the immutable Frame record, its metadata object, and the
// per-frame envelope delivered to subscribers.
package frame

import (
	"encoding/json"
)

// Metadata is the textual object stored alongside every frame. Timestamp is
// always set by the Append Pipeline / Close Marker; ContentType is carried
// from the request's Content-Type header when present; Reason and Sentinel
// are only set on the end-of-stream marker.
type Metadata struct {
	Timestamp   string `json:"timestamp"`
	ContentType string `json:"Content-Type,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Sentinel    bool   `json:"sentinel,omitempty"`
}

// Encode serializes metadata to the UTF-8 JSON bytes stored in the backend.
func (m Metadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Frame is the immutable (node_id, seq, metadata, payload) record committed
// by an append or a close. Payload holds the literal bytes of JSON null for
// the end-of-stream sentinel.
type Frame struct {
	NodeID   string
	Seq      int64
	Metadata []byte
	Payload  []byte
}

// NullPayload is the wire representation of the end-of-stream sentinel's
// payload: the bytes of a JSON null. An ordinary frame may legitimately
// carry this same byte string as opaque data, so it is never used on its
// own to recognize the sentinel; see IsSentinel.
var NullPayload = []byte("null")

// IsSentinel reports whether this frame is the end-of-stream sentinel. The
// sentinel is identified by the Sentinel flag stored in Metadata, not by
// comparing Payload against NullPayload: a producer's opaque payload is
// free to contain any bytes, including the literal word "null".
func (f Frame) IsSentinel() bool {
	var meta Metadata
	if err := json.Unmarshal(f.Metadata, &meta); err != nil {
		return false
	}
	return meta.Sentinel
}

// Envelope is the on-the-wire object delivered per frame to a subscriber.
type Envelope struct {
	Sequence   int64  `json:"sequence" msgpack:"sequence"`
	Metadata   string `json:"metadata" msgpack:"metadata"`
	Payload    any    `json:"payload" msgpack:"payload"`
	ServerHost string `json:"server_host" msgpack:"server_host"`
}

// ErrorEnvelope substitutes an envelope that exceeds the configured
// frame-size cap.
type ErrorEnvelope struct {
	Error string `json:"error" msgpack:"error"`
}
