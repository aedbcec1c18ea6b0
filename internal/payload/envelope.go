// Package payload implements the versioned envelope that wraps every value
// written to the live tree and every device message on the wire.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"irrigation-registry-backend/internal/apperr"
)

// Version is the only envelope schema version this build understands.
const Version = 1

// Kind tags the shape of an envelope's data.
type Kind string

const (
	KindDevice     Kind = "device"
	KindStatus     Kind = "status"
	KindReading    Kind = "reading"
	KindPumpMode   Kind = "pump_mode"
	KindPumpStatus Kind = "pump_status"
	KindSchedule   Kind = "schedule"
	KindHeartbeat  Kind = "heartbeat"
	KindCommand    Kind = "command"
	KindAck        Kind = "ack"
)

// Envelope is the wire form: {"v":1,"kind":"...","at":"...","data":{...}}.
type Envelope struct {
	V    int             `json:"v"`
	Kind Kind            `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Validator is implemented by data types that check their own ranges.
type Validator interface {
	Validate() error
}

// Encode wraps data in an envelope of the given kind.
func Encode(kind Kind, at time.Time, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", kind, err)
	}
	return json.Marshal(Envelope{V: Version, Kind: kind, At: at.UTC(), Data: raw})
}

// Decode unwraps raw into out, requiring the expected kind. It returns the
// envelope timestamp. Any shape or range violation is ErrMalformedPayload.
func Decode(raw []byte, want Kind, out any) (time.Time, error) {
	env, err := Peek(raw)
	if err != nil {
		return time.Time{}, err
	}
	if env.Kind != want {
		return time.Time{}, fmt.Errorf("%w: expected kind %q, got %q", apperr.ErrMalformedPayload, want, env.Kind)
	}

	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return time.Time{}, fmt.Errorf("%w: %s data: %v", apperr.ErrMalformedPayload, want, err)
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return time.Time{}, fmt.Errorf("%w: %s: %v", apperr.ErrMalformedPayload, want, err)
		}
	}
	return env.At, nil
}

// Peek parses and version-checks the envelope without decoding its data.
func Peek(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", apperr.ErrMalformedPayload, err)
	}
	if env.V != Version {
		return Envelope{}, fmt.Errorf("%w: unsupported version %d", apperr.ErrMalformedPayload, env.V)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", apperr.ErrMalformedPayload)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return Envelope{}, fmt.Errorf("%w: missing data", apperr.ErrMalformedPayload)
	}
	return env, nil
}
