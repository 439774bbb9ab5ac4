// Package protocol defines the messages exchanged with the control plane and
// with peers: the Envelope read from the control-plane event stream and the
// Ping probe used to open a NAT mapping toward a peer.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrMalformed is returned when a control-plane message does not match
	// the expected schema.
	ErrMalformed = errors.New("malformed message")
)

// Envelope is an instruction from the control plane to send Vesicle to the
// peer at IP.
type Envelope struct {
	IP      string          `json:"ip"`
	Vesicle json.RawMessage `json:"vesicle"`
}

// DecodeEnvelope strictly decodes an Envelope from the JSON carried by a
// stream event. The ip field must be a literal IPv4 or IPv6 address and the
// vesicle field must be present and non-null. Unknown fields are ignored.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return env, fmt.Errorf("%w: empty envelope", ErrMalformed)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("%w: trailing data after envelope", ErrMalformed)
	}

	if env.IP == "" {
		return Envelope{}, fmt.Errorf("%w: missing ip", ErrMalformed)
	}
	if net.ParseIP(env.IP) == nil {
		return Envelope{}, fmt.Errorf("%w: invalid ip %q", ErrMalformed, env.IP)
	}
	if len(env.Vesicle) == 0 || bytes.Equal(env.Vesicle, []byte("null")) {
		return Envelope{}, fmt.Errorf("%w: missing vesicle", ErrMalformed)
	}

	return env, nil
}

// Payload returns the bytes to put on the wire for the vesicle. A JSON
// string is sent as its decoded contents; any other JSON value is sent as
// its compact encoding.
func (e Envelope) Payload() []byte {
	raw := bytes.TrimSpace(e.Vesicle)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
