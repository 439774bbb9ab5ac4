package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Ping is the probe datagram sent to a peer before the first payload of a
// session. It carries no data; its only purpose is to open a NAT mapping.
type Ping struct {
	IsResponse bool `json:"isResponse"`
}

// NewPing returns a probe. The relay only ever sends requests; responses are
// not processed.
func NewPing(isResponse bool) Ping {
	return Ping{IsResponse: isResponse}
}

// Marshal encodes the ping as it appears on the wire.
func (p Ping) Marshal() []byte {
	if p.IsResponse {
		return []byte(`{"isResponse":true}`)
	}
	return []byte(`{"isResponse":false}`)
}

// DecodePing reports whether data is a ping datagram. Only an object whose
// single key is isResponse with a boolean value qualifies.
func DecodePing(data []byte) (Ping, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &fields); err != nil {
		return Ping{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	raw, ok := fields["isResponse"]
	if !ok || len(fields) != 1 {
		return Ping{}, fmt.Errorf("%w: not a ping", ErrMalformed)
	}

	var p Ping
	if err := json.Unmarshal(raw, &p.IsResponse); err != nil {
		return Ping{}, fmt.Errorf("%w: isResponse: %v", ErrMalformed, err)
	}
	return p, nil
}
