package channel

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes channel payloads as deterministic CBOR. Location updates are
// the bulk of the traffic and CBOR keeps them small.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCodec builds a Codec using Core Deterministic Encoding (RFC 8949 §4.2)
// with nanosecond RFC 3339 timestamps.
func NewCodec() (*Codec, error) {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Encode marshals a StatusChanged or LocationUpdated payload.
func (c *Codec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

// DecodeStatus unmarshals a StatusChanged payload.
func (c *Codec) DecodeStatus(data []byte) (StatusChanged, error) {
	var msg StatusChanged
	if err := c.dec.Unmarshal(data, &msg); err != nil {
		return StatusChanged{}, fmt.Errorf("decode status_changed: %w", err)
	}
	return msg, nil
}

// DecodeLocation unmarshals a LocationUpdated payload.
func (c *Codec) DecodeLocation(data []byte) (LocationUpdated, error) {
	var msg LocationUpdated
	if err := c.dec.Unmarshal(data, &msg); err != nil {
		return LocationUpdated{}, fmt.Errorf("decode location_updated: %w", err)
	}
	return msg, nil
}
