package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodePayload serializes a dispatch payload into the persisted JSON form.
// A nil payload becomes an empty object; pre-encoded JSON passes through.
func EncodePayload(v any) ([]byte, error) {
	switch typed := v.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if !json.Valid(typed) {
			return nil, jobsError(ErrValidation, "payload is not valid json")
		}
		return append([]byte(nil), typed...), nil
	case Payload:
		return typed.Bytes(), nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrValidation, err)
	}
	return encoded, nil
}

// Payload is the decoded-on-demand view a handler receives.
type Payload struct {
	raw json.RawMessage
}

// NewPayload wraps persisted payload bytes.
func NewPayload(raw []byte) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Payload{raw: json.RawMessage("{}")}, nil
	}
	if !json.Valid(raw) {
		return Payload{}, jobsError(ErrValidation, "payload is not valid json")
	}
	return Payload{raw: append(json.RawMessage(nil), raw...)}, nil
}

// Decode unmarshals the payload into the given value.
func (p Payload) Decode(into any) error {
	if err := json.Unmarshal(p.Bytes(), into); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrValidation, err)
	}
	return nil
}

// Map decodes an object payload. Numbers stay json.Number so integers survive.
func (p Payload) Map() (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(p.Bytes()))
	decoder.UseNumber()
	out := map[string]any{}
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrValidation, err)
	}
	return out, nil
}

// Bytes returns a copy of the raw JSON.
func (p Payload) Bytes() []byte {
	if len(p.raw) == 0 {
		return []byte("{}")
	}
	return append([]byte(nil), p.raw...)
}

func (p Payload) String() string {
	return string(p.Bytes())
}

// MarshalJSON keeps the payload verbatim when embedded in other documents.
func (p Payload) MarshalJSON() ([]byte, error) {
	return p.Bytes(), nil
}
