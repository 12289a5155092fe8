// Package wire defines the flat, type-discriminated JSON frame shared by
// both directions of the connection (spec §6).
package wire

import "encoding/json"

// Envelope is a single wire frame. Its "type" field discriminates; the
// remaining fields are envelope-specific (spec §6 lists the canonical
// registry of types).
type Envelope struct {
	Type   string
	Fields map[string]any
}

// New builds an Envelope of the given type with the provided fields.
func New(typ string, fields map[string]any) Envelope {
	return Envelope{Type: typ, Fields: fields}
}

// MarshalJSON flattens Type and Fields into one JSON object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	return json.Marshal(out)
}

// Decoded is the client->server shape before its type-specific fields are
// extracted: the type plus the raw remaining object.
type Decoded struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Decode parses a single client->server frame.
func Decode(data []byte) (Decoded, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Decoded{}, err
	}
	return Decoded{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// Error builds the canonical error envelope of spec §7.
func Error(message string, details map[string]any) Envelope {
	fields := map[string]any{"message": message}
	if details != nil {
		fields["details"] = details
	}
	return New("error", fields)
}
