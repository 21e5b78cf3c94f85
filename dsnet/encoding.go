package dsnet

import (
	"encoding/json"
	"fmt"
)

// encodeMessage marshals msg and extracts its BaseMessage header.
func encodeMessage(msg any) ([]byte, BaseMessage, error) {
	var base BaseMessage
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, base, fmt.Errorf("marshal error: %w", err)
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, base, fmt.Errorf("message must be valid JSON: %w", err)
	}
	if base.Type == "" {
		return nil, base, fmt.Errorf("message has no type")
	}
	return data, base, nil
}

// Decode unmarshals the payload of ev into v.
func Decode(ev Event, v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("decode %s from %s: %w", ev.Type, ev.From, err)
	}
	return nil
}
