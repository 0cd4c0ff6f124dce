// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FromJSON converts a JSON document into its CBOR encoding. Integral
// JSON numbers become CBOR integers and the rest become floats, so a
// payload submitted as JSON decodes into the same Go struct as one
// submitted as CBOR. An empty input encodes as CBOR null.
func FromJSON(data []byte) (RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Marshal(nil)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("codec: parsing JSON: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("codec: parsing JSON: trailing data after document")
	}

	encoded, err := Marshal(normalizeNumbers(value))
	if err != nil {
		return nil, fmt.Errorf("codec: encoding JSON document as CBOR: %w", err)
	}
	return encoded, nil
}

// ToJSON renders a CBOR value as JSON. Byte strings render as base64,
// following encoding/json.
func ToJSON(data RawMessage) ([]byte, error) {
	if len(data) == 0 {
		return []byte("null"), nil
	}
	var value any
	if err := Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("codec: decoding CBOR: %w", err)
	}
	return json.Marshal(value)
}

func normalizeNumbers(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer
		}
		float, err := typed.Float64()
		if err != nil {
			return typed.String()
		}
		return float
	case map[string]any:
		for key, element := range typed {
			typed[key] = normalizeNumbers(element)
		}
		return typed
	case []any:
		for i, element := range typed {
			typed[i] = normalizeNumbers(element)
		}
		return typed
	default:
		return value
	}
}
