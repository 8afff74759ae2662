// Package codec converts wire bodies to and from the canonical document, a
// map[string]any shared by the scheduler, the mapping engine and the adapters.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
)

// DecodeJSON decodes a JSON object body. An empty body yields an empty document.
func DecodeJSON(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	v, err := DecodeJSONValue(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, gwerrors.NewCodecError(fmt.Sprintf("expected JSON object, got %T", v), nil)
	}
	return m, nil
}

// DecodeJSONValue decodes any JSON value
func DecodeJSONValue(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, gwerrors.NewCodecError("malformed JSON", err)
	}
	return v, nil
}

// EncodeJSON encodes a document. A nil document encodes as {}.
func EncodeJSON(doc map[string]any) ([]byte, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, gwerrors.NewCodecError("encode JSON", err)
	}
	return out, nil
}

// ToDocument converts a decoded value into a document. Maps pass through,
// JSON object strings are parsed, nil becomes an empty document.
func ToDocument(v any) (map[string]any, error) {
	switch val := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return val, nil
	case string:
		return DecodeJSON([]byte(val))
	case []byte:
		return DecodeJSON(val)
	}
	return nil, gwerrors.NewCodecError(fmt.Sprintf("cannot convert %T to document", v), nil)
}

// MetaString reads a string field from raw node meta using a gjson path
func MetaString(raw []byte, path string) string {
	if len(raw) == 0 {
		return ""
	}
	return gjson.GetBytes(raw, path).String()
}
