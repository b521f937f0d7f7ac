package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Document is the JSON object threaded through a workflow execution.
type Document map[string]any

// DecodeDocument parses body as a JSON object. Arrays, scalars and null are
// rejected; an empty object is valid.
func DecodeDocument(body []byte) (Document, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("document must be a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("document has trailing data")
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// DecodeInput turns a queued request body into a workflow input document.
// A JSON object is used as is. Any other valid JSON value (array, string,
// number, boolean or null) is wrapped under the "input" field. Bodies that
// are not valid JSON are rejected.
func DecodeInput(body []byte) (Document, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return DecodeDocument(trimmed)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return Document{FieldInput: v}, nil
}

// ID returns the string "id" field, or "" if absent or not a string.
func (d Document) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

// Bytes returns the canonical JSON encoding of the document. encoding/json
// sorts map keys, so equal documents encode identically.
func (d Document) Bytes() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(d))
}

// Hash returns the hex SHA-256 of the canonical encoding.
func (d Document) Hash() string {
	b, err := d.Bytes()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Document:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []byte:
		out := make([]byte, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
