// Package jsonutil produces deterministic JSON encodings for hashing.
package jsonutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// CanonicalMarshal encodes v with object keys in byte order and no spacing.
// Numbers keep the digits encoding/json wrote for them.
func CanonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, tree); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return buf.Bytes(), nil
}

// ChainHash links v to prev: hex(sha256(canonical(v) || prev)).
func ChainHash(v any, prev string) (string, error) {
	data, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(data, prev...))
	return hex.EncodeToString(sum[:]), nil
}

func encode(buf *bytes.Buffer, node any) error {
	switch n := node.(type) {
	case map[string]any:
		return encodeObject(buf, n)
	case []any:
		return encodeArray(buf, n)
	case json.Number:
		buf.WriteString(n.String())
		return nil
	}
	scalar, err := json.Marshal(node)
	if err != nil {
		return err
	}
	buf.Write(scalar)
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	buf.WriteByte('{')
	for i, key := range slices.Sorted(maps.Keys(obj)) {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, obj[key]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, items []any) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
