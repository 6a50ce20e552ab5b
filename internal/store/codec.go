package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// EncodeEmbedding converts a vector to its wire form: little-endian float32, 4 bytes per dim.
func EncodeEmbedding(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeEmbedding reads little-endian float32s until the blob is exhausted. A trailing
// partial float is dropped.
func DecodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	if n == 0 {
		return nil
	}
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// NormalizeVector returns an L2-normalized copy of vec. Empty input returns nil; a zero
// vector is returned unchanged.
func NormalizeVector(vec []float32) []float32 {
	if len(vec) == 0 {
		return nil
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		copy(out, vec)
		return out
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// canonicalMap round-trips m through JSON so the cached value is exactly what a rebuild
// would decode from storage. Nil maps become empty maps.
func canonicalMap(m map[string]any) (map[string]any, string, error) {
	if m == nil {
		return map[string]any{}, "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, "", fmt.Errorf("encode metadata: %w", err)
	}
	out, err := decodeMap(string(raw))
	if err != nil {
		return nil, "", err
	}
	return out, string(raw), nil
}

func decodeMap(raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" || raw == "null" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode json map: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode ids: %w", err)
	}
	return string(raw), nil
}

func decodeIDs(raw string) ([]string, error) {
	ids := []string{}
	if raw == "" || raw == "null" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// millis truncates t to the millisecond resolution used in storage.
func millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}
