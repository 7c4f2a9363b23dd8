package embeddings

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Strategy extracts per-item vectors from a provider payload. A slot is nil
// when that item could not be read. ok is false when the payload does not have
// the shape the strategy understands.
type Strategy struct {
	Name    string
	Extract func(body []byte) (slots [][]float32, ok bool)
}

// DefaultStrategies is the ordered parser chain. The first strategy that
// yields at least one vector wins.
var DefaultStrategies = []Strategy{
	{Name: "data[].embedding", Extract: objectListAt("data", "embedding")},
	{Name: "embeddings[].values", Extract: objectListAt("embeddings", "values")},
	{Name: "embeddings[].embedding", Extract: objectListAt("embeddings", "embedding")},
	{Name: "embeddings[][]", Extract: arrayListAt("embeddings")},
	{Name: "items[].vector", Extract: objectListAt("items", "vector")},
	{Name: "vectors[][]", Extract: arrayListAt("vectors")},
	{Name: "vectors[].vector", Extract: objectListAt("vectors", "vector")},
	{Name: "embedding", Extract: singleAt("embedding")},
	{Name: "[][]", Extract: bareArrays},
}

// Parse runs the strategy chain against body.
func Parse(body []byte, strategies []Strategy) (slots [][]float32, strategy string, ok bool) {
	for _, s := range strategies {
		slots, ok := s.Extract(body)
		if ok && countValid(slots) > 0 {
			return slots, s.Name, true
		}
	}
	return nil, "", false
}

func countValid(slots [][]float32) int {
	n := 0
	for _, s := range slots {
		if len(s) > 0 {
			n++
		}
	}
	return n
}

// decodeVector reads a JSON array of numbers. Anything else yields nil.
func decodeVector(raw json.RawMessage) []float32 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil
	}
	var values []float64
	if err := json.Unmarshal(raw, &values); err != nil || len(values) == 0 {
		return nil
	}
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v)
	}
	return vec
}

func topLevel(body []byte) (map[string]json.RawMessage, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func rawList(raw json.RawMessage) ([]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	return items, true
}

// objectListAt handles {"<key>": [{"<field>": [...], "index": n}, ...]}.
// When every item carries a usable index the slots are placed by index,
// otherwise by position.
func objectListAt(key, field string) func([]byte) ([][]float32, bool) {
	return func(body []byte) ([][]float32, bool) {
		obj, ok := topLevel(body)
		if !ok {
			return nil, false
		}
		items, ok := rawList(obj[key])
		if !ok || len(items) == 0 {
			return nil, false
		}

		type entry struct {
			index int
			vec   []float32
		}
		entries := make([]entry, 0, len(items))
		indexed := true
		seen := make(map[int]bool, len(items))
		for pos, item := range items {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(item, &fields); err != nil {
				entries = append(entries, entry{index: pos})
				indexed = false
				continue
			}
			if _, has := fields[field]; !has {
				entries = append(entries, entry{index: pos})
				indexed = false
				continue
			}
			e := entry{index: pos, vec: decodeVector(fields[field])}
			var idx int
			if rawIdx, has := fields["index"]; has && json.Unmarshal(rawIdx, &idx) == nil && idx >= 0 && idx < len(items) && !seen[idx] {
				e.index = idx
				seen[idx] = true
			} else {
				indexed = false
			}
			entries = append(entries, e)
		}

		slots := make([][]float32, len(items))
		if indexed {
			sort.SliceStable(entries, func(i, j int) bool { return entries[i].index < entries[j].index })
			for _, e := range entries {
				slots[e.index] = e.vec
			}
			return slots, true
		}
		for pos, e := range entries {
			slots[pos] = e.vec
		}
		return slots, true
	}
}

// arrayListAt handles {"<key>": [[...], [...]]}.
func arrayListAt(key string) func([]byte) ([][]float32, bool) {
	return func(body []byte) ([][]float32, bool) {
		obj, ok := topLevel(body)
		if !ok {
			return nil, false
		}
		return arrays(obj[key])
	}
}

// singleAt handles {"<key>": [...]}, a single vector answer.
func singleAt(key string) func([]byte) ([][]float32, bool) {
	return func(body []byte) ([][]float32, bool) {
		obj, ok := topLevel(body)
		if !ok {
			return nil, false
		}
		vec := decodeVector(obj[key])
		if vec == nil {
			return nil, false
		}
		return [][]float32{vec}, true
	}
}

func bareArrays(body []byte) ([][]float32, bool) {
	return arrays(body)
}

func arrays(raw json.RawMessage) ([][]float32, bool) {
	items, ok := rawList(raw)
	if !ok || len(items) == 0 {
		return nil, false
	}
	slots := make([][]float32, len(items))
	for i, item := range items {
		slots[i] = decodeVector(item)
	}
	return slots, true
}
