package collection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// envelopeKind tags the list-response shapes the service is known to emit.
type envelopeKind int

const (
	envelopeBareArray envelopeKind = iota
	envelopeResults
	envelopeItems
	envelopeKeyedResults
	envelopeKeyedItems
)

func (k envelopeKind) String() string {
	switch k {
	case envelopeBareArray:
		return "array"
	case envelopeResults:
		return "results"
	case envelopeItems:
		return "items"
	case envelopeKeyedResults:
		return "keyed-results"
	case envelopeKeyedItems:
		return "keyed-items"
	}
	return "unknown"
}

type listEnvelope struct {
	kind       envelopeKind
	records    json.RawMessage
	total      *int64
	nextCursor string
}

type rawListEnvelope struct {
	Results         json.RawMessage `json:"results"`
	Items           json.RawMessage `json:"items"`
	Total           *int64          `json:"total"`
	Count           *int64          `json:"count"`
	NextCursor      *string         `json:"next_cursor"`
	NextCursorCamel *string         `json:"nextCursor"`
}

// decodeListEnvelope classifies body into one envelope variant. It is the
// only place that inspects which fields a list response carries.
func decodeListEnvelope(body []byte) (listEnvelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return listEnvelope{kind: envelopeBareArray, records: json.RawMessage("[]")}, nil
	}
	if trimmed[0] == '[' {
		return listEnvelope{kind: envelopeBareArray, records: trimmed}, nil
	}
	var raw rawListEnvelope
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return listEnvelope{}, fmt.Errorf("decode list envelope: %w", err)
	}
	env := listEnvelope{total: raw.Total}
	if env.total == nil {
		env.total = raw.Count
	}
	switch {
	case raw.NextCursor != nil:
		env.nextCursor = *raw.NextCursor
	case raw.NextCursorCamel != nil:
		env.nextCursor = *raw.NextCursorCamel
	}
	switch {
	case isJSONArray(raw.Results):
		env.kind, env.records = envelopeResults, raw.Results
	case isJSONObject(raw.Results):
		env.kind, env.records = envelopeKeyedResults, raw.Results
	case isJSONArray(raw.Items):
		env.kind, env.records = envelopeItems, raw.Items
	case isJSONObject(raw.Items):
		env.kind, env.records = envelopeKeyedItems, raw.Items
	default:
		return listEnvelope{}, fmt.Errorf("decode list envelope: no results or items collection")
	}
	return env, nil
}

// normalize converts any envelope variant into one PageResult.
func (e listEnvelope) normalize() (PageResult, error) {
	var records []Record
	switch e.kind {
	case envelopeBareArray, envelopeResults, envelopeItems:
		if err := json.Unmarshal(e.records, &records); err != nil {
			return PageResult{}, fmt.Errorf("decode %s envelope: %w", e.kind, err)
		}
	case envelopeKeyedResults, envelopeKeyedItems:
		keyed, err := keyedRecords(e.records)
		if err != nil {
			return PageResult{}, fmt.Errorf("decode %s envelope: %w", e.kind, err)
		}
		records = keyed
	}
	if records == nil {
		records = []Record{}
	}
	total := int64(len(records))
	if e.total != nil {
		total = *e.total
	}
	return PageResult{Results: records, Total: total, NextCursor: e.nextCursor}, nil
}

// keyedRecords flattens an object keyed by id. Numeric keys come out in
// ascending order, other keys after them in lexical order.
func keyedRecords(raw json.RawMessage) ([]Record, error) {
	var byKey map[string]Record
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.ParseInt(keys[i], 10, 64)
		b, bErr := strconv.ParseInt(keys[j], 10, 64)
		switch {
		case aErr == nil && bErr == nil:
			return a < b
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		}
		return keys[i] < keys[j]
	})
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec := byKey[key]
		if rec.ID == 0 {
			if id, err := strconv.ParseInt(key, 10, 64); err == nil {
				rec.ID = id
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func normalizeListBody(body []byte) (PageResult, error) {
	env, err := decodeListEnvelope(body)
	if err != nil {
		return PageResult{}, err
	}
	return env.normalize()
}

func isJSONArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
