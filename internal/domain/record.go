// Package domain holds the types shared by every persistence adapter: records,
// collection names, change-feed events and the classified store error.
package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Record is one JSON object in a collection. The only field the persistence
// layer interprets is "id".
type Record map[string]any

// ID returns the record's string id, or "" when missing or not a string.
func (r Record) ID() string {
	if r == nil {
		return ""
	}
	id, _ := r["id"].(string)
	return id
}

// Validate checks the record carries a non-blank string id.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID()) == "" {
		return fmt.Errorf("record: %w", ErrMissingID)
	}
	return nil
}

// Clone returns a deep copy by way of a JSON round trip, which also
// normalizes numbers to float64 the same way decoded remote records look.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out, err := Normalize(r)
	if err != nil {
		cp := make(Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		return cp
	}
	return out
}

// Normalize re-decodes a record through JSON so values compare equal to the
// ones delivered by remote adapters.
func Normalize(r Record) (Record, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return out, nil
}

// Contains reports whether every field of sub is present in r with an equal
// value.
func (r Record) Contains(sub Record) bool {
	for k, v := range sub {
		got, ok := r[k]
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}

// IndexOf returns the position of the record with the given id, or -1.
func IndexOf(records []Record, id string) int {
	for i, r := range records {
		if r.ID() == id {
			return i
		}
	}
	return -1
}

// SortBy orders records by a field, for callers that want a timestamp order
// on top of an unordered collection. Records missing the field sort last.
// Strings compare lexically (RFC 3339 timestamps sort correctly), numbers
// numerically.
func SortBy(records []Record, field string, desc bool) {
	sort.SliceStable(records, func(i, j int) bool {
		a, aok := records[i][field]
		b, bok := records[j][field]
		if !aok || !bok {
			return aok && !bok
		}
		less := compare(a, b)
		if desc {
			return less > 0
		}
		return less < 0
	})
}

func compare(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
