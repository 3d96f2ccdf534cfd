package syncstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Recognized record fields. Everything else lands in Record.Extra.
const (
	fieldCompletedAt = "completedAt"
	fieldDismissedAt = "dismissedAt"
	fieldStartAt     = "startAt"
	fieldHideUntil   = "hideUntil"
	fieldScore       = "score"
	fieldType        = "type"
)

// Value is one JSON value kept exactly as the client sent it. The zero Value
// means the field was absent.
type Value struct {
	raw json.RawMessage
}

// RawValue wraps an encoded JSON value. Intended for tests and callers
// constructing records by hand.
func RawValue(s string) Value {
	return Value{raw: json.RawMessage(s)}
}

// Present reports whether the field appeared in the record at all.
func (v Value) Present() bool {
	return len(v.raw) > 0
}

// Truthy follows JSON-ish truthiness: absent, null, false, 0, "", [] and {}
// are all unset.
func (v Value) Truthy() bool {
	if !v.Present() {
		return false
	}

	var decoded any
	if err := json.Unmarshal(v.raw, &decoded); err != nil {
		return false
	}

	switch x := decoded.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// Number returns the value as a float64 when it is a JSON number.
func (v Value) Number() (float64, bool) {
	if !v.Present() {
		return 0, false
	}

	var n float64
	if err := json.Unmarshal(v.raw, &n); err != nil {
		return 0, false
	}

	return n, true
}

// Text returns the value when it is a JSON string.
func (v Value) Text() (string, bool) {
	if !v.Present() {
		return "", false
	}

	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return "", false
	}

	return s, true
}

// Record is one task or note. The fields the views depend on are explicit;
// all other keys are carried untouched in Extra.
type Record struct {
	CompletedAt Value
	DismissedAt Value
	StartAt     Value
	HideUntil   Value
	Score       Value
	Type        Value

	Extra map[string]json.RawMessage
}

// IsOpen reports whether the record is neither completed nor dismissed.
func (r *Record) IsOpen() bool {
	return !r.CompletedAt.Truthy() && !r.DismissedAt.Truthy()
}

// VisibleAt reports whether startAt and hideUntil have both passed at now
// (epoch seconds). A set but non-numeric timestamp keeps the record hidden.
func (r *Record) VisibleAt(now float64) bool {
	return reached(r.StartAt, now) && reached(r.HideUntil, now)
}

func reached(v Value, now float64) bool {
	if !v.Truthy() {
		return true
	}

	n, ok := v.Number()

	return ok && n <= now
}

// ScoreOrZero returns the numeric score, 0 when missing or not a number.
func (r *Record) ScoreOrZero() float64 {
	n, _ := r.Score.Number()
	return n
}

// TypeName returns the note type discriminator, "" when absent.
func (r *Record) TypeName() string {
	s, _ := r.Type.Text()
	return s
}

// Field returns the value stored under name, recognized or not.
func (r *Record) Field(name string) Value {
	if v, ok := r.known()[name]; ok {
		return *v
	}

	return Value{raw: r.Extra[name]}
}

func (r *Record) known() map[string]*Value {
	return map[string]*Value{
		fieldCompletedAt: &r.CompletedAt,
		fieldDismissedAt: &r.DismissedAt,
		fieldStartAt:     &r.StartAt,
		fieldHideUntil:   &r.HideUntil,
		fieldScore:       &r.Score,
		fieldType:        &r.Type,
	}
}

// UnmarshalJSON splits an object into the recognized fields and Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("record must be a JSON object: %w", err)
	}

	if fields == nil {
		return fmt.Errorf("record must be a JSON object, got null")
	}

	*r = Record{}
	known := r.known()

	for k, raw := range fields {
		if dst, ok := known[k]; ok {
			*dst = Value{raw: bytes.Clone(raw)}
			continue
		}

		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}

		r.Extra[k] = bytes.Clone(raw)
	}

	return nil
}

// MarshalJSON merges the recognized fields back with Extra. Key order is
// not preserved.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+6)

	for k, v := range r.Extra {
		out[k] = v
	}

	for k, v := range r.known() {
		if v.Present() {
			out[k] = v.raw
		}
	}

	return json.Marshal(out)
}

// clone returns a copy that shares no mutable state with r.
func (r Record) clone() Record {
	c := r
	for _, v := range c.known() {
		v.raw = bytes.Clone(v.raw)
	}

	if r.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = bytes.Clone(v)
		}
	}

	return c
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i := range in {
		out[i] = in[i].clone()
	}

	return out
}
