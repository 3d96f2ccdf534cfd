package syncstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const fieldSyncedAt = "syncedAt"

// ErrInvalidPayload wraps every decoding failure of a client payload.
var ErrInvalidPayload = errors.New("syncstore: invalid payload")

// contextDocument is both the persisted and the wire shape of the context
// collection.
type contextDocument struct {
	Files    map[string]string `json:"files"`
	SyncedAt *float64          `json:"syncedAt"`
}

// Wire renders the collection in its public shape, e.g.
// {"tasks":[...],"syncedAt":n}. A collection never written has a null
// syncedAt.
func (c Collection) Wire(name string) map[string]any {
	items := c.Items
	if items == nil {
		items = []Record{}
	}

	return map[string]any{name: items, fieldSyncedAt: c.SyncedAt}
}

// Wire renders the context collection as {"files":{...},"syncedAt":n}.
func (c ContextFiles) Wire() map[string]any {
	files := c.Files
	if files == nil {
		files = map[string]string{}
	}

	return map[string]any{"files": files, fieldSyncedAt: c.SyncedAt}
}

// Timestamp is the syncedAt carried by a client write. The zero value means
// the field was absent and the write is stamped with the server time. Set
// with a nil Value is an explicit null, which is stored as null.
type Timestamp struct {
	Value *float64
	Set   bool
}

// At returns an explicit timestamp of v.
func At(v float64) Timestamp {
	return Timestamp{Value: &v, Set: true}
}

// DecodePayload parses a record collection write such as
// {"tasks":[...],"syncedAt":n}. The body must be an object. A missing item
// field is an empty collection; a null or non-array one is rejected.
func DecodePayload(name string, body []byte) ([]Record, Timestamp, error) {
	items, ts, err := decodeRecords(name, body)
	if err != nil {
		return nil, Timestamp{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return items, ts, nil
}

// DecodeContextPayload parses {"files":{...},"syncedAt":n} with the same
// rules as DecodePayload.
func DecodeContextPayload(body []byte) (map[string]string, Timestamp, error) {
	files, ts, err := decodeContext(body)
	if err != nil {
		return nil, Timestamp{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return files, ts, nil
}

func decodeContext(data []byte) (map[string]string, Timestamp, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return nil, Timestamp{}, err
	}

	files := map[string]string{}

	if raw, ok := fields["files"]; ok {
		if isNull(raw) {
			return nil, Timestamp{}, errors.New("files is null")
		}

		if err := json.Unmarshal(raw, &files); err != nil {
			return nil, Timestamp{}, fmt.Errorf("decoding files: %w", err)
		}
	}

	ts, err := decodeTimestamp(fields)
	if err != nil {
		return nil, Timestamp{}, err
	}

	return files, ts, nil
}

func decodeRecords(name string, data []byte) ([]Record, Timestamp, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return nil, Timestamp{}, err
	}

	items := []Record{}

	if raw, ok := fields[name]; ok {
		if isNull(raw) {
			return nil, Timestamp{}, fmt.Errorf("%s is null", name)
		}

		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, Timestamp{}, fmt.Errorf("decoding %s: %w", name, err)
		}
	}

	ts, err := decodeTimestamp(fields)
	if err != nil {
		return nil, Timestamp{}, err
	}

	return items, ts, nil
}

// decodeObject rejects any top-level value other than a JSON object.
func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}

	if fields == nil {
		return nil, errors.New("payload is not an object")
	}

	return fields, nil
}

func decodeTimestamp(fields map[string]json.RawMessage) (Timestamp, error) {
	raw, ok := fields[fieldSyncedAt]
	if !ok {
		return Timestamp{}, nil
	}

	ts := Timestamp{Set: true}
	if err := json.Unmarshal(raw, &ts.Value); err != nil {
		return Timestamp{}, fmt.Errorf("decoding %s: %w", fieldSyncedAt, err)
	}

	return ts, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func encodeRecords(name string, items []Record, syncedAt *float64) ([]byte, error) {
	return json.Marshal(Collection{Items: items, SyncedAt: syncedAt}.Wire(name))
}
