package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var refTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *kvstore.Memory) {
	t.Helper()

	kv := kvstore.NewMemory()
	s := New(kv, Options{}, testLogger(t))
	s.nowFunc = func() time.Time { return refTime }

	return s, kv
}

func mustPayload(t *testing.T, name, body string) ([]Record, Timestamp) {
	t.Helper()

	items, ts, err := DecodePayload(name, []byte(body))
	require.NoError(t, err)

	return items, ts
}

func ids(t *testing.T, c Collection) []int {
	t.Helper()

	out := make([]int, 0, len(c.Items))

	for _, r := range c.Items {
		var id int
		require.NoError(t, json.Unmarshal(r.Extra["id"], &id))
		out = append(out, id)
	}

	return out
}

func TestTodayTasks_OrderedByScoreStable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	items, ts := mustPayload(t, CollectionTasks,
		`{"tasks":[{"score":5,"id":1},{"score":5,"id":2},{"score":1,"id":3}]}`)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	assert.Equal(t, []int{1, 2, 3}, ids(t, s.TodayTasks(refTime)))
}

func TestTodayTasks_MissingScoreIsZero(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	items, ts := mustPayload(t, CollectionTasks,
		`{"tasks":[{"id":1},{"score":-1,"id":2},{"score":0.5,"id":3},{"id":4}]}`)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	assert.Equal(t, []int{3, 1, 4, 2}, ids(t, s.TodayTasks(refTime)))
}

func TestViews_Filtering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	now := float64(refTime.Unix())
	past := now - 3600
	future := now + 3600

	body, err := json.Marshal(map[string]any{
		"tasks": []map[string]any{
			{"id": 1},
			{"id": 2, "completedAt": past},
			{"id": 3, "dismissedAt": past},
			{"id": 4, "completedAt": 0, "dismissedAt": nil},
			{"id": 5, "startAt": future},
			{"id": 6, "startAt": past},
			{"id": 7, "hideUntil": future},
			{"id": 8, "hideUntil": past, "startAt": now},
			{"id": 9, "completedAt": false, "startAt": ""},
			{"id": 10, "startAt": "tomorrow"},
		},
	})
	require.NoError(t, err)

	items, ts := mustPayload(t, CollectionTasks, string(body))
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	open := s.OpenTasks()
	assert.Equal(t, []int{1, 4, 5, 6, 7, 8, 9, 10}, ids(t, open))

	today := s.TodayTasks(refTime)
	assert.Equal(t, []int{1, 4, 6, 8, 9}, ids(t, today))

	// today ⊆ open ⊆ all
	all := ids(t, s.Tasks())
	for _, id := range ids(t, open) {
		assert.Contains(t, all, id)
	}

	for _, id := range ids(t, today) {
		assert.Contains(t, ids(t, open), id)
	}
}

func TestNotesByType(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	items, ts := mustPayload(t, CollectionNotes,
		`{"notes":[{"id":1,"type":"werkbank"},{"id":2,"type":"project"},{"id":3},{"id":4,"type":"werkbank"}],"syncedAt":7}`)
	require.NoError(t, s.ReplaceNotes(ctx, items, ts))

	assert.Equal(t, []int{1, 4}, ids(t, s.NotesByType(NoteTypeWerkbank)))
	assert.Equal(t, []int{2}, ids(t, s.NotesByType(NoteTypeProject)))
	assert.Empty(t, s.NotesByType("journal").Items)
	assert.InDelta(t, 7, *s.NotesByType(NoteTypeProject).SyncedAt, 0)
}

func TestReplace_RoundTripsPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	payload := `{"tasks":[{"id":1,"title":"Write report","tags":["a","b"],"meta":{"x":null},"score":3}],"syncedAt":1714820000123}`

	items, ts := mustPayload(t, CollectionTasks, payload)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	got, err := json.Marshal(s.Tasks().Wire(CollectionTasks))
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(got))

	// A second identical write leaves the state unchanged.
	items, ts = mustPayload(t, CollectionTasks, payload)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	again, err := json.Marshal(s.Tasks().Wire(CollectionTasks))
	require.NoError(t, err)
	assert.JSONEq(t, string(got), string(again))
}

func TestReplace_NoMergeWithPrevious(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	items, ts := mustPayload(t, CollectionTasks, `{"tasks":[{"id":1},{"id":2}]}`)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	items, ts = mustPayload(t, CollectionTasks, `{"tasks":[{"id":3}]}`)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	assert.Equal(t, []int{3}, ids(t, s.Tasks()))
}

func TestReplace_DefaultSyncedAt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	assert.Nil(t, s.Tasks().SyncedAt, "never-written collection has no syncedAt")

	require.NoError(t, s.ReplaceTasks(ctx, nil, Timestamp{}))

	c := s.Tasks()
	require.NotNil(t, c.SyncedAt)
	assert.InDelta(t, float64(refTime.UnixMilli()), *c.SyncedAt, 0)
	assert.NotNil(t, c.Items)
	assert.Empty(t, c.Items)
}

func TestReplace_ExplicitNullSyncedAtIsKept(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, kv := newTestStore(t)

	items, ts := mustPayload(t, CollectionTasks, `{"tasks":[{"a":1}],"syncedAt":null}`)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	assert.Nil(t, s.Tasks().SyncedAt)

	out, err := json.Marshal(s.Tasks().Wire(CollectionTasks))
	require.NoError(t, err)
	assert.JSONEq(t, `{"tasks":[{"a":1}],"syncedAt":null}`, string(out))

	reloaded := New(kv, Options{}, testLogger(t))
	require.NoError(t, reloaded.Load(ctx))
	assert.Nil(t, reloaded.Tasks().SyncedAt)
	assert.Len(t, reloaded.Tasks().Items, 1)

	files, fts, err := DecodeContextPayload([]byte(`{"files":{"a.md":"x"},"syncedAt":null}`))
	require.NoError(t, err)
	require.NoError(t, s.ReplaceContext(ctx, files, fts))
	assert.Nil(t, s.Context().SyncedAt)
}

func TestSnapshots_AreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	items, ts := mustPayload(t, CollectionTasks, `{"tasks":[{"id":1,"title":"a"}]}`)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	// Mutating the caller's slice after the write must not leak in.
	items[0].Extra["title"] = json.RawMessage(`"changed"`)

	snap := s.Tasks()
	snap.Items[0].Extra["title"] = json.RawMessage(`"changed again"`)

	assert.JSONEq(t, `"a"`, string(s.Tasks().Items[0].Extra["title"]))
}

func TestUpdateContextFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	files := map[string]string{
		"CLAUDE.md": "# Rules",
		"notes.md":  "line one\nline two",
		"data.json": `{"raw":true}`,
	}
	require.NoError(t, s.ReplaceContext(ctx, files, At(1000)))

	before := s.Context()

	update, err := s.UpdateContextFile(ctx, "CLAUDE.md", "# New rules")
	require.NoError(t, err)
	assert.Equal(t, "CLAUDE.md", update.File)
	assert.InDelta(t, float64(refTime.UnixMilli()), update.UpdatedAt, 0)

	after := s.Context()
	assert.Equal(t, "# New rules", after.Files["CLAUDE.md"])
	require.NotNil(t, after.SyncedAt)
	assert.InDelta(t, update.UpdatedAt, *after.SyncedAt, 0)

	for name, text := range before.Files {
		if name == "CLAUDE.md" {
			continue
		}

		assert.Equal(t, text, after.Files[name], "file %s must be untouched", name)
	}

	assert.Len(t, after.Files, len(before.Files))
}

func TestUpdateContextFile_SuffixRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, name := range []string{"notes.txt", "", "md", "README.MD"} {
		_, err := s.UpdateContextFile(ctx, name, "x")
		assert.ErrorIs(t, err, ErrSuffixNotAllowed, name)
	}

	assert.Empty(t, s.Context().Files)
	assert.Nil(t, s.Context().SyncedAt)
}

func TestUpdateContextFile_CustomSuffix(t *testing.T) {
	t.Parallel()

	s := New(kvstore.NewMemory(), Options{ContextSuffix: ".txt"}, testLogger(t))

	_, err := s.UpdateContextFile(context.Background(), "a.txt", "x")
	require.NoError(t, err)

	_, err = s.UpdateContextFile(context.Background(), "a.md", "x")
	assert.ErrorIs(t, err, ErrSuffixNotAllowed)
}

func TestContextFile_UnicodeNormalization(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	nfd := norm.NFD.String("Übersicht.md")
	nfc := norm.NFC.String("Übersicht.md")
	require.NotEqual(t, nfd, nfc)

	require.NoError(t, s.ReplaceContext(ctx, map[string]string{nfd: "v1"}, Timestamp{}))

	text, ok := s.ContextFile(nfc)
	require.True(t, ok)
	assert.Equal(t, "v1", text)

	// Updating through the other form rewrites the stored key in place.
	update, err := s.UpdateContextFile(ctx, nfc, "v2")
	require.NoError(t, err)
	assert.Equal(t, nfd, update.File)

	files := s.Context().Files
	assert.Len(t, files, 1)
	assert.Equal(t, "v2", files[nfd])

	added, err := s.UpdateContextFile(ctx, norm.NFD.String("Ärger.md"), "v1")
	require.NoError(t, err)
	assert.Equal(t, norm.NFC.String("Ärger.md"), added.File, "new names are stored in NFC")
	assert.Contains(t, s.Context().Files, added.File)

	_, ok = s.ContextFile("missing.md")
	assert.False(t, ok)
}

func TestLoad_RestoresState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, kv := newTestStore(t)

	items, ts := mustPayload(t, CollectionTasks, `{"tasks":[{"id":1,"score":2}],"syncedAt":5}`)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	items, ts = mustPayload(t, CollectionNotes, `{"notes":[{"id":9,"type":"project"}]}`)
	require.NoError(t, s.ReplaceNotes(ctx, items, ts))

	_, err := s.UpdateContextFile(ctx, "CLAUDE.md", "hello")
	require.NoError(t, err)

	reloaded := New(kv, Options{}, testLogger(t))
	require.NoError(t, reloaded.Load(ctx))

	assert.Equal(t, []int{1}, ids(t, reloaded.Tasks()))
	assert.InDelta(t, 5, *reloaded.Tasks().SyncedAt, 0)
	assert.Equal(t, []int{9}, ids(t, reloaded.NotesByType(NoteTypeProject)))

	text, ok := reloaded.ContextFile("CLAUDE.md")
	require.True(t, ok)
	assert.Equal(t, "hello", text)
}

func TestLoad_EmptyStore(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	require.NoError(t, s.Load(context.Background()))

	assert.Empty(t, s.Tasks().Items)
	assert.Empty(t, s.Notes().Items)
	assert.Empty(t, s.Context().Files)
}

func TestLoad_CorruptIsReported(t *testing.T) {
	t.Parallel()

	for _, key := range []string{CollectionTasks, CollectionNotes, CollectionContext} {
		t.Run(key, func(t *testing.T) {
			t.Parallel()

			s, kv := newTestStore(t)
			require.NoError(t, kv.Set(context.Background(), key, []byte(`{"tasks":`)))

			err := s.Load(context.Background())

			var ce *kvstore.CorruptError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, key, ce.Key)
		})
	}
}

type failingKV struct {
	kvstore.Store
}

func (failingKV) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestReplace_PersistFailureKeepsPreviousState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	items, ts := mustPayload(t, CollectionTasks, `{"tasks":[{"id":1}]}`)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	s.kv = failingKV{Store: kvstore.NewMemory()}

	items, ts = mustPayload(t, CollectionTasks, `{"tasks":[{"id":2}]}`)
	err := s.ReplaceTasks(ctx, items, ts)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []int{1}, ids(t, s.Tasks()))

	_, err = s.UpdateContextFile(ctx, "a.md", "x")
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, s.Context().Files)
}

func TestOnChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	var (
		mu      sync.Mutex
		changes []Change
	)

	s.OnChange(func(c Change) {
		mu.Lock()
		defer mu.Unlock()

		changes = append(changes, c)
	})

	items, ts := mustPayload(t, CollectionTasks, `{"tasks":[{"id":1},{"id":2}],"syncedAt":42}`)
	require.NoError(t, s.ReplaceTasks(ctx, items, ts))

	_, err := s.UpdateContextFile(ctx, "CLAUDE.md", "x")
	require.NoError(t, err)

	_, err = s.UpdateContextFile(ctx, "bad.txt", "x")
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, changes, 2)
	assert.Equal(t, Change{Collection: CollectionTasks, SyncedAt: At(42).Value, Count: 2}, changes[0])
	assert.Equal(t, CollectionContext, changes[1].Collection)
	assert.Equal(t, "CLAUDE.md", changes[1].File)
}

func TestConcurrentContextUpdates_NoLostUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	names := []string{"a.md", "b.md", "c.md", "d.md", "e.md", "f.md", "g.md", "h.md"}

	var wg sync.WaitGroup

	for _, name := range names {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.UpdateContextFile(ctx, name, name)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Len(t, s.Context().Files, len(names))
}

func TestDecodePayload_Invalid(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		`not json`,
		`null`,
		`[]`,
		`"tasks"`,
		`42`,
		`{"tasks":null}`,
		`{"tasks":{}}`,
		`{"tasks":"a"}`,
		`{"tasks":[1,2]}`,
		`{"tasks":[null]}`,
		`{"tasks":[],"syncedAt":"yesterday"}`,
	} {
		_, _, err := DecodePayload(CollectionTasks, []byte(body))
		assert.ErrorIs(t, err, ErrInvalidPayload, body)
	}
}

func TestDecodePayload_Timestamps(t *testing.T) {
	t.Parallel()

	items, ts, err := DecodePayload(CollectionTasks, []byte(`{}`))
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
	assert.Equal(t, Timestamp{}, ts, "absent syncedAt")

	_, ts, err = DecodePayload(CollectionTasks, []byte(`{"syncedAt":null}`))
	require.NoError(t, err)
	assert.True(t, ts.Set)
	assert.Nil(t, ts.Value)

	_, ts, err = DecodePayload(CollectionTasks, []byte(`{"tasks":[],"syncedAt":5}`))
	require.NoError(t, err)
	assert.Equal(t, At(5), ts)
}

func TestDecodeContextPayload(t *testing.T) {
	t.Parallel()

	files, ts, err := DecodeContextPayload([]byte(`{"files":{"a.md":"x"},"syncedAt":3}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.md": "x"}, files)
	assert.Equal(t, At(3), ts)

	files, ts, err = DecodeContextPayload([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.False(t, ts.Set)

	for _, body := range []string{
		`{"files":{"a.md":1}}`,
		`null`,
		`[]`,
		`{"files":null}`,
		`{"files":["a.md"]}`,
	} {
		_, _, err = DecodeContextPayload([]byte(body))
		assert.ErrorIs(t, err, ErrInvalidPayload, body)
	}
}

func TestValueTruthy(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		``:             false,
		`null`:         false,
		`false`:        false,
		`0`:            false,
		`0.0`:          false,
		`""`:           false,
		`[]`:           false,
		`{}`:           false,
		`true`:         true,
		`1714820000`:   true,
		`"2026-05-04"`: true,
		`[0]`:          true,
		`{"a":1}`:      true,
	}

	for raw, want := range tests {
		assert.Equal(t, want, RawValue(raw).Truthy(), "value %q", raw)
	}
}

func TestRecordField(t *testing.T) {
	t.Parallel()

	var r Record
	require.NoError(t, json.Unmarshal([]byte(`{"content":"Write report","score":4,"tags":["x"]}`), &r))

	text, ok := r.Field("content").Text()
	require.True(t, ok)
	assert.Equal(t, "Write report", text)

	n, ok := r.Field("score").Number()
	require.True(t, ok)
	assert.InDelta(t, 4, n, 0)

	assert.False(t, r.Field("missing").Present())
}
