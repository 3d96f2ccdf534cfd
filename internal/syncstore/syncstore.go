// Package syncstore holds the last-write-wins collections pushed by clients:
// tasks, notes, and context files. Every write replaces the whole collection
// (context also supports single-file updates); reads return the stored state
// or a derived view.
package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
)

// Collection names, also used as kvstore keys and as the item array key in
// the wire format.
const (
	CollectionTasks   = "tasks"
	CollectionNotes   = "notes"
	CollectionContext = "context"
)

// Note types served as dedicated views.
const (
	NoteTypeWerkbank = "werkbank"
	NoteTypeProject  = "project"
)

// DefaultContextSuffix is the only file extension accepted by single-file
// context updates unless configured otherwise.
const DefaultContextSuffix = ".md"

// ErrSuffixNotAllowed is returned by UpdateContextFile for a filename that
// does not end in the configured suffix.
var ErrSuffixNotAllowed = errors.New("syncstore: file suffix not allowed")

// Collection is a snapshot of a record collection.
type Collection struct {
	Items    []Record
	SyncedAt *float64
}

// ContextFiles is a snapshot of the context collection.
type ContextFiles struct {
	Files    map[string]string
	SyncedAt *float64
}

// Names returns the file names in sorted order.
func (c ContextFiles) Names() []string {
	names := make([]string, 0, len(c.Files))
	for name := range c.Files {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Change describes a completed write.
type Change struct {
	Collection string   `json:"collection"`
	SyncedAt   *float64 `json:"syncedAt"`
	Count      int      `json:"count"`
	File       string   `json:"file,omitempty"`
}

// Options configures a Store.
type Options struct {
	// ContextSuffix is the required suffix for single-file context updates.
	ContextSuffix string
}

type recordCollection struct {
	name string

	mu       sync.RWMutex
	items    []Record
	syncedAt *float64
}

type contextCollection struct {
	mu       sync.RWMutex
	files    map[string]string
	syncedAt *float64
}

// Store owns the three collections. Each collection has its own lock; a
// write holds it across persist and swap so concurrent writers cannot lose
// each other's updates.
type Store struct {
	kv     kvstore.Store
	suffix string
	logger *slog.Logger

	tasks   recordCollection
	notes   recordCollection
	context contextCollection

	hookMu   sync.RWMutex
	onChange []func(Change)

	nowFunc func() time.Time
}

// New returns an empty Store persisting to kv. Call Load to restore state.
func New(kv kvstore.Store, opts Options, logger *slog.Logger) *Store {
	suffix := opts.ContextSuffix
	if suffix == "" {
		suffix = DefaultContextSuffix
	}

	return &Store{
		kv:      kv,
		suffix:  suffix,
		logger:  logger,
		tasks:   recordCollection{name: CollectionTasks, items: []Record{}},
		notes:   recordCollection{name: CollectionNotes, items: []Record{}},
		context: contextCollection{files: map[string]string{}},
		nowFunc: time.Now,
	}
}

// ContextSuffix returns the suffix single-file context updates must carry.
func (s *Store) ContextSuffix() string {
	return s.suffix
}

// OnChange registers fn to run after every successful write. Hooks run
// synchronously on the writer's goroutine after locks are released.
func (s *Store) OnChange(fn func(Change)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	s.onChange = append(s.onChange, fn)
}

func (s *Store) notify(c Change) {
	s.hookMu.RLock()
	hooks := slices.Clone(s.onChange)
	s.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(c)
	}
}

// nowMillis is the default syncedAt for writes that carry none.
func (s *Store) nowMillis() float64 {
	return float64(s.nowFunc().UnixNano()) / float64(time.Millisecond)
}

// Load restores all collections from the kv store. Missing records leave the
// collection empty; undecodable ones fail with *kvstore.CorruptError.
func (s *Store) Load(ctx context.Context) error {
	for _, c := range []*recordCollection{&s.tasks, &s.notes} {
		if err := s.loadRecords(ctx, c); err != nil {
			return err
		}
	}

	return s.loadContext(ctx)
}

func (s *Store) loadRecords(ctx context.Context, c *recordCollection) error {
	data, err := s.kv.Get(ctx, c.name)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("syncstore: loading %s: %w", c.name, err)
	}

	items, ts, err := decodeRecords(c.name, data)
	if err != nil {
		return fmt.Errorf("syncstore: loading %s: %w", c.name, &kvstore.CorruptError{Key: c.name, Err: err})
	}

	c.mu.Lock()
	c.items, c.syncedAt = items, ts.Value
	c.mu.Unlock()

	s.logger.Info("loaded collection", slog.String("collection", c.name), slog.Int("count", len(items)))

	return nil
}

func (s *Store) loadContext(ctx context.Context) error {
	data, err := s.kv.Get(ctx, CollectionContext)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("syncstore: loading context: %w", err)
	}

	var doc contextDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("syncstore: loading context: %w", &kvstore.CorruptError{Key: CollectionContext, Err: err})
	}

	if doc.Files == nil {
		doc.Files = map[string]string{}
	}

	s.context.mu.Lock()
	s.context.files, s.context.syncedAt = doc.Files, doc.SyncedAt
	s.context.mu.Unlock()

	s.logger.Info("loaded collection", slog.String("collection", CollectionContext), slog.Int("count", len(doc.Files)))

	return nil
}

// ReplaceTasks replaces the task collection. An absent syncedAt is stamped
// with the current time in epoch milliseconds; an explicit null is kept.
func (s *Store) ReplaceTasks(ctx context.Context, items []Record, syncedAt Timestamp) error {
	return s.replaceRecords(ctx, &s.tasks, items, syncedAt)
}

// ReplaceNotes replaces the note collection.
func (s *Store) ReplaceNotes(ctx context.Context, items []Record, syncedAt Timestamp) error {
	return s.replaceRecords(ctx, &s.notes, items, syncedAt)
}

func (s *Store) replaceRecords(ctx context.Context, c *recordCollection, items []Record, syncedAt Timestamp) error {
	if items == nil {
		items = []Record{}
	}

	ts := s.stamp(syncedAt)
	items = cloneRecords(items)

	c.mu.Lock()

	data, err := encodeRecords(c.name, items, ts)
	if err == nil {
		err = s.kv.Set(ctx, c.name, data)
	}

	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("syncstore: saving %s: %w", c.name, err)
	}

	c.items, c.syncedAt = items, ts
	c.mu.Unlock()

	s.logger.Info("replaced collection", slog.String("collection", c.name), slog.Int("count", len(items)))
	s.notify(Change{Collection: c.name, SyncedAt: copyFloat(ts), Count: len(items)})

	return nil
}

func (s *Store) stamp(syncedAt Timestamp) *float64 {
	if syncedAt.Set {
		return copyFloat(syncedAt.Value)
	}

	now := s.nowMillis()

	return &now
}

// Tasks returns the full task collection.
func (s *Store) Tasks() Collection {
	return s.tasks.snapshot(nil)
}

// Notes returns the full note collection.
func (s *Store) Notes() Collection {
	return s.notes.snapshot(nil)
}

// OpenTasks returns tasks that are neither completed nor dismissed.
func (s *Store) OpenTasks() Collection {
	return s.tasks.snapshot(func(r *Record) bool { return r.IsOpen() })
}

// TodayTasks returns open tasks whose startAt and hideUntil have passed at
// now, ordered by score descending. Equal scores keep their stored order.
func (s *Store) TodayTasks(now time.Time) Collection {
	ref := float64(now.UnixNano()) / float64(time.Second)

	c := s.tasks.snapshot(func(r *Record) bool {
		return r.IsOpen() && r.VisibleAt(ref)
	})

	sort.SliceStable(c.Items, func(i, j int) bool {
		return c.Items[i].ScoreOrZero() > c.Items[j].ScoreOrZero()
	})

	return c
}

// NotesByType returns notes whose type equals typ.
func (s *Store) NotesByType(typ string) Collection {
	return s.notes.snapshot(func(r *Record) bool { return r.TypeName() == typ })
}

func (c *recordCollection) snapshot(keep func(*Record) bool) Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items := make([]Record, 0, len(c.items))

	for i := range c.items {
		if keep == nil || keep(&c.items[i]) {
			items = append(items, c.items[i].clone())
		}
	}

	return Collection{Items: items, SyncedAt: copyFloat(c.syncedAt)}
}

// ReplaceContext replaces the whole context file map.
func (s *Store) ReplaceContext(ctx context.Context, files map[string]string, syncedAt Timestamp) error {
	ts := s.stamp(syncedAt)

	next := make(map[string]string, len(files))
	for k, v := range files {
		next[k] = v
	}

	s.context.mu.Lock()

	if err := s.saveContext(ctx, next, ts); err != nil {
		s.context.mu.Unlock()
		return err
	}

	s.context.files, s.context.syncedAt = next, ts
	s.context.mu.Unlock()

	s.logger.Info("replaced collection", slog.String("collection", CollectionContext), slog.Int("count", len(next)))
	s.notify(Change{Collection: CollectionContext, SyncedAt: copyFloat(ts), Count: len(next)})

	return nil
}

// Context returns the full context collection.
func (s *Store) Context() ContextFiles {
	s.context.mu.RLock()
	defer s.context.mu.RUnlock()

	files := make(map[string]string, len(s.context.files))
	for k, v := range s.context.files {
		files[k] = v
	}

	return ContextFiles{Files: files, SyncedAt: copyFloat(s.context.syncedAt)}
}

// ContextFile returns the text stored under name. A name that differs from
// a stored one only by Unicode normalization still matches.
func (s *Store) ContextFile(name string) (string, bool) {
	s.context.mu.RLock()
	defer s.context.mu.RUnlock()

	key, ok := s.context.lookup(name)
	if !ok {
		return "", false
	}

	return s.context.files[key], true
}

// FileUpdate reports a completed UpdateContextFile.
type FileUpdate struct {
	// File is the stored key: an existing name matched by normalization, or
	// the NFC form of a new one.
	File      string
	UpdatedAt float64
}

// UpdateContextFile sets one file and stamps the collection syncedAt with the
// current time. Every other file is left untouched.
func (s *Store) UpdateContextFile(ctx context.Context, name, text string) (FileUpdate, error) {
	if name == "" || !strings.HasSuffix(name, s.suffix) {
		return FileUpdate{}, fmt.Errorf("%w: %q (only %s files)", ErrSuffixNotAllowed, name, s.suffix)
	}

	s.context.mu.Lock()

	key, ok := s.context.lookup(name)
	if !ok {
		key = norm.NFC.String(name)
	}

	next := make(map[string]string, len(s.context.files)+1)
	for k, v := range s.context.files {
		next[k] = v
	}

	next[key] = text
	ts := s.nowMillis()

	if err := s.saveContext(ctx, next, &ts); err != nil {
		s.context.mu.Unlock()
		return FileUpdate{}, err
	}

	s.context.files, s.context.syncedAt = next, &ts
	count := len(next)
	s.context.mu.Unlock()

	s.logger.Info("updated context file", slog.String("file", key), slog.Int("bytes", len(text)))
	s.notify(Change{Collection: CollectionContext, SyncedAt: copyFloat(&ts), Count: count, File: key})

	return FileUpdate{File: key, UpdatedAt: ts}, nil
}

// lookup finds the stored key for name, exact match first, then by NFC
// form. Caller holds mu.
func (c *contextCollection) lookup(name string) (string, bool) {
	if _, ok := c.files[name]; ok {
		return name, true
	}

	want := norm.NFC.String(name)
	for k := range c.files {
		if norm.NFC.String(k) == want {
			return k, true
		}
	}

	return "", false
}

func (s *Store) saveContext(ctx context.Context, files map[string]string, ts *float64) error {
	data, err := json.Marshal(contextDocument{Files: files, SyncedAt: ts})
	if err != nil {
		return fmt.Errorf("syncstore: encoding context: %w", err)
	}

	if err := s.kv.Set(ctx, CollectionContext, data); err != nil {
		return fmt.Errorf("syncstore: saving context: %w", err)
	}

	return nil
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}

	v := *f

	return &v
}
