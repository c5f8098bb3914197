// Package permstore implements the permission store: named tables of
// entries, each holding an opaque value and a set of permissions per app.
//
// Reads are served from memory. Mutations are applied to memory at once,
// announced to subscribers, and then handed to a single writer goroutine
// that rewrites the affected table file. Every caller queued behind the
// same write receives that write's outcome.
package permstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ajaxzhan/document-portal/internal/codec"
	"github.com/ajaxzhan/document-portal/internal/logging"
	"github.com/ajaxzhan/document-portal/internal/metrics"
	"github.com/ajaxzhan/document-portal/pkg/types"
	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"
)

// ErrNotFound is returned for missing entries.
var ErrNotFound = types.ErrEntryNotFound

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("permission store closed")

const (
	lockFileName  = ".lock"
	tableVersion  = 1
	writeQueueLen = 64
)

// Entry is one row of a table.
type Entry struct {
	Data        []byte
	Permissions types.AppPermissions
	// Transient entries live in memory only and are never written out.
	Transient bool
}

func (e *Entry) clone() Entry {
	return Entry{
		Data:        append([]byte(nil), e.Data...),
		Permissions: e.Permissions.Clone(),
		Transient:   e.Transient,
	}
}

// Change describes one mutation, delivered to subscribers.
type Change struct {
	Table       string
	ID          string
	Deleted     bool
	Data        []byte
	Permissions types.AppPermissions
}

// tableFile is the on-disk representation of a table.
type tableFile struct {
	Version int                    `cbor:"1,keyasint"`
	Entries map[string]entryRecord `cbor:"2,keyasint"`
}

type entryRecord struct {
	Data        []byte              `cbor:"1,keyasint,omitempty"`
	Permissions map[string][]string `cbor:"2,keyasint,omitempty"`
}

type table struct {
	name    string
	entries map[string]*Entry
}

type writeRequest struct {
	table string
	done  chan error
}

// Store is the permission store.
type Store struct {
	dir  string
	lock *flock.Flock

	mu     sync.RWMutex
	tables map[string]*table

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	// Changes are announced in the order they were applied. mutSeq is
	// guarded by mu, emitSeq by emitMu.
	mutSeq   uint64
	emitMu   sync.Mutex
	emitCond *sync.Cond
	emitSeq  uint64

	writeCh    chan writeRequest
	closeOnce  sync.Once
	closed     chan struct{}
	writerDone chan struct{}
}

// Open opens the store rooted at dir, creating the directory if needed.
// Only one process may hold a store directory at a time.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("permission store %s is in use by another instance", dir)
	}

	s := &Store{
		dir:        dir,
		lock:       lock,
		tables:     make(map[string]*table),
		subs:       make(map[int]func(Change)),
		writeCh:    make(chan writeRequest, writeQueueLen),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.emitCond = sync.NewCond(&s.emitMu)
	go s.writer()
	return s, nil
}

// Close waits for queued writes and releases the directory lock.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		<-s.writerDone
	})
	return s.lock.Unlock()
}

// Dir returns the directory holding the table files.
func (s *Store) Dir() string {
	return s.dir
}

func validTableName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') || strings.HasPrefix(name, ".") {
		return types.InvalidArgumentf("invalid table name %q", name)
	}
	return nil
}

// getTable returns the named table, loading it from disk on first use.
// The caller must hold s.mu for writing.
func (s *Store) getTable(name string) (*table, error) {
	if err := validTableName(name); err != nil {
		return nil, err
	}
	if t, ok := s.tables[name]; ok {
		return t, nil
	}
	t, err := s.loadTable(name)
	if err != nil {
		return nil, err
	}
	s.tables[name] = t
	return t, nil
}

// readTable is getTable for readers holding only the read lock. Tables that
// are not loaded yet are loaded under the write lock.
func (s *Store) readTable(name string, fn func(*table) error) error {
	s.mu.RLock()
	if t, ok := s.tables[name]; ok {
		defer s.mu.RUnlock()
		return fn(t)
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getTable(name)
	if err != nil {
		return err
	}
	return fn(t)
}

func (s *Store) loadTable(name string) (*table, error) {
	t := &table{name: name, entries: make(map[string]*Entry)}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("failed to read table %s: %w", name, err)
	}
	if len(data) == 0 {
		return t, nil
	}

	var tf tableFile
	if err := codec.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse table %s: %w", name, err)
	}
	if tf.Version > tableVersion {
		return nil, fmt.Errorf("table %s has unsupported version %d", name, tf.Version)
	}
	for id, rec := range tf.Entries {
		t.entries[id] = &Entry{
			Data:        rec.Data,
			Permissions: types.AppPermissions(rec.Permissions),
		}
	}
	logging.Debug("Loaded permission table", logging.String("table", name), logging.Int("entries", len(t.entries)))
	return t, nil
}

// Load makes sure the named table is loaded, failing if its file is unreadable.
func (s *Store) Load(tableName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.getTable(tableName)
	return err
}

// =============================================================================
// Reads
// =============================================================================

// List returns the ids in a table, sorted.
func (s *Store) List(tableName string) ([]string, error) {
	var ids []string
	err := s.readTable(tableName, func(t *table) error {
		ids = make([]string, 0, len(t.entries))
		for id := range t.entries {
			ids = append(ids, id)
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

// Lookup returns a copy of an entry.
func (s *Store) Lookup(tableName, id string) (Entry, error) {
	var out Entry
	err := s.readTable(tableName, func(t *table) error {
		e, ok := t.entries[id]
		if !ok {
			return fmt.Errorf("%s/%s: %w", tableName, id, ErrNotFound)
		}
		out = e.clone()
		return nil
	})
	return out, err
}

// GetPermission returns the permissions app holds on an entry. An app
// without permissions gets an empty list.
func (s *Store) GetPermission(tableName, id, app string) ([]string, error) {
	var out []string
	err := s.readTable(tableName, func(t *table) error {
		e, ok := t.entries[id]
		if !ok {
			return fmt.Errorf("%s/%s: %w", tableName, id, ErrNotFound)
		}
		out = append([]string{}, e.Permissions[app]...)
		return nil
	})
	return out, err
}

// Entries calls fn for every entry of a table while holding the read lock.
// fn must not call back into the store.
func (s *Store) Entries(tableName string, fn func(id string, e *Entry)) error {
	return s.readTable(tableName, func(t *table) error {
		for id, e := range t.entries {
			fn(id, e)
		}
		return nil
	})
}

// =============================================================================
// Mutations
// =============================================================================

// mutate applies fn to the table under the write lock, notifies
// subscribers and waits for the table to reach disk. fn returns the change
// to announce and whether the table file needs rewriting.
func (s *Store) mutate(ctx context.Context, tableName string, fn func(t *table) (*Change, bool, error)) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	t, err := s.getTable(tableName)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	change, persist, err := fn(t)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var seq uint64
	if change != nil {
		seq = s.mutSeq
		s.mutSeq++
	}
	s.mu.Unlock()

	if change != nil {
		s.emitInOrder(seq, *change)
	}
	if !persist {
		return nil
	}
	return s.flush(ctx, tableName)
}

// flush queues a write of the table and waits for its outcome.
func (s *Store) flush(ctx context.Context, tableName string) error {
	req := writeRequest{table: tableName, done: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-s.writerDone:
		select {
		case err := <-req.done:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set replaces an entry's value and permissions.
func (s *Store) Set(ctx context.Context, tableName string, create bool, id string, perms types.AppPermissions, data []byte) error {
	return s.Put(ctx, tableName, create, id, Entry{Data: data, Permissions: perms})
}

// Put stores a whole entry, including its transient marker.
func (s *Store) Put(ctx context.Context, tableName string, create bool, id string, e Entry) error {
	return s.mutate(ctx, tableName, func(t *table) (*Change, bool, error) {
		old, exists := t.entries[id]
		if !exists && !create {
			return nil, false, fmt.Errorf("%s/%s: %w", tableName, id, ErrNotFound)
		}
		ne := e.clone()
		if ne.Permissions == nil {
			ne.Permissions = types.AppPermissions{}
		}
		t.entries[id] = &ne
		persist := !ne.Transient || (exists && !old.Transient)
		return changeFor(tableName, id, &ne), persist, nil
	})
}

// SetValue replaces an entry's value, keeping its permissions.
func (s *Store) SetValue(ctx context.Context, tableName string, create bool, id string, data []byte) error {
	return s.mutate(ctx, tableName, func(t *table) (*Change, bool, error) {
		e, ok := t.entries[id]
		if !ok {
			if !create {
				return nil, false, fmt.Errorf("%s/%s: %w", tableName, id, ErrNotFound)
			}
			e = &Entry{Permissions: types.AppPermissions{}}
			t.entries[id] = e
		}
		e.Data = append([]byte(nil), data...)
		return changeFor(tableName, id, e), !e.Transient, nil
	})
}

// SetPermission replaces the permissions of one app on an entry. An empty
// list removes the app.
func (s *Store) SetPermission(ctx context.Context, tableName string, create bool, id, app string, perms []string) error {
	return s.mutate(ctx, tableName, func(t *table) (*Change, bool, error) {
		e, ok := t.entries[id]
		if !ok {
			if !create {
				return nil, false, fmt.Errorf("%s/%s: %w", tableName, id, ErrNotFound)
			}
			e = &Entry{Permissions: types.AppPermissions{}}
			t.entries[id] = e
		}
		if e.Permissions == nil {
			e.Permissions = types.AppPermissions{}
		}
		if len(perms) == 0 {
			delete(e.Permissions, app)
		} else {
			e.Permissions[app] = append([]string(nil), perms...)
		}
		return changeFor(tableName, id, e), !e.Transient, nil
	})
}

// DeletePermission removes all permissions of one app on an entry.
func (s *Store) DeletePermission(ctx context.Context, tableName, id, app string) error {
	return s.mutate(ctx, tableName, func(t *table) (*Change, bool, error) {
		e, ok := t.entries[id]
		if !ok {
			return nil, false, fmt.Errorf("%s/%s: %w", tableName, id, ErrNotFound)
		}
		delete(e.Permissions, app)
		return changeFor(tableName, id, e), !e.Transient, nil
	})
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, tableName, id string) error {
	return s.mutate(ctx, tableName, func(t *table) (*Change, bool, error) {
		e, ok := t.entries[id]
		if !ok {
			return nil, false, fmt.Errorf("%s/%s: %w", tableName, id, ErrNotFound)
		}
		delete(t.entries, id)
		change := changeFor(tableName, id, e)
		change.Deleted = true
		return change, !e.Transient, nil
	})
}

func changeFor(tableName, id string, e *Entry) *Change {
	return &Change{
		Table:       tableName,
		ID:          id,
		Data:        append([]byte(nil), e.Data...),
		Permissions: e.Permissions.Clone(),
	}
}

// =============================================================================
// Change notification
// =============================================================================

// Subscribe registers fn to receive every change. fn runs on the mutating
// goroutine after the in-memory update and before the write reaches disk,
// one change at a time in the order the changes were applied. It must not
// block or mutate the store. The returned function unsubscribes.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// emitInOrder waits until every earlier change has been announced, then
// announces c.
func (s *Store) emitInOrder(seq uint64, c Change) {
	s.emitMu.Lock()
	for s.emitSeq != seq {
		s.emitCond.Wait()
	}
	s.emitMu.Unlock()

	s.emit(c)

	s.emitMu.Lock()
	s.emitSeq++
	s.emitCond.Broadcast()
	s.emitMu.Unlock()
}

func (s *Store) emit(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// =============================================================================
// Writer
// =============================================================================

// writer drains the queue, writing each dirty table once per batch.
func (s *Store) writer() {
	defer close(s.writerDone)

	for {
		var first writeRequest
		select {
		case first = <-s.writeCh:
		case <-s.closed:
			s.drainOnClose()
			return
		}

		batch := []writeRequest{first}
	collect:
		for {
			select {
			case req := <-s.writeCh:
				batch = append(batch, req)
			default:
				break collect
			}
		}
		s.writeBatch(batch)
	}
}

func (s *Store) drainOnClose() {
	for {
		select {
		case req := <-s.writeCh:
			s.writeBatch([]writeRequest{req})
		default:
			return
		}
	}
}

func (s *Store) writeBatch(batch []writeRequest) {
	results := make(map[string]error)
	for _, req := range batch {
		if _, done := results[req.table]; done {
			continue
		}
		results[req.table] = s.writeTable(req.table)
	}
	for _, req := range batch {
		req.done <- results[req.table]
	}
}

// writeTable atomically replaces the table file with the current image.
func (s *Store) writeTable(name string) error {
	start := time.Now()

	s.mu.RLock()
	t, ok := s.tables[name]
	tf := tableFile{Version: tableVersion, Entries: make(map[string]entryRecord)}
	if ok {
		for id, e := range t.entries {
			if e.Transient {
				continue
			}
			tf.Entries[id] = entryRecord{Data: e.Data, Permissions: e.Permissions}
		}
	}
	data, err := codec.Marshal(tf)
	s.mu.RUnlock()

	if err == nil {
		err = atomicwriter.WriteFile(filepath.Join(s.dir, name), data, 0600)
	}

	metrics.StoreFlushDuration.Observe(time.Since(start).Seconds())
	metrics.StoreFlushes.WithLabelValues(name, metrics.Result(err)).Inc()
	if err != nil {
		logging.Error("Failed to write permission table", logging.String("table", name), logging.Err(err))
		return types.Failed("failed to write table "+name, err)
	}
	return nil
}
