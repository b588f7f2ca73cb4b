package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kal997/nt-notifier/internal/models"
)

var (
	// ErrTypeMismatch is returned by SetEntryValue when the new value has a
	// different type than the existing one.
	ErrTypeMismatch = errors.New("value type mismatch")

	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("entry not found")
)

// Table is the in-process key space. Every mutation is reported to the
// notifier before the table lock is released, so notifications for one
// table are ingested in mutation order. Local mutations are written to the
// mirror first; if that fails the table is left unchanged and nothing is
// reported.
type Table struct {
	notifier Ingester
	mirror   Storage
	log      *zap.Logger

	mu      sync.RWMutex
	entries map[string]*models.Entry
	next    models.EntryHandle
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithMirror writes every local mutation through to s.
func WithMirror(s Storage) TableOption {
	return func(t *Table) {
		t.mirror = s
	}
}

// WithTableLogger sets the logger.
func WithTableLogger(log *zap.Logger) TableOption {
	return func(t *Table) {
		if log != nil {
			t.log = log
		}
	}
}

// NewTable creates an empty table reporting to n.
func NewTable(n Ingester, opts ...TableOption) *Table {
	t := &Table{
		notifier: n,
		log:      zap.NewNop(),
		entries:  make(map[string]*models.Entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetEntryValue creates or updates an entry. Changing the type of an
// existing entry fails with ErrTypeMismatch; an identical value is a no-op.
// NaN and infinite doubles are rejected with models.ErrNonFinite.
func (t *Table) SetEntryValue(ctx context.Context, name string, v models.Value) error {
	return t.set(ctx, name, v, false, true)
}

// SetEntryTypeValue is SetEntryValue that allows a type change.
func (t *Table) SetEntryTypeValue(ctx context.Context, name string, v models.Value) error {
	return t.set(ctx, name, v, true, true)
}

func (t *Table) set(ctx context.Context, name string, v models.Value, force, local bool) error {
	if name == "" {
		return fmt.Errorf("entry name cannot be empty")
	}
	if !v.IsValid() {
		return fmt.Errorf("entry %s: value is unassigned", name)
	}
	if !v.IsFinite() {
		return fmt.Errorf("entry %s: %w", name, models.ErrNonFinite)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.entries[name]
	var next models.Entry
	var kind models.Flags
	switch {
	case !ok:
		next = models.Entry{Handle: t.next + 1, Name: name, Value: v}
		kind = models.NotifyNew
	case cur.Value.Type != v.Type && !force:
		return fmt.Errorf("%w: %s is %s, got %s", ErrTypeMismatch, name, cur.Value.Type, v.Type)
	case cur.Value.Equal(v):
		return nil
	default:
		next = *cur
		next.Value = v
		kind = models.NotifyUpdate
	}

	if local {
		if err := t.store(ctx, next); err != nil {
			return err
		}
	}
	if !ok {
		t.next = next.Handle
	}
	t.commit(&next, kind, local)
	return nil
}

// SetEntryFlags changes the flags of an existing entry.
func (t *Table) SetEntryFlags(ctx context.Context, name string, flags uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if cur.Flags == flags {
		return nil
	}
	next := *cur
	next.Flags = flags
	if err := t.store(ctx, next); err != nil {
		return err
	}
	t.commit(&next, models.NotifyFlags, true)
	return nil
}

// DeleteEntry removes an entry. The DELETE notification carries the last
// value. Deleting a missing entry is a no-op.
func (t *Table) DeleteEntry(ctx context.Context, name string) error {
	return t.delete(ctx, name, true)
}

func (t *Table) delete(ctx context.Context, name string, local bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		return nil
	}

	if local && t.mirror != nil {
		if err := t.mirror.Delete(ctx, name); err != nil {
			t.log.Warn("mirror delete failed", zap.String("name", name), zap.Error(err))
			return fmt.Errorf("mirror delete %s: %w", name, err)
		}
	}
	delete(t.entries, name)
	t.emit(e, models.NotifyDelete, local)
	return nil
}

// commit stores e in the table and reports it. Caller holds mu.
func (t *Table) commit(e *models.Entry, kind models.Flags, local bool) {
	t.entries[e.Name] = e
	t.emit(e, kind, local)
}

// ApplyRemote applies a mutation received from a peer. It never writes to
// the mirror and its notifications are not LOCAL. When both value and flags
// change a single UPDATE|FLAGS notification is emitted.
func (t *Table) ApplyRemote(name string, v models.Value, flags uint32) {
	if name == "" || !v.IsValid() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		t.next++
		e = &models.Entry{Handle: t.next, Name: name, Value: v, Flags: flags}
		t.entries[name] = e
		t.emit(e, models.NotifyNew, false)
		return
	}

	var kind models.Flags
	if !e.Value.Equal(v) {
		e.Value = v
		kind |= models.NotifyUpdate
	}
	if e.Flags != flags {
		e.Flags = flags
		kind |= models.NotifyFlags
	}
	if kind != 0 {
		t.emit(e, kind, false)
	}
}

// DeleteRemote removes an entry deleted by a peer.
func (t *Table) DeleteRemote(name string) {
	_ = t.delete(context.Background(), name, false)
}

// emit reports a mutation. Caller holds mu.
func (t *Table) emit(e *models.Entry, kind models.Flags, local bool) {
	if local && !t.notifier.HasLocalSubscriptions() {
		return
	}
	t.notifier.Ingest(e.Handle, e.Name, e.Value, kind, local, false)
}

// store writes e to the mirror. Caller holds mu so the mirror sees writes
// in table order.
func (t *Table) store(ctx context.Context, e models.Entry) error {
	if t.mirror == nil {
		return nil
	}
	if err := t.mirror.Store(ctx, e); err != nil {
		t.log.Warn("mirror write failed", zap.String("name", e.Name), zap.Error(err))
		return fmt.Errorf("mirror store %s: %w", e.Name, err)
	}
	return nil
}

// GetEntry returns a copy of the named entry.
func (t *Table) GetEntry(name string) (models.Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[name]
	if !ok {
		return models.Entry{}, false
	}
	return *e, true
}

// Entries returns every entry whose name starts with prefix, sorted by name.
func (t *Table) Entries(prefix string) []models.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []models.Entry
	for name, e := range t.entries {
		if strings.HasPrefix(name, prefix) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot calls fn with every entry in creation order while holding the
// read lock, so no mutation is reported until fn returns.
func (t *Table) Snapshot(fn func([]models.Entry)) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	fn(out)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}

// Apply runs a parsed publisher command against the table.
func (t *Table) Apply(ctx context.Context, cmd *models.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	switch cmd.Op {
	case models.OpSet:
		return t.SetEntryValue(ctx, cmd.Name, cmd.Value)
	case models.OpForce:
		return t.SetEntryTypeValue(ctx, cmd.Name, cmd.Value)
	case models.OpDelete:
		return t.DeleteEntry(ctx, cmd.Name)
	case models.OpFlags:
		return t.SetEntryFlags(ctx, cmd.Name, cmd.Flags)
	default:
		return fmt.Errorf("unsupported operation: %s", cmd.Op)
	}
}
