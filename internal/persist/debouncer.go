// Package persist turns a stream of local edits into occasional durable
// snapshots.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ducklets/api/internal/crdt"
)

const DefaultDelay = time.Second

// writeTimeout bounds a write started by the timer, which has no caller
// context.
const writeTimeout = 10 * time.Second

var ErrWriteFailed = errors.New("persistence write failed")

// Saver is the durable storage collaborator.
type Saver interface {
	SaveSnapshot(ctx context.Context, roomID string, snapshot crdt.Snapshot) error
}

type SaverFunc func(ctx context.Context, roomID string, snapshot crdt.Snapshot) error

func (f SaverFunc) SaveSnapshot(ctx context.Context, roomID string, snapshot crdt.Snapshot) error {
	return f(ctx, roomID, snapshot)
}

// SnapshotFunc reads the current document content.
type SnapshotFunc func() crdt.Snapshot

type Option func(*Debouncer)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Debouncer) { d.logger = logger }
}

// WithResultHook registers fn to observe the outcome of every write.
func WithResultHook(fn func(roomID string, elapsed time.Duration, err error)) Option {
	return func(d *Debouncer) { d.onResult = fn }
}

// Debouncer coalesces the local edits of one room into at most one write
// per quiet window. A write that is already running is never cancelled; a
// newer window queues behind it so the last snapshot always lands last.
type Debouncer struct {
	roomID   string
	delay    time.Duration
	source   SnapshotFunc
	saver    Saver
	logger   *slog.Logger
	onResult func(string, time.Duration, error)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
	closed  bool

	// writeMu orders writes of successive windows.
	writeMu sync.Mutex
}

func NewDebouncer(roomID string, delay time.Duration, source SnapshotFunc, saver Saver, opts ...Option) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	d := &Debouncer{
		roomID: roomID,
		delay:  delay,
		source: source,
		saver:  saver,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Touch restarts the quiet window. Call it for Local-tagged merges only.
func (d *Debouncer) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Pending reports whether a window is open.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.closed || !d.pending || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = d.write(ctx)
}

func (d *Debouncer) write(ctx context.Context) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	snapshot := d.source()
	start := time.Now()
	err := d.saver.SaveSnapshot(ctx, d.roomID, snapshot)
	elapsed := time.Since(start)
	if d.onResult != nil {
		d.onResult(d.roomID, elapsed, err)
	}
	if err != nil {
		d.logger.Error("persistence write failed",
			"room_id", d.roomID,
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
		return fmt.Errorf("%w: room %s: %v", ErrWriteFailed, d.roomID, err)
	}
	d.logger.Debug("snapshot persisted", "room_id", d.roomID, "duration_ms", elapsed.Milliseconds())
	return nil
}

// Flush writes immediately if a window is open and waits for any write
// already running. It is used when the last session leaves a room.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	wasPending := d.pending
	d.pending = false
	d.gen++
	d.mu.Unlock()

	if wasPending {
		return d.write(ctx)
	}
	d.writeMu.Lock()
	d.writeMu.Unlock()
	return nil
}

// Close drops any open window without writing and stops future Touch calls
// from scheduling. A running write is left to finish.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// MultiSaver writes one snapshot to several sinks and joins their errors.
type MultiSaver []Saver

func (m MultiSaver) SaveSnapshot(ctx context.Context, roomID string, snapshot crdt.Snapshot) error {
	var errs []error
	for _, saver := range m {
		if saver == nil {
			continue
		}
		if err := saver.SaveSnapshot(ctx, roomID, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
