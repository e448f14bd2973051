package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before dirty entities are uploaded.
const DefaultDebounce = 2 * time.Second

// SaverOptions configures a Saver.
type SaverOptions struct {
	// Delay is the debounce window (default: DefaultDebounce)
	Delay time.Duration
	// Persist writes local state durably before keys are marked dirty.
	// Optional; callers that already wrote the store leave it nil.
	Persist func(ctx context.Context, keys []string) error
	// Validate checks the full local collection before any upload.
	Validate func(ctx context.Context) error
	// Upload sends the dirty entities and returns the keys that succeeded.
	Upload func(ctx context.Context, keys []string) ([]string, error)
	// Record durably stores the full dirty set whenever it changes, so
	// another process can finish the upload. Optional.
	Record   func(ctx context.Context, keys []string) error
	OnStatus func(Status)
	Logger   *slog.Logger
}

// Saver is the debounced save path for high-frequency edits. Edits mark
// entity keys dirty; once the edits go quiet for the delay, only the dirty
// entities are uploaded, so intermediate states are never sent.
type Saver struct {
	opts      SaverOptions
	logger    *slog.Logger
	debouncer *Debouncer

	mu    sync.Mutex
	dirty map[string]uint64 // key -> edit generation
	gen   uint64

	flushMu  sync.Mutex
	recordMu sync.Mutex
}

// NewSaver creates a saver. Upload is required.
func NewSaver(opts SaverOptions) (*Saver, error) {
	if opts.Upload == nil {
		return nil, fmt.Errorf("upload callback cannot be nil")
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Saver{
		opts:   opts,
		logger: opts.Logger.With("component", "saver"),
		dirty:  make(map[string]uint64),
	}
	s.debouncer = NewDebouncer(opts.Delay, func() {
		if err := s.flush(context.Background()); err != nil {
			s.logger.Warn("debounced save failed", "error", err)
		}
	})
	return s, nil
}

// MarkDirty persists the edit, records the dirty set and schedules an
// upload of keys. A persist failure is returned and nothing is marked.
func (s *Saver) MarkDirty(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if s.opts.Persist != nil {
		if err := s.opts.Persist(ctx, keys); err != nil {
			return fmt.Errorf("failed to persist local changes: %w", err)
		}
	}

	s.mark(keys)
	if err := s.record(ctx); err != nil {
		return err
	}

	s.setStatus(StatusEditing)
	s.debouncer.Trigger()
	return nil
}

// Restore marks keys dirty without scheduling an upload. It seeds the
// saver with the keys a previous process recorded but never uploaded.
func (s *Saver) Restore(keys []string) {
	if len(keys) == 0 {
		return
	}
	s.mark(keys)
	s.setStatus(StatusPending)
}

func (s *Saver) mark(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	for _, k := range keys {
		s.dirty[k] = s.gen
	}
}

func (s *Saver) record(ctx context.Context) error {
	if s.opts.Record == nil {
		return nil
	}
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	if err := s.opts.Record(ctx, s.Pending()); err != nil {
		return fmt.Errorf("failed to record pending uploads: %w", err)
	}
	return nil
}

// Flush uploads dirty entities now instead of waiting for the debounce.
func (s *Saver) Flush(ctx context.Context) error {
	s.debouncer.Cancel()
	return s.flush(ctx)
}

// ForceSyncAll marks every key dirty and uploads immediately.
func (s *Saver) ForceSyncAll(ctx context.Context, keys []string) error {
	s.mark(keys)
	if err := s.record(ctx); err != nil {
		return err
	}
	return s.Flush(ctx)
}

// Pending returns the dirty keys, sorted.
func (s *Saver) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.dirty))
}

// Close drops any scheduled upload. Dirty keys are kept.
func (s *Saver) Close() {
	s.debouncer.Cancel()
}

func (s *Saver) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	snapshot := maps.Clone(s.dirty)
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(snapshot))

	s.setStatus(StatusSyncing)

	if s.opts.Validate != nil {
		if err := s.opts.Validate(ctx); err != nil {
			s.setStatus(StatusError)
			return fmt.Errorf("refusing to upload invalid data: %w", err)
		}
	}

	uploaded, uploadErr := s.opts.Upload(ctx, keys)

	s.mu.Lock()
	for _, k := range uploaded {
		// An edit made during the upload keeps its key dirty
		if gen, ok := s.dirty[k]; ok && gen == snapshot[k] {
			delete(s.dirty, k)
		}
	}
	remaining := len(s.dirty)
	s.mu.Unlock()

	if err := s.record(ctx); err != nil {
		s.logger.Warn("pending uploads not recorded", "error", err)
	}

	switch {
	case uploadErr != nil:
		s.setStatus(StatusError)
	case remaining > 0:
		s.setStatus(StatusPending)
	default:
		s.setStatus(StatusSynced)
	}

	if uploadErr != nil {
		return fmt.Errorf("failed to upload %d of %d entities: %w", len(keys)-len(uploaded), len(keys), uploadErr)
	}
	s.logger.Debug("uploaded dirty entities", "count", len(uploaded))
	return nil
}

func (s *Saver) setStatus(st Status) {
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}
