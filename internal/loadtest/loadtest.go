// Package loadtest exercises the outbox and the processor under concurrent
// load.
//
// Writers append mutations concurrently while the store serializes them;
// the processor then drains the log through an applier that fails a
// configurable share of deliveries. The run verifies that ids are unique
// and gap-free and that every mutation is eventually delivered exactly once
// to the remote.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/habittrack/habitsync/internal/daemon"
	"github.com/habittrack/habitsync/internal/db"
	"github.com/habittrack/habitsync/internal/outbox"
	"github.com/habittrack/habitsync/internal/remote"
	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// Config controls a run.
type Config struct {
	// Writers is the number of concurrent appenders
	Writers int
	// MutationsPerWriter is how many mutations each writer appends
	MutationsPerWriter int
	// FailureRate is the share of deliveries that fail, in [0, 1)
	FailureRate float64
	// PageSize is the processor page size (default: outbox.DefaultPageSize)
	PageSize int
	// MaxRounds bounds drain-and-retry rounds (default: 100)
	MaxRounds int
	// Seed makes failures reproducible
	Seed   int64
	Logger *slog.Logger
}

// DefaultConfig returns a small run.
func DefaultConfig() Config {
	return Config{
		Writers:            8,
		MutationsPerWriter: 50,
		FailureRate:        0.2,
		MaxRounds:          100,
		Seed:               42,
	}
}

// LatencyStats captures performance metrics.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Appended int
	// Delivered counts distinct mutations the remote accepted
	Delivered int
	// Redelivered counts successful applies of an already applied mutation
	Redelivered int
	// InjectedFailures counts deliveries the applier failed on purpose
	InjectedFailures int
	Passes           int
	Rounds           int
	Append           LatencyStats
	Apply            LatencyStats
	Duration         time.Duration
	Stats            outbox.Stats
}

// Target is a local store plus a file remote in one directory.
type Target struct {
	DB     *db.DB
	Outbox *outbox.Outbox
	Remote *remote.SQLRemote
}

// OpenTarget creates a fresh store and remote under dir.
func OpenTarget(ctx context.Context, dir string, logger *slog.Logger) (*Target, error) {
	database, err := db.Open(filepath.Join(dir, "loadtest.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchemaContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	rem, err := remote.OpenSQLite(filepath.Join(dir, "loadtest-remote.db"), logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	if err := rem.InitSchema(ctx); err != nil {
		_ = rem.Close()
		_ = database.Close()
		return nil, err
	}

	return &Target{
		DB:     database,
		Outbox: outbox.New(database, outbox.Options{Logger: logger}),
		Remote: rem,
	}, nil
}

// Close closes the store and the remote.
func (t *Target) Close() error {
	rerr := t.Remote.Close()
	if err := t.DB.Close(); err != nil {
		return err
	}
	return rerr
}

// Run appends and drains according to cfg.
func (t *Target) Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Writers <= 0 || cfg.MutationsPerWriter <= 0 {
		return nil, fmt.Errorf("writers and mutations per writer must be positive")
	}
	if cfg.FailureRate < 0 || cfg.FailureRate >= 1 {
		return nil, fmt.Errorf("failure rate must be in [0, 1), got %v", cfg.FailureRate)
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	start := time.Now()

	ids, appendLatency, err := t.appendConcurrently(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := checkIDs(ids); err != nil {
		return nil, err
	}

	applier := newFlakyApplier(t.Remote, cfg.FailureRate, cfg.Seed)
	proc := daemon.NewProcessor(t.Outbox, applier, daemon.ProcessorOptions{
		ClientID: "loadtest",
		PageSize: cfg.PageSize,
		Logger:   cfg.Logger,
	})

	report := &Report{Appended: len(ids), Append: computeLatencyStats(appendLatency)}

	for report.Rounds < cfg.MaxRounds {
		report.Rounds++
		for {
			res, err := proc.TriggerSync(ctx)
			if err != nil {
				return nil, err
			}
			report.Passes++
			if res.Attempted == 0 {
				break
			}
		}

		stats, err := t.Outbox.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		if stats.Pending+stats.Failed == 0 {
			break
		}
		// Failed records are backing off; make them due instead of waiting
		if _, err := t.Outbox.RetryNow(ctx); err != nil {
			return nil, err
		}
	}

	stats, err := t.Outbox.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	report.Stats = stats
	report.Duration = time.Since(start)

	applier.mu.Lock()
	report.Delivered = len(applier.applied)
	report.Redelivered = applier.redelivered
	report.InjectedFailures = applier.failures
	report.Apply = computeLatencyStats(applier.latency)
	applier.mu.Unlock()

	if stats.Delivered != report.Appended {
		return report, fmt.Errorf("%d of %d mutations delivered after %d rounds", stats.Delivered, report.Appended, report.Rounds)
	}
	return report, nil
}

func (t *Target) appendConcurrently(ctx context.Context, cfg Config) ([]int64, []time.Duration, error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ids       []int64
		latencies []time.Duration
	)
	errs := make(chan error, cfg.Writers)

	for w := 0; w < cfg.Writers; w++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()

			for i := 0; i < cfg.MutationsPerWriter; i++ {
				op, entityType, entityID, payload := generateMutation(writer, i)

				begin := time.Now()
				id, err := t.Outbox.AddMutation(ctx, op, entityType, entityID, payload)
				elapsed := time.Since(begin)
				if err != nil {
					errs <- fmt.Errorf("writer %d mutation %d failed: %w", writer, i, err)
					return
				}

				mu.Lock()
				ids = append(ids, id)
				latencies = append(latencies, elapsed)
				mu.Unlock()
			}
		}(w)
	}

	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return nil, nil, err
	}
	return ids, latencies, nil
}

// generateMutation returns a deterministic mutation for writer's i-th
// append: habit creates and updates with an occasional delete.
func generateMutation(writer, i int) (schema.Operation, string, string, any) {
	habitID := fmt.Sprintf("lt-%02d-%03d", writer, i/3)
	now := time.Now().UTC()

	switch i % 3 {
	case 0:
		return schema.OpCreate, schema.EntityHabit, habitID, schema.Habit{
			ID: habitID, Name: fmt.Sprintf("Habit %d/%d", writer, i), Checkmarks: map[string]bool{}, CreatedAt: now, UpdatedAt: now,
		}
	case 1:
		return schema.OpUpdate, schema.EntityHabit, habitID, schema.Habit{
			ID: habitID, Name: fmt.Sprintf("Habit %d/%d", writer, i), Checkmarks: map[string]bool{now.Format("2006-01-02"): true}, CreatedAt: now, UpdatedAt: now,
		}
	default:
		return schema.OpDelete, schema.EntityHabit, habitID, nil
	}
}

// checkIDs verifies ids are unique and contiguous.
func checkIDs(ids []int64) error {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return fmt.Errorf("duplicate mutation id %d", sorted[i])
		}
		if sorted[i] != sorted[i-1]+1 {
			return fmt.Errorf("gap in mutation ids between %d and %d", sorted[i-1], sorted[i])
		}
	}
	return nil
}

// flakyApplier fails a share of deliveries before they reach the remote.
type flakyApplier struct {
	next remote.Applier
	rate float64

	mu          sync.Mutex
	rng         *rand.Rand
	applied     map[int64]bool
	redelivered int
	failures    int
	latency     []time.Duration
}

func newFlakyApplier(next remote.Applier, rate float64, seed int64) *flakyApplier {
	return &flakyApplier{
		next:    next,
		rate:    rate,
		rng:     rand.New(rand.NewSource(seed)),
		applied: make(map[int64]bool),
	}
}

func (f *flakyApplier) Apply(ctx context.Context, req remote.Request) error {
	f.mu.Lock()
	fail := f.rng.Float64() < f.rate
	if fail {
		f.failures++
	}
	f.mu.Unlock()

	if fail {
		return &syncerr.TransportError{Op: "apply", StatusCode: 503, Err: fmt.Errorf("injected failure")}
	}

	begin := time.Now()
	err := f.next.Apply(ctx, req)
	elapsed := time.Since(begin)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = append(f.latency, elapsed)
	if err == nil {
		if f.applied[req.MutationID] {
			f.redelivered++
		}
		f.applied[req.MutationID] = true
	}
	return err
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Fprint writes latency statistics under a label.
func (s LatencyStats) Fprint(w io.Writer, label string) {
	fmt.Fprintf(w, "%s latency (%d samples):\n", label, s.Count)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// Fprint writes the report.
func (r *Report) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Appended:          %d\n", r.Appended)
	fmt.Fprintf(w, "Delivered:         %d\n", r.Delivered)
	fmt.Fprintf(w, "Redelivered:       %d\n", r.Redelivered)
	fmt.Fprintf(w, "Injected failures: %d\n", r.InjectedFailures)
	fmt.Fprintf(w, "Passes / rounds:   %d / %d\n", r.Passes, r.Rounds)
	fmt.Fprintf(w, "Duration:          %v\n", r.Duration)
	r.Append.Fprint(w, "Append")
	r.Apply.Fprint(w, "Apply")
}
