// Package status renders scheduler snapshots. The scheduler calls a Sink on
// every render tick with one Status per organization, sorted by name.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/reconloop/reconloop/internal/chain"
)

type Sink interface {
	Render(ctx context.Context, statuses []chain.Status) error
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, statuses []chain.Status) error

func (f Func) Render(ctx context.Context, statuses []chain.Status) error {
	return f(ctx, statuses)
}

const clearScreen = "\033[H\033[2J"

// Table redraws a table of all organizations, clearing the terminal first.
type Table struct {
	mx    sync.Mutex
	w     io.Writer
	clear bool
}

type TableOption func(*Table)

// WithoutClear keeps previous output, used when w is not a terminal.
func WithoutClear() TableOption {
	return func(t *Table) {
		t.clear = false
	}
}

func NewTable(w io.Writer, opts ...TableOption) *Table {
	t := &Table{w: w, clear: true}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) Render(_ context.Context, statuses []chain.Status) error {
	t.mx.Lock()
	defer t.mx.Unlock()

	if t.clear {
		if _, err := io.WriteString(t.w, clearScreen); err != nil {
			return err
		}
	}
	table := tablewriter.NewWriter(t.w)
	table.Header("Org", "Step", "Progress", "Step time", "Chain time", "Runs")
	for _, st := range statuses {
		err := table.Append([]string{
			st.Org,
			st.Step,
			progress(st),
			FormatElapsed(st.StepElapsed),
			FormatElapsed(st.ChainElapsed),
			strconv.Itoa(st.Runs),
		})
		if err != nil {
			return fmt.Errorf("appending %s: %w", st.Org, err)
		}
	}
	return table.Render()
}

func progress(st chain.Status) string {
	if !st.Running {
		return "-"
	}
	return fmt.Sprintf("%d/%d", st.StepIndex+1, st.Steps)
}

// FormatElapsed prints d as h:mm:ss.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// Log writes one debug record per organization.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) Log {
	return Log{logger: logger}
}

func (l Log) Render(ctx context.Context, statuses []chain.Status) error {
	for _, st := range statuses {
		l.logger.DebugContext(ctx, "status",
			"org", st.Org,
			"step", st.Step,
			"step_elapsed", FormatElapsed(st.StepElapsed),
			"chain_elapsed", FormatElapsed(st.ChainElapsed),
			"runs", st.Runs,
		)
	}
	return nil
}

// ElapsedRecorder is implemented by metrics.Collector.
type ElapsedRecorder interface {
	SetStepElapsed(org string, elapsed time.Duration)
}

// Metrics refreshes the step elapsed gauge of each organization.
type Metrics struct {
	rec ElapsedRecorder
}

func NewMetrics(rec ElapsedRecorder) Metrics {
	return Metrics{rec: rec}
}

func (m Metrics) Render(_ context.Context, statuses []chain.Status) error {
	for _, st := range statuses {
		m.rec.SetStepElapsed(st.Org, st.StepElapsed)
	}
	return nil
}

// Multi renders into every sink and joins their errors.
type Multi []Sink

func (m Multi) Render(ctx context.Context, statuses []chain.Status) error {
	var errs []error
	for _, s := range m {
		if err := s.Render(ctx, statuses); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard ignores every snapshot.
var Discard Sink = Func(func(context.Context, []chain.Status) error { return nil })
