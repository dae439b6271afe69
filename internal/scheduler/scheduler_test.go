package scheduler_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/reconloop/reconloop/internal/chain"
	"github.com/reconloop/reconloop/internal/command"
	"github.com/reconloop/reconloop/internal/model"
	"github.com/reconloop/reconloop/internal/scheduler"
	"github.com/reconloop/reconloop/internal/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stepFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (s stepFunc) Name() string                      { return s.name }
func (s stepFunc) Execute(ctx context.Context) error { return s.fn(ctx) }

// gauge tracks how many chains are between their first and last step.
type gauge struct {
	mx       sync.Mutex
	inFlight int
	max      int
	perOrg   map[string]bool
	overlaps int
}

func (g *gauge) enter(org string) {
	g.mx.Lock()
	defer g.mx.Unlock()
	if g.perOrg[org] {
		g.overlaps++
	}
	g.perOrg[org] = true
	g.inFlight++
	g.max = max(g.max, g.inFlight)
}

func (g *gauge) leave(org string) {
	g.mx.Lock()
	defer g.mx.Unlock()
	g.perOrg[org] = false
	g.inFlight--
}

func instrumented(org string, g *gauge, work time.Duration) *chain.Supervisor {
	c := chain.New(org, []chain.Step{
		stepFunc{name: "enter", fn: func(context.Context) error {
			g.enter(org)
			return nil
		}},
		stepFunc{name: "work", fn: func(ctx context.Context) error {
			select {
			case <-time.After(work):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		stepFunc{name: "fail", fn: func(context.Context) error {
			return fmt.Errorf("exit status 1")
		}},
		stepFunc{name: "leave", fn: func(context.Context) error {
			g.leave(org)
			return nil
		}},
	})
	return chain.NewSupervisor(c)
}

func TestNew(t *testing.T) {
	t.Parallel()
	sup := func(org string) *chain.Supervisor {
		return chain.NewSupervisor(chain.New(org, nil))
	}

	s, err := scheduler.New([]*chain.Supervisor{sup("b"), sup("a"), sup("c")}, scheduler.Options{MaxWorkers: 2})
	require.NoError(t, err)
	require.Equal(t, 2, s.Workers())
	snap := s.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{snap[0].Org, snap[1].Org, snap[2].Org})

	s, err = scheduler.New([]*chain.Supervisor{sup("a"), sup("b")}, scheduler.Options{})
	require.NoError(t, err)
	require.Equal(t, 2, s.Workers())

	_, err = scheduler.New([]*chain.Supervisor{sup("a"), sup("a")}, scheduler.Options{})
	require.ErrorIs(t, err, model.ErrConfiguration)

	_, err = scheduler.New(nil, scheduler.Options{MaxWorkers: -1})
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func TestRun_ConcurrencyBound(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		g := &gauge{perOrg: map[string]bool{}}
		var sups []*chain.Supervisor
		for i := range 7 {
			sups = append(sups, instrumented(fmt.Sprintf("org%d", i), g, time.Second))
		}

		var renders atomic.Int32
		sink := status.Func(func(_ context.Context, st []chain.Status) error {
			renders.Add(1)
			require.Len(t, st, 7)
			return nil
		})
		s, err := scheduler.New(sups, scheduler.Options{MaxWorkers: 3, Sink: sink})
		require.NoError(t, err)
		require.Equal(t, 3, s.Workers())

		ctx, cancel := context.WithTimeout(t.Context(), time.Minute)
		defer cancel()
		require.NoError(t, s.Run(ctx))

		require.Equal(t, 3, g.max)
		require.Zero(t, g.overlaps)
		require.GreaterOrEqual(t, renders.Load(), int32(50))
		for _, st := range s.Snapshot() {
			// 3 workers, 7 orgs, 1s chains: every org completes a run every ~3s
			require.GreaterOrEqual(t, st.Runs, 15, st.Org)
		}
	})
}

func TestRun_ImmediateResubmit(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		g := &gauge{perOrg: map[string]bool{}}
		sup := instrumented("acme", g, 100*time.Millisecond)
		// a render tick far longer than a chain run must not delay resubmission
		s, err := scheduler.New([]*chain.Supervisor{sup}, scheduler.Options{Tick: time.Hour})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
		defer cancel()
		require.NoError(t, s.Run(ctx))
		require.GreaterOrEqual(t, sup.Snapshot().Runs, 90)
		require.Zero(t, g.overlaps)
	})
}

func TestRun_NoOrganizations(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		s, err := scheduler.New(nil, scheduler.Options{})
		require.NoError(t, err)
		require.Zero(t, s.Workers())
		ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
		defer cancel()
		require.NoError(t, s.Run(ctx))
	})
}

func TestRun_TwoOrganizations(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dir := t.TempDir()

	outputs := map[string]string{}
	var sups []*chain.Supervisor
	for _, org := range []string{"acme", "globex"} {
		out := filepath.Join(dir, org+"_subs.txt")
		outputs[org] = out
		var steps []chain.Step
		for i, tmpl := range []string{`printf '{x}\nb\n'`, `printf 'b\nc\n'`} {
			cmd, err := command.New(command.Spec{
				Name:     fmt.Sprintf("step%d", i),
				Template: tmpl,
				Args:     map[string]string{"x": "a"},
				Output:   out,
				Timeout:  10 * time.Second,
			})
			require.NoError(t, err)
			steps = append(steps, cmd)
		}
		sups = append(sups, chain.NewSupervisor(chain.New(org, steps)))
	}

	s, err := scheduler.New(sups, scheduler.Options{MaxWorkers: 25, Tick: 10 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 2, s.Workers())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	waitRuns := func(n int) {
		t.Helper()
		require.Eventually(t, func() bool {
			for _, st := range s.Snapshot() {
				if st.Runs < n {
					return false
				}
			}
			return true
		}, 30*time.Second, 5*time.Millisecond)
	}

	waitRuns(1)
	first := map[string][]byte{}
	for org, out := range outputs {
		b, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Equal(t, "a\nb\nc\n", string(b), org)
		first[org] = b
	}

	waitRuns(3)
	cancel()
	require.NoError(t, <-errCh)
	for org, out := range outputs {
		b, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Equal(t, first[org], b, org)
	}
}
