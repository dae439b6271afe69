package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reconloop/reconloop/internal/log"
)

// Idle is the step name reported while no step runs.
const Idle = "Idle"

var ErrInProgress = errors.New("chain run in progress")

// Status is a consistent snapshot of a Supervisor.
type Status struct {
	Org          string
	Step         string // Idle between runs
	StepIndex    int
	Steps        int
	Running      bool
	Runs         int // completed runs
	LastFailed   int // failed steps in the last completed run
	StepStarted  time.Time
	ChainStarted time.Time
	StepElapsed  time.Duration
	ChainElapsed time.Duration
}

// Supervisor tracks the execution state of one organization's chain. Start
// runs the chain once; the caller decides when to run it again. Start is
// called by a single worker at a time, Snapshot may be called concurrently.
type Supervisor struct {
	chain    *Chain
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mx         sync.RWMutex
	running    bool
	stepIdx    int
	stepName   string
	stepStart  time.Time
	chainStart time.Time
	runs       int
	lastFailed int
}

type SupervisorOption func(*Supervisor)

func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

func WithSupervisorObserver(o Observer) SupervisorOption {
	return func(s *Supervisor) {
		s.observer = o
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SupervisorOption {
	return func(s *Supervisor) {
		s.now = now
	}
}

func NewSupervisor(chain *Chain, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		chain: chain,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Discard()
	}
	now := s.now()
	s.stepName = Idle
	s.stepStart = now
	s.chainStart = now
	return s
}

func (s *Supervisor) Org() string {
	return s.chain.Org()
}

// Start runs the whole chain once and returns to Idle at step 0. It returns
// ErrInProgress if another Start is still active, or the context error if
// ctx ended the run early.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mx.Lock()
	if s.running {
		s.mx.Unlock()
		return ErrInProgress
	}
	s.running = true
	s.chainStart = s.now()
	s.mx.Unlock()

	ctx = log.ContextAttrs(ctx,
		slog.String("org", s.chain.Org()),
		slog.String("run", uuid.NewString()),
	)
	s.logger.DebugContext(ctx, "starting chain", "steps", s.chain.StepNames())

	failed, err := s.chain.RunOnce(ctx, s.enter)

	s.mx.Lock()
	now := s.now()
	elapsed := now.Sub(s.chainStart)
	s.running = false
	s.stepIdx = 0
	s.stepName = Idle
	s.stepStart = now
	s.runs++
	s.lastFailed = failed
	runs := s.runs
	s.mx.Unlock()

	s.logger.DebugContext(ctx, "chain finished", "elapsed", elapsed.String(), "failed", failed, "runs", runs)
	if s.observer != nil {
		s.observer.ChainFinished(s.chain.Org(), elapsed, failed)
	}
	return err
}

func (s *Supervisor) enter(idx int, step Step) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.stepIdx = idx
	s.stepName = step.Name()
	s.stepStart = s.now()
}

// ElapsedOnCurrentStep returns the time since the current step began, or
// since the chain went Idle.
func (s *Supervisor) ElapsedOnCurrentStep() time.Duration {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.now().Sub(s.stepStart)
}

// ElapsedOnChain returns the time since the current (or last) run began.
func (s *Supervisor) ElapsedOnChain() time.Duration {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.now().Sub(s.chainStart)
}

func (s *Supervisor) Snapshot() Status {
	s.mx.RLock()
	defer s.mx.RUnlock()
	now := s.now()
	return Status{
		Org:          s.chain.Org(),
		Step:         s.stepName,
		StepIndex:    s.stepIdx,
		Steps:        s.chain.Len(),
		Running:      s.running,
		Runs:         s.runs,
		LastFailed:   s.lastFailed,
		StepStarted:  s.stepStart,
		ChainStarted: s.chainStart,
		StepElapsed:  now.Sub(s.stepStart),
		ChainElapsed: now.Sub(s.chainStart),
	}
}
