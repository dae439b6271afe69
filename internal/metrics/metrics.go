package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reconloop/reconloop/internal/model"
)

const (
	resultOK      = "ok"
	resultFailed  = "failed"
	resultTimeout = "timeout"
)

// Collector exports chain progress. It implements chain.Observer.
type Collector struct {
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	chainRuns     *prometheus.CounterVec
	chainDuration *prometheus.GaugeVec
	resultsAdded  *prometheus.CounterVec
	activeStep    *prometheus.GaugeVec
	stepElapsed   *prometheus.GaugeVec
}

// NewCollector creates the collectors and registers them in reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconloop_steps_total",
			Help: "Finished steps by organization, step and result (ok, failed, timeout)",
		}, []string{"org", "step", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reconloop_step_duration_seconds",
			Help:    "Wall clock duration of steps",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"step"}),
		chainRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconloop_chain_runs_total",
			Help: "Completed chain runs by organization",
		}, []string{"org"}),
		chainDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reconloop_chain_last_duration_seconds",
			Help: "Duration of the last completed chain run",
		}, []string{"org"}),
		resultsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconloop_results_added_total",
			Help: "New lines appended to result files",
		}, []string{"org", "step"}),
		activeStep: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reconloop_active_step",
			Help: "1 for the step an organization currently runs",
		}, []string{"org", "step"}),
		stepElapsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reconloop_step_elapsed_seconds",
			Help: "Time spent in the current step, refreshed every status tick",
		}, []string{"org"}),
	}

	reg.MustRegister(
		c.stepsTotal,
		c.stepDuration,
		c.chainRuns,
		c.chainDuration,
		c.resultsAdded,
		c.activeStep,
		c.stepElapsed,
	)
	return c
}

func (c *Collector) StepStarted(org, step string) {
	c.activeStep.WithLabelValues(org, step).Set(1)
}

func (c *Collector) StepFinished(org, step string, elapsed time.Duration, err error) {
	result := resultOK
	switch {
	case errors.Is(err, model.ErrTimeout):
		result = resultTimeout
	case err != nil:
		result = resultFailed
	}
	c.stepsTotal.WithLabelValues(org, step, result).Inc()
	c.stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
	c.activeStep.DeleteLabelValues(org, step)
}

func (c *Collector) ChainFinished(org string, elapsed time.Duration, _ int) {
	c.chainRuns.WithLabelValues(org).Inc()
	c.chainDuration.WithLabelValues(org).Set(elapsed.Seconds())
}

// ResultsMerged counts lines appended by a step. Its signature matches
// command.MergeFunc once bound to an organization.
func (c *Collector) ResultsMerged(org, step string, added int) {
	if added == 0 {
		return
	}
	c.resultsAdded.WithLabelValues(org, step).Add(float64(added))
}

// SetStepElapsed records how long org has been in its current step.
func (c *Collector) SetStepElapsed(org string, elapsed time.Duration) {
	c.stepElapsed.WithLabelValues(org).Set(elapsed.Seconds())
}

// Handler serves g under /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.InfoContext(ctx, "serving metrics", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
