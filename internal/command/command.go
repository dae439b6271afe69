// Package command implements a single step of an organization chain: one
// external tool invocation whose extracted results are merged into a file.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reconloop/reconloop/internal/accum"
	"github.com/reconloop/reconloop/internal/extract"
	"github.com/reconloop/reconloop/internal/log"
	"github.com/reconloop/reconloop/internal/model"
	"github.com/reconloop/reconloop/internal/runner"
	"github.com/reconloop/reconloop/internal/template"
)

// Spec describes a command before its template is resolved.
type Spec struct {
	Name     string
	Template string
	Args     map[string]string
	Output   string // destination file
	Timeout  time.Duration
	Extract  extract.Extractor // nil means extract.Lines
}

// MergeFunc is called with the lines a successful run appended to the
// destination.
type MergeFunc func(ctx context.Context, step string, added []string)

type Option func(*Command)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Command) {
		c.logger = logger
	}
}

func WithMergeFunc(fn MergeFunc) Option {
	return func(c *Command) {
		c.onMerge = fn
	}
}

// Command is immutable once created, apart from the runner it owns.
type Command struct {
	name      string
	line      string
	timeout   time.Duration
	extractor extract.Extractor
	out       accum.File
	runner    *runner.Runner
	logger    *slog.Logger
	onMerge   MergeFunc
}

// New resolves the template of spec. Unbound placeholders or a missing
// destination fail with an error matching model.ErrConfiguration.
func New(spec Spec, opts ...Option) (*Command, error) {
	if spec.Output == "" {
		return nil, &model.ConfigError{Field: spec.Name, Message: "output file is not set"}
	}
	line, err := template.Resolve(spec.Template, spec.Args)
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", spec.Name, err)
	}
	ext := spec.Extract
	if ext == nil {
		ext = extract.Lines()
	}
	c := &Command{
		name:      spec.Name,
		line:      line,
		timeout:   spec.Timeout,
		extractor: ext,
		out:       accum.New(spec.Output),
		runner:    runner.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Discard()
	}
	return c, nil
}

func (c *Command) Name() string {
	return c.name
}

// Line returns the resolved command line.
func (c *Command) Line() string {
	return c.line
}

func (c *Command) Output() string {
	return c.out.Path()
}

// Execute runs the command line through sh, extracts results from stdout
// and appends the new ones to the destination. A failed or timed out process
// contributes nothing and is reported as *model.ToolError.
func (c *Command) Execute(ctx context.Context) error {
	ctx = log.ContextAttrs(ctx, slog.String("step", c.name))
	c.logger.DebugContext(ctx, "running command", "cmd", c.line, "timeout", c.timeout.String())

	res := c.runner.Run(ctx, runner.Shell(c.line, c.timeout), runner.LogStderr(c.logger))
	switch {
	case res.TimedOut:
		return &model.ToolError{Step: c.name, Timeout: c.timeout, Err: res.Err}
	case res.Err != nil:
		return &model.ToolError{Step: c.name, ExitCode: res.ExitCode(), Err: res.Err}
	}

	found := c.extractor.Extract(extract.SplitLines(res.Stdout.Bytes()))
	c.logger.DebugContext(ctx, "command finished",
		"elapsed", res.Stopped.Sub(res.Started).String(),
		"found", len(found),
	)

	added, err := c.out.Merge(found)
	if err != nil {
		return fmt.Errorf("step %s: merging results: %w", c.name, err)
	}
	if len(added) > 0 {
		c.logger.InfoContext(ctx, "new results", "output", c.out.Path(), "count", len(added))
	}
	if c.onMerge != nil {
		c.onMerge(ctx, c.name, added)
	}
	return nil
}
