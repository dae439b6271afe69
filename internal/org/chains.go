package org

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/reconloop/reconloop/internal/chain"
	"github.com/reconloop/reconloop/internal/command"
	"github.com/reconloop/reconloop/internal/extract"
	"github.com/reconloop/reconloop/internal/log"
	"github.com/reconloop/reconloop/internal/model"
)

// Names of the arguments bound for every organization.
const (
	ArgDomains      = "domains"
	ArgSubs         = "subs"
	ArgTakeovers    = "takeovers"
	ArgOrg          = "org"
	ArgOrgDir       = "org_dir"
	ArgResolvers    = "resolvers"
	ArgResolversCSV = "resolvers_csv"
)

// Args returns the placeholder values of o: its own files, cfg.Files under
// the config directory, cfg.OrgFiles under the organization directory and
// cfg.Args verbatim. takeovers is bound to o.TakeoversPath unless
// cfg.OrgFiles names another file. resolvers_csv holds the resolvers file joined by commas
// when that file exists.
func Args(cfg model.Config, o Organization) (map[string]string, error) {
	args := maps.Clone(cfg.Args)
	if args == nil {
		args = make(map[string]string)
	}
	for name, file := range cfg.Files {
		args[name] = filepath.Join(cfg.ConfigDir, file)
	}
	args[ArgTakeovers] = o.TakeoversPath
	for name, file := range cfg.OrgFiles {
		args[name] = filepath.Join(o.Dir, file)
	}
	args[ArgDomains] = o.DomainsPath
	args[ArgSubs] = o.SubsPath
	args[ArgOrg] = o.Name
	args[ArgOrgDir] = o.Dir

	if path, ok := args[ArgResolvers]; ok {
		lines, err := readLines(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			args[ArgResolversCSV] = strings.Join(lines, ",")
		}
	}
	return args, nil
}

func readLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range extract.SplitLines(b) {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// ResultsRecorder is implemented by metrics.Collector.
type ResultsRecorder interface {
	ResultsMerged(org, step string, added int)
}

// Builder turns the tool list of a configuration into chains.
type Builder struct {
	cfg      model.Config
	logger   *slog.Logger
	observer chain.Observer
	results  ResultsRecorder
}

type BuilderOption func(*Builder)

func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

func WithObserver(o chain.Observer) BuilderOption {
	return func(b *Builder) {
		b.observer = o
	}
}

func WithResultsRecorder(r ResultsRecorder) BuilderOption {
	return func(b *Builder) {
		b.results = r
	}
}

func NewBuilder(cfg model.Config, opts ...BuilderOption) *Builder {
	b := &Builder{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = log.Discard()
	}
	return b
}

// Chain builds the enabled tools of the configuration for o, in order.
func (b *Builder) Chain(o Organization) (*chain.Chain, error) {
	args, err := Args(b.cfg, o)
	if err != nil {
		return nil, fmt.Errorf("org %s: %w", o.Name, err)
	}

	opts := []command.Option{command.WithLogger(b.logger)}
	if b.results != nil {
		opts = append(opts, command.WithMergeFunc(func(_ context.Context, step string, added []string) {
			b.results.ResultsMerged(o.Name, step, len(added))
		}))
	}

	var steps []chain.Step
	for _, tool := range b.cfg.Tools {
		if !tool.IsEnabled() {
			continue
		}
		output, ok := args[tool.Output]
		if !ok {
			return nil, &model.ConfigError{
				Field:   "tools." + tool.Name + ".output",
				Message: fmt.Sprintf("no bound file named %q", tool.Output),
			}
		}
		ext, err := extractor(tool, args)
		if err != nil {
			return nil, err
		}
		cmd, err := command.New(command.Spec{
			Name:     tool.Name,
			Template: tool.Command,
			Args:     args,
			Output:   output,
			Timeout:  tool.Timeout.Std(),
			Extract:  ext,
		}, opts...)
		if err != nil {
			return nil, err
		}
		steps = append(steps, cmd)
	}
	if len(steps) == 0 {
		return nil, &model.ConfigError{Field: "tools", Message: "no enabled tool"}
	}

	chainOpts := []chain.Option{chain.WithLogger(b.logger)}
	if b.observer != nil {
		chainOpts = append(chainOpts, chain.WithObserver(b.observer))
	}
	return chain.New(o.Name, steps, chainOpts...), nil
}

func extractor(tool model.Tool, args map[string]string) (extract.Extractor, error) {
	e := tool.Extract
	switch e.Kind {
	case "", model.ExtractLines:
		return extract.Lines(), nil
	case model.ExtractCNAME:
		path, ok := args[e.Domains]
		if !ok {
			return nil, &model.ConfigError{
				Field:   "tools." + tool.Name + ".extract.domains",
				Message: fmt.Sprintf("no bound file named %q", e.Domains),
			}
		}
		domains, err := extract.LoadDomainSet(path)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", tool.Name, err)
		}
		return extract.CNAME(e.Marker, domains), nil
	case model.ExtractField:
		return extract.Field(e.Field), nil
	case model.ExtractQuoted:
		return extract.Quoted(e.Marker), nil
	default:
		return nil, &model.ConfigError{Field: "tools." + tool.Name + ".extract.kind", Message: "unknown kind " + e.Kind}
	}
}

// Supervisors builds a supervisor per organization. An organization whose
// chain can't be built is logged and skipped, the others are unaffected.
func (b *Builder) Supervisors(ctx context.Context, orgs []Organization) []*chain.Supervisor {
	sups := make([]*chain.Supervisor, 0, len(orgs))
	for _, o := range orgs {
		c, err := b.Chain(o)
		if err != nil {
			b.logger.ErrorContext(ctx, "skipping organization", "org", o.Name, "error", err)
			continue
		}
		opts := []chain.SupervisorOption{chain.WithSupervisorLogger(b.logger)}
		if b.observer != nil {
			opts = append(opts, chain.WithSupervisorObserver(b.observer))
		}
		sups = append(sups, chain.NewSupervisor(c, opts...))
	}
	return sups
}
