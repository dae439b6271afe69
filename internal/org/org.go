// Package org prepares the working directory of every organization and
// builds its tool chain.
package org

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/reconloop/reconloop/internal/parallel"
	"github.com/reconloop/reconloop/internal/scope"
	"github.com/reconloop/reconloop/internal/walk"
)

// TakeoversFile is the per organization file collecting takeover candidates.
const TakeoversFile = "found_sub_takeovers.txt"

var scopeName = regexp.MustCompile(`scopes_for_(.*)_at_\d+`)

// Organization is a scan target with its own scope and result files.
type Organization struct {
	Name          string
	Dir           string
	ScopePath     string
	DomainsPath   string
	SubsPath      string
	TakeoversPath string
	Domains       []string
}

// Name derives the organization name from a HackerOne export file name
// (scopes_for_<name>_at_<timestamp>.csv). Other files use their stem.
func Name(scopePath string) string {
	base := filepath.Base(scopePath)
	if m := scopeName.FindStringSubmatch(base); m != nil && m[1] != "" {
		return m[1]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Bootstrap parses scopePath and lays out <root>/<name>/: the domains file is
// rewritten from the scope, the subs file is created if missing and never
// truncated.
func Bootstrap(root, scopePath string) (Organization, error) {
	name := Name(scopePath)
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, filepath.Separator) {
		return Organization{}, fmt.Errorf("scope %s: invalid organization name %q", scopePath, name)
	}
	domains, err := scope.ParseFile(scopePath)
	if err != nil {
		return Organization{}, err
	}

	dir := filepath.Join(root, name)
	o := Organization{
		Name:          name,
		Dir:           dir,
		ScopePath:     scopePath,
		DomainsPath:   filepath.Join(dir, name+"_domains.txt"),
		SubsPath:      filepath.Join(dir, name+"_subs.txt"),
		TakeoversPath: filepath.Join(dir, TakeoversFile),
		Domains:       domains,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Organization{}, fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := writeDomains(o.DomainsPath, domains); err != nil {
		return Organization{}, err
	}
	if err := touch(o.SubsPath); err != nil {
		return Organization{}, err
	}
	return o, nil
}

func writeDomains(path string, domains []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := scope.Write(f, domains); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return f.Close()
}

// ScopeFiles lists the regular files under dir recursively, sorted. When
// several files map to the same organization the last one wins, which for
// HackerOne exports is the newest.
func ScopeFiles(ctx context.Context, dir string) ([]string, error) {
	byName := make(map[string]string)
	for path, err := range walk.Files(ctx, dir) {
		if err != nil {
			return nil, err
		}
		name := Name(path)
		if prev, ok := byName[name]; !ok || prev < path {
			byName[name] = path
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paths := slices.Collect(maps.Values(byName))
	slices.Sort(paths)
	return paths, nil
}

// BootstrapAll bootstraps every scope file under dir with at most limit
// files in parallel. Failed files are logged and reported in the joined
// error; the organizations which succeeded are returned sorted by name.
func BootstrapAll(ctx context.Context, root, dir string, limit int, logger *slog.Logger) ([]Organization, error) {
	paths, err := ScopeFiles(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", root, err)
	}

	results := parallel.Map(ctx, limit, paths, func(_ context.Context, path string) (Organization, error) {
		return Bootstrap(root, path)
	})

	var orgs []Organization
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			logger.ErrorContext(ctx, "bootstrap failed", "scope", r.In, "error", r.Err)
			errs = append(errs, r.Err)
			continue
		}
		logger.DebugContext(ctx, "organization ready", "org", r.Out.Name, "domains", len(r.Out.Domains))
		orgs = append(orgs, r.Out)
	}
	slices.SortFunc(orgs, func(a, b Organization) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return orgs, errors.Join(errs...)
}
