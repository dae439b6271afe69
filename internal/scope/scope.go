// Package scope reads HackerOne scope exports.
//
// A scope file is CSV with a header row. The columns used are identifier (0),
// asset_type (1) and eligible_for_submission (4). Only URL and WILDCARD assets
// eligible for submission are kept, reduced to a bare host name.
package scope

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/reconloop/reconloop/internal/extract"
)

const (
	colIdentifier = 0
	colAssetType  = 1
	colEligible   = 4
)

var assetTypes = []string{"URL", "WILDCARD"}

// ParseFile parses the scope file at path.
func ParseFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening scope: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	domains, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing scope %s: %w", path, err)
	}
	return domains, nil
}

// Parse returns the sorted distinct domains of eligible assets. Rows too
// short to carry the eligibility column are skipped.
func Parse(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}

	seen := make(map[string]struct{})
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(row) <= colEligible {
			continue
		}
		if !slices.Contains(assetTypes, strings.TrimSpace(row[colAssetType])) {
			continue
		}
		if strings.TrimSpace(row[colEligible]) != "true" {
			continue
		}
		if host, ok := Normalize(row[colIdentifier]); ok {
			seen[host] = struct{}{}
		}
	}

	domains := make([]string, 0, len(seen))
	for host := range seen {
		domains = append(domains, host)
	}
	slices.Sort(domains)
	return domains, nil
}

// Normalize turns a scope identifier like https://*.api.example.com:443/v1
// into example.com style host names. It reports false for identifiers
// without a registrable domain.
func Normalize(identifier string) (string, bool) {
	host := strings.ToLower(strings.TrimSpace(identifier))
	if _, after, ok := strings.Cut(host, "://"); ok {
		host = after
	}
	if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.LastIndexByte(host, '@'); idx >= 0 {
		host = host[idx+1:]
	}
	host, _, _ = strings.Cut(host, ":")
	host = strings.TrimPrefix(host, "www.")

	if first, rest, ok := strings.Cut(host, "."); ok && strings.Contains(first, "*") {
		host = rest
	}
	host = strings.ReplaceAll(host, "*.", "")
	host = strings.Trim(host, ".")
	host = strings.TrimPrefix(host, "www.")

	if _, ok := extract.RegistrableDomain(host); !ok {
		return "", false
	}
	return host, true
}

// Write writes one domain per line.
func Write(w io.Writer, domains []string) error {
	for _, d := range domains {
		if _, err := io.WriteString(w, d+"\n"); err != nil {
			return err
		}
	}
	return nil
}
