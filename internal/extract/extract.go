// Package extract turns the raw output of a reconnaissance tool into result
// lines. Every rule returns distinct, non-blank lines in order of first
// appearance.
package extract

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Extractor selects result lines from the lines a tool printed.
type Extractor interface {
	Extract(lines []string) []string
}

// Func adapts an ordinary function to Extractor.
type Func func(lines []string) []string

func (f Func) Extract(lines []string) []string {
	return f(lines)
}

// Lines keeps each non-blank line, trimmed.
func Lines() Extractor {
	return Func(func(lines []string) []string {
		var u uniq
		for _, line := range lines {
			u.add(strings.TrimSpace(line))
		}
		return u.lines
	})
}

// CNAME keeps the first token of lowercased lines containing marker, when
// the registrable domain of that token belongs to domains.
func CNAME(marker string, domains DomainSet) Extractor {
	marker = strings.ToLower(marker)
	return Func(func(lines []string) []string {
		var u uniq
		for _, line := range lines {
			line = strings.ToLower(strings.TrimSpace(line))
			if !strings.Contains(line, marker) {
				continue
			}
			host := strings.TrimSuffix(firstField(line), ".")
			if !domains.Has(host) {
				continue
			}
			u.add(host)
		}
		return u.lines
	})
}

// Field keeps the n-th (zero based) whitespace separated field of each line
// which has one.
func Field(n int) Extractor {
	return Func(func(lines []string) []string {
		var u uniq
		for _, line := range lines {
			fields := strings.Fields(line)
			if n < len(fields) {
				u.add(fields[n])
			}
		}
		return u.lines
	})
}

var quotedRx = regexp.MustCompile(`'(.*?)'`)

// Quoted scans lowercased lines containing marker and keeps the first single
// quoted word which is a host name under a known public suffix.
func Quoted(marker string) Extractor {
	marker = strings.ToLower(marker)
	return Func(func(lines []string) []string {
		var u uniq
		for _, line := range lines {
			line = strings.ToLower(strings.TrimSpace(line))
			if !strings.Contains(line, marker) {
				continue
			}
			for _, m := range quotedRx.FindAllStringSubmatch(line, -1) {
				if _, ok := RegistrableDomain(m[1]); ok {
					u.add(m[1])
					break
				}
			}
		}
		return u.lines
	})
}

// DomainSet holds registrable domains (example.co.uk for www.example.co.uk).
type DomainSet map[string]struct{}

// NewDomainSet reduces every host to its registrable domain, dropping hosts
// without one.
func NewDomainSet(hosts ...string) DomainSet {
	set := make(DomainSet, len(hosts))
	for _, host := range hosts {
		if d, ok := RegistrableDomain(host); ok {
			set[d] = struct{}{}
		}
	}
	return set
}

// LoadDomainSet reads a file with one host per line.
func LoadDomainSet(path string) (DomainSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading domains %s: %w", path, err)
	}
	return NewDomainSet(SplitLines(b)...), nil
}

// Has reports whether the registrable domain of host is in the set.
func (s DomainSet) Has(host string) bool {
	d, ok := RegistrableDomain(host)
	if !ok {
		return false
	}
	_, ok = s[d]
	return ok
}

// RegistrableDomain returns the public suffix plus one label of host.
// Hosts under an unknown top level domain are rejected.
func RegistrableDomain(host string) (string, bool) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" || strings.ContainsAny(host, " /:*") {
		return "", false
	}
	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && !strings.Contains(suffix, ".") {
		return "", false
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	return d, true
}

// SplitLines splits raw output into lines, trimming trailing \r.
func SplitLines(b []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	return lines
}

func firstField(s string) string {
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		return s[:idx]
	}
	return s
}

type uniq struct {
	seen  map[string]struct{}
	lines []string
}

func (u *uniq) add(line string) {
	if line == "" {
		return
	}
	if u.seen == nil {
		u.seen = make(map[string]struct{})
	}
	if _, ok := u.seen[line]; ok {
		return
	}
	u.seen[line] = struct{}{}
	u.lines = append(u.lines, line)
}
