// Package accum maintains append-only result files without duplicate lines.
//
// No state is kept in memory between merges: the set of known lines is read
// from the file before every append, so a file edited or truncated between
// runs is still honoured.
package accum

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// File is a result file accumulating distinct lines.
type File struct {
	path string
}

func New(path string) File {
	return File{path: path}
}

func (f File) Path() string {
	return f.path
}

// Lines returns the trimmed non-blank lines of the file in file order. A
// missing file has no lines.
func (f File) Lines() ([]string, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	return lines, nil
}

// Merge appends every line of found which is not in the file yet, one per
// line, keeping the order of found. Existing content is never rewritten. It
// returns the appended lines.
func (f File) Merge(found []string) ([]string, error) {
	old, err := f.Lines()
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(old)+len(found))
	for _, line := range old {
		known[line] = struct{}{}
	}

	var added []string
	var buf bytes.Buffer
	for _, line := range found {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, ok := known[line]; ok {
			continue
		}
		known[line] = struct{}{}
		added = append(added, line)
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if len(added) == 0 {
		return nil, nil
	}

	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.path, err)
	}
	defer func() {
		_ = fh.Close()
	}()

	missingNewline, err := endsWithoutNewline(fh)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", f.path, err)
	}
	out := buf.Bytes()
	if missingNewline {
		out = append([]byte{'\n'}, out...)
	}
	if _, err := fh.Write(out); err != nil {
		return nil, fmt.Errorf("appending to %s: %w", f.path, err)
	}
	if err := fh.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", f.path, err)
	}
	return added, nil
}

func endsWithoutNewline(fh *os.File) (bool, error) {
	info, err := fh.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := fh.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}
