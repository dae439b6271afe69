package reconloop_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	reconloopPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("reconloop-ci") {
		slog.Error("cannot locate reconloop-ci binary: run go build -race -cover -covermode=atomic -o reconloop-ci ./cmd/reconloop/ first")
		os.Exit(1)
	}

	var err error
	reconloopPath, err = filepath.Abs("reconloop-ci")
	if err != nil {
		slog.Error("can't get abspath for reconloop-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for reconloop-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for reconloop-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestReconloop(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	chDir(t)

	const config = `
version: 0
log: app.log
tick: 100ms
display: log
tools:
  - name: subfinder
    command: printf 'a.{org}.com\nb.{org}.com\n'
    output: subs
  - name: amass scan
    command: printf 'b.{org}.com. CNAME x.cloudfront.net\nevil.com. CNAME {org}.com\n'
    output: subs
    extract:
      kind: cname
      marker: cname
      domains: domains
  - name: hang
    command: sleep 30
    output: subs
    timeout: 200ms
  - name: nuclei
    command: printf '[dns-takeover] [dns] [high] c.{org}.com\n'
    output: takeovers
    extract:
      kind: field
      field: 3
`
	creat(t, "reconloop.yaml", []byte(config))
	creat(t, "scopes/scopes_for_acme_at_1700000000.csv", []byte(
		"identifier,asset_type,instruction,eligible_for_bounty,eligible_for_submission\n"+
			"*.acme.com,WILDCARD,,true,true\n"+
			"out-of-scope.acme.net,URL,,true,false\n"))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, reconloopPath, "scopes", "--max-threads", "2", "--debug")
	cmd.Env = append(os.Environ(), "RECONLOOP_CONFIG=reconloop.yaml")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	require.NoError(t, cmd.Start())

	subs := filepath.Join("orgs", "acme", "acme_subs.txt")
	takeovers := filepath.Join("orgs", "acme", "found_sub_takeovers.txt")
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(takeovers)
		return err == nil && len(b) > 0
	}, 30*time.Second, 50*time.Millisecond)

	require.NoError(t, cmd.Process.Signal(os.Interrupt))
	if err := cmd.Wait(); err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}

	b, err := os.ReadFile(subs)
	require.NoError(t, err)
	require.Equal(t, "a.acme.com\nb.acme.com\n", string(b))
	b, err = os.ReadFile(takeovers)
	require.NoError(t, err)
	require.Equal(t, "c.acme.com\n", string(b))
	b, err = os.ReadFile(filepath.Join("orgs", "acme", "acme_domains.txt"))
	require.NoError(t, err)
	require.Equal(t, "acme.com\n", string(b))

	b, err = os.ReadFile("app.log")
	require.NoError(t, err)
	logs := string(b)
	require.Contains(t, logs, `"msg":"step failed"`)
	require.Contains(t, logs, `"step":"hang"`)
	require.Contains(t, logs, "killed after 200ms timeout")
	require.True(t, strings.Contains(logs, `"msg":"scheduler stopped"`), "graceful shutdown is logged")
}

func TestScope(t *testing.T) {
	chDir(t)
	creat(t, "scope.csv", []byte(
		"identifier,asset_type,instruction,eligible_for_bounty,eligible_for_submission\n"+
			"https://www.globex.com/login,URL,,true,true\n"+
			"*.api.globex.io,WILDCARD,,false,true\n"))

	var stdout bytes.Buffer
	cmd := exec.CommandContext(t.Context(), reconloopPath, "scope", "scope.csv", "-o", "domains.txt")
	cmd.Stdout = &stdout
	require.NoError(t, cmd.Run())

	require.Equal(t, "api.globex.io\nglobex.com\n", stdout.String())
	b, err := os.ReadFile("domains.txt")
	require.NoError(t, err)
	require.Equal(t, stdout.String(), string(b))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
