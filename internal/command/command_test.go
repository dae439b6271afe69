package command_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/reconloop/reconloop/internal/command"
	"github.com/reconloop/reconloop/internal/extract"
	"github.com/reconloop/reconloop/internal/model"
	"github.com/stretchr/testify/require"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
}

func TestNew_Missing(t *testing.T) {
	t.Parallel()
	_, err := command.New(command.Spec{
		Name:     "subfinder",
		Template: "subfinder -dL {domains} -rL {resolvers}",
		Args:     map[string]string{"domains": "d.txt"},
		Output:   "subs.txt",
	})
	require.ErrorIs(t, err, model.ErrConfiguration)
	require.ErrorContains(t, err, "resolvers")

	_, err = command.New(command.Spec{Name: "x", Template: "true"})
	require.ErrorIs(t, err, model.ErrConfiguration)
}

func TestExecute(t *testing.T) {
	t.Parallel()
	requireSh(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "subs.txt")

	var merged [][]string
	cmd, err := command.New(command.Spec{
		Name:     "echo",
		Template: "printf '{a}\\n{b}\\n\\n{a}\\n'",
		Args:     map[string]string{"a": "a.example.com", "b": "b.example.com"},
		Output:   out,
	}, command.WithMergeFunc(func(_ context.Context, step string, added []string) {
		require.Equal(t, "echo", step)
		merged = append(merged, added)
	}))
	require.NoError(t, err)
	require.Equal(t, "printf 'a.example.com\\nb.example.com\\n\\na.example.com\\n'", cmd.Line())
	require.Equal(t, out, cmd.Output())

	require.NoError(t, cmd.Execute(t.Context()))
	first, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "a.example.com\nb.example.com\n", string(first))

	// identical output leaves the file untouched
	require.NoError(t, cmd.Execute(t.Context()))
	second, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, merged, 2)
	require.Empty(t, merged[1])
}

func TestExecute_Extractor(t *testing.T) {
	t.Parallel()
	requireSh(t)
	out := filepath.Join(t.TempDir(), "takeovers.txt")
	cmd, err := command.New(command.Spec{
		Name:     "nuclei",
		Template: "echo '[t] [http] [high] https://x.example.com'; echo '[t] [http]'",
		Output:   out,
		Extract:  extract.Field(3),
	})
	require.NoError(t, err)
	require.NoError(t, cmd.Execute(t.Context()))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "https://x.example.com\n", string(b))
}

func TestExecute_Failure(t *testing.T) {
	t.Parallel()
	requireSh(t)
	out := filepath.Join(t.TempDir(), "subs.txt")
	cmd, err := command.New(command.Spec{
		Name:     "broken",
		Template: "echo partial; exit 2",
		Output:   out,
	})
	require.NoError(t, err)

	err = cmd.Execute(t.Context())
	require.ErrorIs(t, err, model.ErrExternalTool)
	require.NotErrorIs(t, err, model.ErrTimeout)
	var toolErr *model.ToolError
	require.ErrorAs(t, err, &toolErr)
	require.Equal(t, 2, toolErr.ExitCode)
	require.NoFileExists(t, out)
}

func TestExecute_Timeout(t *testing.T) {
	t.Parallel()
	requireSh(t)
	out := filepath.Join(t.TempDir(), "subs.txt")
	cmd, err := command.New(command.Spec{
		Name:     "slow",
		Template: "echo early.example.com; sleep 10; echo late.example.com",
		Output:   out,
		Timeout:  200 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	err = cmd.Execute(t.Context())
	require.ErrorIs(t, err, model.ErrTimeout)
	require.ErrorIs(t, err, model.ErrExternalTool)
	require.Less(t, time.Since(start), 5*time.Second)
	require.NoFileExists(t, out)
}
