package step

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architect-io/runflow/pkg/environ"
	"github.com/architect-io/runflow/pkg/pipeline"
	"github.com/architect-io/runflow/pkg/secrets"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require a POSIX shell")
	}
}

func TestExecRunner_ExitCodes(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(t.TempDir(), nil)
	scope := environ.NewScope(nil)

	out, err := r.Run(context.Background(), pipeline.Step{Command: "true"}, scope)
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.False(t, out.TimedOut)

	out, err = r.Run(context.Background(), pipeline.Step{Command: "exit 3"}, scope)
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
}

func TestExecRunner_Effective(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(t.TempDir(), nil)
	scope := environ.NewScope(nil)

	out, err := r.Run(context.Background(), pipeline.Step{Command: "exit 1"}, scope)
	require.NoError(t, err)

	// Soft-fail absorbs the failure but the real exit code stays recorded.
	assert.True(t, out.Effective(true))
	assert.False(t, out.Effective(false))
	assert.Equal(t, 1, out.ExitCode)
}

func TestExecRunner_CapturesOutput(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(t.TempDir(), nil)
	scope := environ.NewScope(nil)

	out, err := r.Run(context.Background(), pipeline.Step{
		Command:       "echo out; echo err >&2",
		CaptureOutput: true,
	}, scope)
	require.NoError(t, err)
	assert.Contains(t, out.Output, "out")
	assert.Contains(t, out.Output, "err")
}

func TestExecRunner_EnvFromScope(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(t.TempDir(), nil)
	scope := environ.NewScope(map[string]string{"GREETING": "hello"}).
		Derive(map[string]string{"TARGET": "world"})

	out, err := r.Run(context.Background(), pipeline.Step{
		Command:       `printf '%s %s' "$GREETING" "$TARGET"`,
		CaptureOutput: true,
	}, scope)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out.Output)
}

func TestExecRunner_LazyEnvInterpolation(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(t.TempDir(), nil)
	scope := environ.NewScope(map[string]string{"VERSION": "1.2.3"}).
		Derive(map[string]string{"TAG": "app-${VERSION}"})

	out, err := r.Run(context.Background(), pipeline.Step{
		Command:       `printf '%s' "$TAG"`,
		CaptureOutput: true,
	}, scope)
	require.NoError(t, err)
	assert.Equal(t, "app-1.2.3", out.Output)
}

func TestExecRunner_CommandInterpolation(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(t.TempDir(), nil)
	scope := environ.NewScope(map[string]string{"MSG": "interpolated"})

	out, err := r.Run(context.Background(), pipeline.Step{
		Command:       "printf '%s' '${MSG}'",
		CaptureOutput: true,
	}, scope)
	require.NoError(t, err)
	assert.Equal(t, "interpolated", out.Output)
}

func TestExecRunner_ArgsVector(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(t.TempDir(), nil)
	scope := environ.NewScope(map[string]string{"CODE": "4"})

	out, err := r.Run(context.Background(), pipeline.Step{
		Args: []string{"sh", "-c", "exit ${CODE}"},
	}, scope)
	require.NoError(t, err)
	assert.Equal(t, 4, out.ExitCode)
}

func TestExecRunner_RedactsCapturedSecrets(t *testing.T) {
	requireShell(t)
	red := secrets.NewRedactor()
	red.Add("s3cr3t")
	r := NewExecRunner(t.TempDir(), red)
	scope := environ.NewScope(map[string]string{"X": "s3cr3t"})

	out, err := r.Run(context.Background(), pipeline.Step{
		Command:       `echo "the value is $X"`,
		CaptureOutput: true,
	}, scope)
	require.NoError(t, err)
	assert.NotContains(t, out.Output, "s3cr3t")
	assert.Contains(t, out.Output, secrets.Mask)
}

func TestExecRunner_Timeout(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(t.TempDir(), nil)
	scope := environ.NewScope(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	out, err := r.Run(ctx, pipeline.Step{Command: "sleep 5"}, scope)
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.False(t, out.Effective(true), "timeouts are never absorbed by continueOnError")
}

func TestExecRunner_StartFailure(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(t.TempDir(), nil)
	scope := environ.NewScope(nil)

	_, err := r.Run(context.Background(), pipeline.Step{
		Args: []string{"definitely-not-a-real-binary-xyz"},
	}, scope)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to start"))
}

func TestExecRunner_StrictInterpolationError(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(t.TempDir(), nil)
	scope := environ.NewScope(nil).Strict()

	_, err := r.Run(context.Background(), pipeline.Step{Command: "echo ${MISSING}"}, scope)
	require.Error(t, err)
}
