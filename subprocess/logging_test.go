package subprocess

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunCapturingCapturesStdoutAndStderr(t *testing.T) {
	cmd := exec.Command("sh", "-c", "echo out-line; echo err-line 1>&2")
	stdout, stderr, err := RunCapturing(cmd)
	require.NoError(t, err)
	require.Equal(t, "out-line\n", stdout.String())
	require.Equal(t, "err-line\n", stderr.String())
}

func TestRunCapturingReturnsExitError(t *testing.T) {
	cmd := exec.Command("sh", "-c", "echo failing 1>&2; exit 1")
	_, stderr, err := RunCapturing(cmd)
	require.Error(t, err)
	require.Contains(t, stderr.String(), "failing")
}
