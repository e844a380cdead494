package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsObjectNotFound(t *testing.T) {
	err := NewObjectNotFoundError("foo", fmt.Errorf("bar"))
	require.True(t, IsObjectNotFound(err))
	require.True(t, IsUnretriable(err))
	require.False(t, IsTransient(err))
}

func TestUnretriable(t *testing.T) {
	err := Unretriable(fmt.Errorf("bar"))
	require.True(t, IsUnretriable(err))
}

func TestTransient(t *testing.T) {
	err := Transient(fmt.Errorf("connection reset"))
	require.True(t, IsTransient(err))
	require.False(t, IsFatal(err))
}

func TestLockContention(t *testing.T) {
	err := LockContention(fmt.Errorf("could not obtain lock"))
	require.True(t, IsLockContention(err))
}

func TestValidation(t *testing.T) {
	err := Validation(fmt.Errorf("post-write read mismatch"))
	require.True(t, IsValidation(err))
}

func TestInvariant(t *testing.T) {
	err := Invariant(fmt.Errorf("zero artifacts produced"))
	require.True(t, IsInvariant(err))
}

func TestFatal(t *testing.T) {
	err := Fatal(fmt.Errorf("missing S3_BUCKET"))
	require.True(t, IsFatal(err))
}

func TestWrappedErrorsUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Transient(cause)
	require.ErrorIs(t, err, cause)
}
