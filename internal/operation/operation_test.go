package operation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewOperationStartsRunning(t *testing.T) {
	op := New(nil)
	require.Equal(t, StateRunning, op.State())
}

func TestCancelInvokesHookOnce(t *testing.T) {
	calls := 0
	op := New(func() { calls++ })

	op.Cancel()
	op.Cancel()

	require.Equal(t, StateCanceled, op.State())
	require.Equal(t, 1, calls)
}

func TestDoneIsNoOpAfterCancel(t *testing.T) {
	op := New(nil)
	op.Cancel()
	op.Done()
	require.Equal(t, StateCanceled, op.State())
}

func TestDoneTransitionsRunningOperation(t *testing.T) {
	op := New(nil)
	op.Done()
	require.Equal(t, StateDone, op.State())
}
