package taskprotection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/stretchr/testify/require"
)

type fakeECSClient struct {
	mu    sync.Mutex
	calls []*ecs.UpdateTaskProtectionInput
	err   error
}

func (f *fakeECSClient) UpdateTaskProtection(ctx context.Context, params *ecs.UpdateTaskProtectionInput, optFns ...func(*ecs.Options)) (*ecs.UpdateTaskProtectionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	return &ecs.UpdateTaskProtectionOutput{}, nil
}

func (f *fakeECSClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testManager(client ECSClient) *Manager {
	return New(Config{
		Client:            client,
		ClusterName:       "test-cluster",
		TaskARN:           "arn:aws:ecs:us-east-1:1234:task/test-cluster/abc",
		ExtensionInterval: 10 * time.Millisecond,
		Buffer:            10 * time.Millisecond,
		CheckInterval:     5 * time.Millisecond,
		MaxDuration:       time.Hour,
		MinHold:           time.Millisecond,
	})
}

func TestAddCriticalEnablesProtection(t *testing.T) {
	client := &fakeECSClient{}
	m := testManager(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Shutdown()

	m.AddCritical("session-1")

	require.Eventually(t, func() bool {
		return m.Status().Enabled
	}, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, client.callCount(), 1)
}

func TestRemoveCriticalDisablesAfterMinHoldDrains(t *testing.T) {
	client := &fakeECSClient{}
	m := testManager(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Shutdown()

	m.AddCritical("session-1")
	require.Eventually(t, func() bool { return m.Status().Enabled }, time.Second, time.Millisecond)

	m.RemoveCritical("session-1")
	require.Eventually(t, func() bool { return !m.Status().Enabled }, time.Second, time.Millisecond)
}

func TestStatusReflectsSessionIDs(t *testing.T) {
	m := testManager(nil)
	m.AddCritical("a")
	m.AddCritical("b")
	status := m.Status()
	require.Equal(t, 2, status.CriticalSessionCount)
	require.ElementsMatch(t, []string{"a", "b"}, status.CriticalSessionIDs)

	m.RemoveCritical("a")
	status = m.Status()
	require.Equal(t, 1, status.CriticalSessionCount)
}

func TestRequestVoluntaryShutdownRemovesBaselineOnly(t *testing.T) {
	m := testManager(nil)
	m.AddCritical(BaselineToken)
	m.AddCritical("real-session")

	m.RequestVoluntaryShutdown()

	status := m.Status()
	require.Equal(t, 1, status.CriticalSessionCount)
	require.Equal(t, []string{"real-session"}, status.CriticalSessionIDs)
}

func TestForceDisableDiscardsAllTokens(t *testing.T) {
	client := &fakeECSClient{}
	m := testManager(client)
	m.AddCritical("a")
	m.AddCritical("b")

	m.ForceDisable("stuck")

	status := m.Status()
	require.False(t, status.Enabled)
	require.Equal(t, 0, status.CriticalSessionCount)
}

func TestGapProtectionSafeReflectsBufferVsCheckInterval(t *testing.T) {
	safe := New(Config{
		ExtensionInterval: time.Minute,
		Buffer:            5 * time.Minute,
		CheckInterval:     30 * time.Second,
	})
	require.True(t, safe.Status().GapProtectionSafe)

	unsafeMgr := New(Config{
		ExtensionInterval: time.Minute,
		Buffer:            10 * time.Second,
		CheckInterval:     30 * time.Second,
	})
	require.False(t, unsafeMgr.Status().GapProtectionSafe)
}

func TestLeaseMinutesRoundsUpAndNeverBelowOne(t *testing.T) {
	m := New(Config{ExtensionInterval: 10 * time.Second, Buffer: 10 * time.Second})
	require.Equal(t, int32(1), m.leaseMinutes())

	m2 := New(Config{ExtensionInterval: 400 * time.Second, Buffer: 300 * time.Second})
	require.Equal(t, int32(12), m2.leaseMinutes())
}

func TestNoOpModeWithoutClientNeverCallsAWS(t *testing.T) {
	m := testManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	defer m.Shutdown()

	m.AddCritical("session-1")
	require.Eventually(t, func() bool { return m.Status().Enabled }, time.Second, time.Millisecond)
	require.False(t, m.active())
}
