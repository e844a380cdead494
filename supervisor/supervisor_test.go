package supervisor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livepeer/episode-video-worker/queue"
	"github.com/livepeer/episode-video-worker/taskprotection"
)

type fakeConsumer struct {
	mu      sync.Mutex
	drained bool
	runErr  error
	ran     chan struct{}
}

func (f *fakeConsumer) Run(ctx context.Context, handler queue.Handler) error {
	if f.ran != nil {
		close(f.ran)
	}
	<-ctx.Done()
	return f.runErr
}

func (f *fakeConsumer) Drain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = true
}

func (f *fakeConsumer) wasDrained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drained
}

type fakeProtection struct {
	mu                sync.Mutex
	sessions          map[string]struct{}
	forceDisableCalls int
	voluntaryCalls    int
}

func newFakeProtection() *fakeProtection {
	return &fakeProtection{sessions: map[string]struct{}{}}
}

func (f *fakeProtection) Run(ctx context.Context) {
	<-ctx.Done()
}

func (f *fakeProtection) Shutdown() {}

func (f *fakeProtection) RequestVoluntaryShutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voluntaryCalls++
	delete(f.sessions, taskprotection.BaselineToken)
}

func (f *fakeProtection) ForceDisable(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceDisableCalls++
	f.sessions = map[string]struct{}{}
}

func (f *fakeProtection) AddCritical(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = struct{}{}
}

func (f *fakeProtection) Status() taskprotection.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return taskprotection.Status{CriticalSessionCount: len(f.sessions)}
}

func TestProactiveProtectionAddsBaselineTokenAtStartup(t *testing.T) {
	protection := newFakeProtection()
	New(Config{
		Consumer:            &fakeConsumer{},
		Protection:          protection,
		ProactiveProtection: true,
	})
	require.Equal(t, 1, protection.Status().CriticalSessionCount)
}

func TestWithoutProactiveProtectionNoBaselineToken(t *testing.T) {
	protection := newFakeProtection()
	New(Config{
		Consumer:            &fakeConsumer{},
		Protection:          protection,
		ProactiveProtection: false,
	})
	require.Equal(t, 0, protection.Status().CriticalSessionCount)
}

func TestDrainSignalDrainsConsumerAndExitsClean(t *testing.T) {
	consumer := &fakeConsumer{ran: make(chan struct{})}
	protection := newFakeProtection()
	s := New(Config{
		Consumer:     consumer,
		Protection:   protection,
		DrainTimeout: 200 * time.Millisecond,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	<-consumer.ran
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not exit after drain signal")
	}
	require.True(t, consumer.wasDrained())
	require.GreaterOrEqual(t, protection.voluntaryCalls, 1)
}

func TestDrainReleasesBaselineBeforeWatchdogWaits(t *testing.T) {
	consumer := &fakeConsumer{ran: make(chan struct{})}
	protection := newFakeProtection()
	s := New(Config{
		Consumer:            consumer,
		Protection:          protection,
		ProactiveProtection: true,
		DrainTimeout:        2 * time.Second,
	})
	require.Equal(t, 1, protection.Status().CriticalSessionCount)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	<-consumer.ran
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	start := time.Now()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not exit after drain signal")
	}
	require.Less(t, time.Since(start), 1*time.Second, "watchdog should not burn its deadline waiting on the released baseline token")
}

func TestStrictBlockSIGTERMIgnoredWhenNotSpotEligible(t *testing.T) {
	consumer := &fakeConsumer{ran: make(chan struct{})}
	protection := newFakeProtection()
	s := New(Config{
		Consumer:           consumer,
		Protection:         protection,
		StrictBlockSIGTERM: true,
		SpotEligible:       false,
		DrainTimeout:       100 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	<-consumer.ran
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	time.Sleep(100 * time.Millisecond)
	require.False(t, consumer.wasDrained(), "SIGTERM should have been ignored under strict-block")

	cancel()
	<-errCh
}

func TestDrainWatchdogProceedsAfterDeadlineWithSessionsStillActive(t *testing.T) {
	consumer := &fakeConsumer{ran: make(chan struct{})}
	protection := newFakeProtection()
	protection.AddCritical("stuck-session")
	s := New(Config{
		Consumer:     consumer,
		Protection:   protection,
		DrainTimeout: 50 * time.Millisecond,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	<-consumer.ran
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not proceed after drain watchdog deadline")
	}
}
