// Package taskprotection tells the ECS execution environment this worker
// must not be terminated while a critical section (an in-flight
// transcoding session) is active, renewing a time-bounded protection lease
// in the background for as long as any session is registered.
package taskprotection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/cenkalti/backoff/v4"

	"github.com/livepeer/episode-video-worker/config"
	"github.com/livepeer/episode-video-worker/log"
	"github.com/livepeer/episode-video-worker/metrics"
)

// BaselineToken is the synthetic critical-session id added at process
// start when proactive protection is enabled.
const BaselineToken = "baseline_protection"

const maxConsecutiveFailures = 5

// Status is a snapshot of the protection manager's state.
type Status struct {
	Enabled              bool
	CriticalSessionCount int
	CriticalSessionIDs   []string
	LeaseExpiresAt       time.Time
	GapProtectionSafe    bool
}

// ECSClient is the subset of the ECS API this package calls, so tests can
// substitute a fake without standing up a real client.
type ECSClient interface {
	UpdateTaskProtection(ctx context.Context, params *ecs.UpdateTaskProtectionInput, optFns ...func(*ecs.Options)) (*ecs.UpdateTaskProtectionOutput, error)
}

// Manager implements the TaskProtection component: AddCritical,
// RemoveCritical, RequestVoluntaryShutdown, ForceDisable, and Status, plus
// a background extender loop that keeps the ECS lease alive while any
// session is registered.
type Manager struct {
	client      ECSClient
	clusterName string
	taskARN     string

	extensionInterval time.Duration
	buffer            time.Duration
	checkInterval     time.Duration
	maxDuration       time.Duration
	minHold           time.Duration

	mu                sync.Mutex
	enabled           bool
	sessions          map[string]struct{}
	protectionStarted time.Time
	leaseExpiresAt    time.Time

	stop chan struct{}
	done chan struct{}
}

// Config configures a Manager. Client and TaskARN may be empty: when
// either is unset the manager runs in no-op mode (outside ECS, e.g. local
// development), logging its decisions but never calling AWS.
type Config struct {
	Client      ECSClient
	ClusterName string
	TaskARN     string

	ExtensionInterval time.Duration
	Buffer            time.Duration
	CheckInterval     time.Duration
	MaxDuration       time.Duration
	MinHold           time.Duration
}

func New(cfg Config) *Manager {
	m := &Manager{
		client:            cfg.Client,
		clusterName:       cfg.ClusterName,
		taskARN:           cfg.TaskARN,
		extensionInterval: orDefault(cfg.ExtensionInterval, config.DefaultLeaseExtensionIntervalSecs*time.Second),
		buffer:            orDefault(cfg.Buffer, config.DefaultLeaseBufferSecs*time.Second),
		checkInterval:     orDefault(cfg.CheckInterval, config.DefaultLeaseCheckIntervalSecs*time.Second),
		maxDuration:       orDefault(cfg.MaxDuration, config.DefaultMaxProtectionDurationSecs*time.Second),
		minHold:           orDefault(cfg.MinHold, config.DefaultMinProtectionHoldSecs*time.Second),
		sessions:          map[string]struct{}{},
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	if m.buffer <= m.checkInterval {
		log.LogNoEpisodeID("task protection buffer does not exceed check interval; gap_protection_safe will be false",
			"buffer_seconds", m.buffer.Seconds(), "check_interval_seconds", m.checkInterval.Seconds())
	}
	return m
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// active reports whether this manager can talk to ECS at all.
func (m *Manager) active() bool {
	return m.client != nil && m.taskARN != ""
}

// Run starts the background extender loop. It blocks until ctx is
// cancelled or Shutdown is called, and must run in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	if !m.active() {
		log.LogNoEpisodeID("task protection manager running in no-op mode: missing ECS client or task ARN")
	}

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				consecutiveFailures++
				log.LogError("", "task protection tick failed", err, "consecutive_failures", consecutiveFailures)
				if consecutiveFailures >= maxConsecutiveFailures {
					log.LogNoEpisodeID("task protection has failed repeatedly; continuing without guaranteed protection",
						"consecutive_failures", consecutiveFailures)
				}
			} else {
				consecutiveFailures = 0
			}
		}
	}
}

// Shutdown stops the background loop and joins it.
func (m *Manager) Shutdown() {
	close(m.stop)
	<-m.done
}

func (m *Manager) tick(ctx context.Context) error {
	m.mu.Lock()
	hasSessions := len(m.sessions) > 0
	enabled := m.enabled
	var duration time.Duration
	if !m.protectionStarted.IsZero() {
		duration = config.Clock.GetTime().Sub(m.protectionStarted)
	}
	if duration > m.maxDuration {
		log.LogNoEpisodeID("task protection exceeded max duration; treating as stuck and disabling", "duration_seconds", duration.Seconds())
		hasSessions = false
	}
	m.mu.Unlock()

	switch {
	case hasSessions && !enabled:
		return m.enableLocked(ctx)
	case hasSessions && enabled:
		return m.extendLocked(ctx)
	case !hasSessions && enabled:
		if duration >= m.minHold {
			return m.disableLocked(ctx)
		}
	}
	return nil
}

// AddCritical registers a critical token. The first token enables
// protection on the next tick.
func (m *Manager) AddCritical(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = struct{}{}
	metrics.Metrics.CriticalSessions.Set(float64(len(m.sessions)))
}

// RemoveCritical removes a token. Zero tokens and no shutdown-pending means
// protection is disabled once the minimum hold has elapsed.
func (m *Manager) RemoveCritical(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	metrics.Metrics.CriticalSessions.Set(float64(len(m.sessions)))
}

// RequestVoluntaryShutdown removes the baseline token, allowing disable
// once the remaining refcount drains.
func (m *Manager) RequestVoluntaryShutdown() {
	m.RemoveCritical(BaselineToken)
}

// ForceDisable discards all tokens and disables protection immediately.
func (m *Manager) ForceDisable(reason string) {
	m.mu.Lock()
	m.sessions = map[string]struct{}{}
	m.mu.Unlock()
	metrics.Metrics.CriticalSessions.Set(0)
	if err := m.disableLocked(context.Background()); err != nil {
		log.LogError("", "force-disable task protection failed", err, "reason", reason)
	}
}

// Status returns a snapshot of the manager's state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return Status{
		Enabled:              m.enabled,
		CriticalSessionCount: len(m.sessions),
		CriticalSessionIDs:   ids,
		LeaseExpiresAt:       m.leaseExpiresAt,
		GapProtectionSafe:    m.buffer > m.checkInterval,
	}
}

func (m *Manager) leaseMinutes() int32 {
	total := m.extensionInterval + m.buffer
	minutes := int32((total + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

func (m *Manager) enableLocked(ctx context.Context) error {
	if !m.active() {
		m.mu.Lock()
		m.enabled = true
		m.protectionStarted = config.Clock.GetTime()
		m.mu.Unlock()
		return nil
	}
	if err := m.updateTaskProtection(ctx, true); err != nil {
		return err
	}
	m.mu.Lock()
	m.enabled = true
	m.protectionStarted = config.Clock.GetTime()
	m.leaseExpiresAt = m.protectionStarted.Add(time.Duration(m.leaseMinutes()) * time.Minute)
	m.mu.Unlock()
	log.LogNoEpisodeID("ECS task protection enabled", "minutes", m.leaseMinutes())
	return nil
}

func (m *Manager) extendLocked(ctx context.Context) error {
	if !m.active() {
		return nil
	}
	if err := m.updateTaskProtection(ctx, true); err != nil {
		return err
	}
	m.mu.Lock()
	m.leaseExpiresAt = config.Clock.GetTime().Add(time.Duration(m.leaseMinutes()) * time.Minute)
	m.mu.Unlock()
	return nil
}

func (m *Manager) disableLocked(ctx context.Context) error {
	if m.active() {
		if err := m.updateTaskProtection(ctx, false); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.enabled = false
	m.protectionStarted = time.Time{}
	m.mu.Unlock()
	log.LogNoEpisodeID("ECS task protection disabled")
	return nil
}

func (m *Manager) updateTaskProtection(ctx context.Context, enable bool) error {
	input := &ecs.UpdateTaskProtectionInput{
		Cluster:           aws.String(m.clusterName),
		Tasks:             []string{m.taskARN},
		ProtectionEnabled: enable,
	}
	if enable {
		input.ExpiresInMinutes = aws.Int32(m.leaseMinutes())
	}

	op := func() error {
		_, err := m.client.UpdateTaskProtection(ctx, input)
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxConsecutiveFailures)
	if err := backoff.Retry(op, b); err != nil {
		metrics.Metrics.TaskProtection.FailureCount.WithLabelValues(m.clusterName).Inc()
		if strings.Contains(strings.ToLower(err.Error()), "cluster identifiers mismatch") {
			log.LogNoEpisodeID("ECS cluster identifier mismatch while updating task protection", "cluster", m.clusterName, "task_arn", m.taskARN)
		}
		return fmt.Errorf("UpdateTaskProtection(enabled=%v): %w", enable, err)
	}
	return nil
}
