// Package supervisor wires the queue consumer, the task-protection manager,
// and the internal HTTP surface into one process, and owns the process's
// signal policy, drain watchdog, and exit policy (spec.md §4.7).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/livepeer/episode-video-worker/log"
	"github.com/livepeer/episode-video-worker/queue"
	"github.com/livepeer/episode-video-worker/taskprotection"
)

// consumer is the subset of queue.Consumer the Supervisor drives.
type consumer interface {
	Run(ctx context.Context, handler queue.Handler) error
	Drain()
}

// protection is the subset of taskprotection.Manager the Supervisor drives.
type protection interface {
	Run(ctx context.Context)
	Shutdown()
	RequestVoluntaryShutdown()
	ForceDisable(reason string)
	AddCritical(id string)
	Status() taskprotection.Status
}

// closer matches *sql.DB's Close method, so the Supervisor can own the
// repository connection pool's lifetime without importing database/sql.
type closer interface {
	Close() error
}

// Config configures a Supervisor.
type Config struct {
	Consumer   consumer
	Handler    queue.Handler
	Protection protection
	DB         closer

	SpotEligible       bool
	StrictBlockSIGTERM bool

	DrainTimeout     time.Duration
	SpotDrainTimeout time.Duration

	HTTPInternalAddress string

	ProactiveProtection bool
}

// Supervisor owns the process's top-level lifecycle: it starts the
// consumer, the task-protection extender loop, and the internal HTTP
// server under one errgroup, and translates OS signals into drain or
// voluntary-shutdown requests.
type Supervisor struct {
	consumer   consumer
	handler    queue.Handler
	protection protection
	db         closer

	spotEligible       bool
	strictBlockSIGTERM bool

	drainTimeout     time.Duration
	spotDrainTimeout time.Duration

	httpAddr string

	shutdownRequested chan struct{}
}

func New(cfg Config) *Supervisor {
	s := &Supervisor{
		consumer:            cfg.Consumer,
		handler:             cfg.Handler,
		protection:          cfg.Protection,
		db:                  cfg.DB,
		spotEligible:        cfg.SpotEligible,
		strictBlockSIGTERM:  cfg.StrictBlockSIGTERM,
		drainTimeout:        cfg.DrainTimeout,
		spotDrainTimeout:    cfg.SpotDrainTimeout,
		httpAddr:            cfg.HTTPInternalAddress,
		shutdownRequested:   make(chan struct{}),
	}
	if s.drainTimeout <= 0 {
		s.drainTimeout = 30 * time.Second
	}
	if s.spotDrainTimeout <= 0 {
		s.spotDrainTimeout = 95 * time.Second
	}
	if cfg.ProactiveProtection {
		s.protection.AddCritical(taskprotection.BaselineToken)
	}
	return s
}

// Run starts every component and blocks until a voluntary shutdown has
// drained cleanly or an unrecoverable component error occurs. It returns
// nil only for a clean voluntary shutdown; callers should exit 0 on nil
// and non-zero otherwise (spec.md §6 "Exit codes").
func (s *Supervisor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.protection.Run(ctx)
		return nil
	})

	group.Go(func() error {
		return s.consumer.Run(ctx, s.handler)
	})

	if s.httpAddr != "" {
		srv := s.newInternalServer()
		group.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		return s.handleSignals(ctx)
	})

	err := group.Wait()

	s.protection.Shutdown()
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil {
			log.LogNoEpisodeID("error closing database connection pool on shutdown", "error", cerr.Error())
		}
	}

	select {
	case <-s.shutdownRequested:
		return nil
	default:
		return err
	}
}

func (s *Supervisor) newInternalServer() *http.Server {
	router := httprouter.New()
	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return &http.Server{Addr: s.httpAddr, Handler: router}
}

// handleSignals distinguishes drain signals from the voluntary-shutdown
// signal (spec.md §4.7 "Signal policy"). SIGTERM/SIGINT/SIGHUP/SIGQUIT
// request a drain; SIGUSR1 requests voluntary shutdown directly. In
// spot-eligible mode SIGTERM always drains. Otherwise, when
// strict-block-sigterm is set, SIGTERM is logged and ignored instead.
func (s *Supervisor) handleSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			switch {
			case sig == syscall.SIGUSR1:
				log.LogNoEpisodeID("received voluntary-shutdown signal", "signal", sig.String())
				return s.voluntaryShutdown(ctx)
			case sig == syscall.SIGTERM && !s.spotEligible && s.strictBlockSIGTERM:
				log.LogNoEpisodeID("SIGTERM received but strict-block-sigterm is set; ignoring", "signal", sig.String())
				continue
			default:
				log.LogNoEpisodeID("received drain signal", "signal", sig.String())
				return s.drainAndShutdown(ctx)
			}
		}
	}
}

// drainAndShutdown stops new message fetches, releases the baseline
// protection token so the watchdog below counts only real in-flight
// sessions, waits for those to clear under the drain watchdog, then
// requests voluntary shutdown.
func (s *Supervisor) drainAndShutdown(ctx context.Context) error {
	s.consumer.Drain()
	s.protection.RequestVoluntaryShutdown()
	s.awaitDrain(ctx)
	return s.voluntaryShutdown(ctx)
}

// awaitDrain polls TaskProtection.Status().CriticalSessionCount until it
// reaches zero or the deadline expires, per spec.md §4.7 "Drain watchdog".
func (s *Supervisor) awaitDrain(ctx context.Context) {
	deadline := s.drainTimeout
	if s.spotEligible {
		deadline = s.spotDrainTimeout
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		status := s.protection.Status()
		if status.CriticalSessionCount == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			log.LogNoEpisodeID("drain watchdog deadline expired with critical sessions still active; proceeding anyway",
				"critical_session_count", status.CriticalSessionCount, "deadline_seconds", deadline.Seconds())
			return
		case <-ticker.C:
		}
	}
}

// voluntaryShutdown releases the baseline protection token and signals a
// clean exit (spec.md §4.7 "Exit policy": the process exits only on
// voluntary shutdown).
func (s *Supervisor) voluntaryShutdown(ctx context.Context) error {
	s.protection.RequestVoluntaryShutdown()
	close(s.shutdownRequested)
	return fmt.Errorf("voluntary shutdown requested")
}
