package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"balanceBridge/internal/apperr"
	"balanceBridge/internal/metrics"
)

// State is a listener lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
)

// Status is a point-in-time view of one listener.
type Status struct {
	Name               string    `json:"name"`
	State              State     `json:"state"`
	LastProcessedBlock uint64    `json:"lastProcessedBlock"`
	Restarts           int       `json:"restarts"`
	LastError          string    `json:"lastError,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type managed struct {
	listener  *Listener
	state     State
	restarts  int
	lastError string
	updatedAt time.Time
}

// Supervisor starts the listeners together and restarts any that fail.
type Supervisor struct {
	restartDelay time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics

	mu       sync.Mutex
	managed  []*managed
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	shutdown bool
}

func NewSupervisor(listeners []*Listener, restartDelay time.Duration, logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if restartDelay <= 0 {
		restartDelay = 5 * time.Second
	}
	s := &Supervisor{
		restartDelay: restartDelay,
		logger:       logger,
		metrics:      m,
	}
	now := time.Now().UTC()
	for _, l := range listeners {
		s.managed = append(s.managed, &managed{listener: l, state: StateStopped, updatedAt: now})
	}
	return s
}

// StartAll initializes every listener concurrently and returns once all are
// running. Transient init failures are retried after the restart delay; a
// fatal one (contract missing) fails StartAll immediately.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.New("supervisor is shut down")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("listeners already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	g, initCtx := errgroup.WithContext(ctx)
	for _, m := range s.managed {
		m := m
		g.Go(func() error {
			return s.initialize(initCtx, m)
		})
	}
	if err := g.Wait(); err != nil {
		cancel()
		for _, m := range s.managed {
			s.setState(m, StateStopped, err)
		}
		return err
	}

	for _, m := range s.managed {
		s.setState(m, StateRunning, nil)
		s.wg.Add(1)
		go s.run(runCtx, m)
	}
	s.logger.Info("listeners started", zap.Int("count", len(s.managed)))
	return nil
}

func (s *Supervisor) initialize(ctx context.Context, m *managed) error {
	for {
		s.setState(m, StateStarting, nil)
		err := m.listener.Init(ctx)
		if err == nil {
			return nil
		}
		if apperr.Is(err, apperr.KindFatal) {
			s.logger.Error("listener configuration error",
				zap.String("listener", m.listener.Name()),
				zap.Error(err),
			)
			return err
		}
		s.setState(m, StateStopped, err)
		s.logger.Warn("listener init failed, retrying",
			zap.String("listener", m.listener.Name()),
			zap.Duration("delay", s.restartDelay),
			zap.Error(err),
		)
		if !sleep(ctx, s.restartDelay) {
			return ctx.Err()
		}
	}
}

func (s *Supervisor) run(ctx context.Context, m *managed) {
	defer s.wg.Done()
	name := m.listener.Name()

	for {
		err := m.listener.Run(ctx)
		if ctx.Err() != nil {
			s.setState(m, StateStopped, nil)
			return
		}
		if err == nil {
			err = errors.New("listener exited")
		}
		s.setState(m, StateStopped, err)
		s.metrics.ListenerRestarted(name)
		s.logger.Warn("listener stopped, scheduling restart",
			zap.String("listener", name),
			zap.Duration("delay", s.restartDelay),
			zap.Error(err),
		)

		for {
			if !sleep(ctx, s.restartDelay) {
				s.setState(m, StateStopped, nil)
				return
			}
			s.setState(m, StateStarting, nil)
			err := m.listener.Init(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				s.setState(m, StateStopped, nil)
				return
			}
			s.setState(m, StateStopped, err)
			s.logger.Warn("listener restart failed",
				zap.String("listener", name),
				zap.Error(err),
			)
		}
		s.setState(m, StateRunning, nil)
		s.logger.Info("listener restarted", zap.String("listener", name))
	}
}

// Shutdown stops every listener permanently and waits for the loops to exit
// or ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, m := range s.managed {
		s.setState(m, StateStopped, nil)
	}
	return nil
}

// Status reports every listener in registration order.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.managed))
	for _, m := range s.managed {
		out = append(out, Status{
			Name:               m.listener.Name(),
			State:              m.state,
			LastProcessedBlock: m.listener.LastProcessed(),
			Restarts:           m.restarts,
			LastError:          m.lastError,
			UpdatedAt:          m.updatedAt,
		})
	}
	return out
}

// Healthy reports whether every listener is running.
func (s *Supervisor) Healthy() bool {
	for _, st := range s.Status() {
		if st.State != StateRunning {
			return false
		}
	}
	return true
}

func (s *Supervisor) setState(m *managed, state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.state == StateRunning && state == StateStopped && err != nil {
		m.restarts++
	}
	m.state = state
	if err != nil {
		m.lastError = err.Error()
	}
	m.updatedAt = time.Now().UTC()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
