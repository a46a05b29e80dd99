package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// SupervisorConfig tunes the channel lifecycle.
type SupervisorConfig struct {
	// SettleDelay is waited before the first open, so the channel is not
	// dialed before the rest of session bootstrap completes. Zero means
	// 200ms.
	SettleDelay time.Duration
	// MaxRetries is the reconnect ceiling after abnormal closes. Zero
	// means 3.
	MaxRetries int
	// InitialBackoff is the first reconnect delay, doubling per attempt.
	// Zero means 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay. Zero means 10s.
	MaxBackoff time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.SettleDelay == 0 {
		c.SettleDelay = 200 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

// Supervisor owns the lifecycle of one delivery channel on behalf of the
// manager: open, detect abnormal close, back off and redial up to a
// ceiling, and tear everything down as one unit on Stop. At most one
// reconnect timer is pending at any time.
type Supervisor struct {
	dialer  Dialer
	manager *Manager
	cfg     SupervisorConfig
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	retries int
	timer   *time.Timer
	channel Channel
	cancel  context.CancelFunc
	bo      *backoff.ExponentialBackOff
}

func NewSupervisor(dialer Dialer, manager *Manager, cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = cfg.MaxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Supervisor{
		dialer:  dialer,
		manager: manager,
		cfg:     cfg,
		logger:  logger,
		bo:      bo,
	}
}

// Start begins the channel lifecycle for an authenticated session. A
// second Start on a running supervisor is a no-op.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.retries = 0
	s.bo.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.scheduleLocked(ctx, s.cfg.SettleDelay)
}

// Stop is the teardown unit: cancel any pending reconnect timer, close
// the current channel with the normal reason and clear the manager's
// local state. Late callbacks from in-flight work are discarded by the
// manager's generation check.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.retries = 0
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	s.manager.Teardown()
}

// scheduleLocked arms the single reconnect timer, cancelling any prior
// one. Caller holds s.mu.
func (s *Supervisor) scheduleLocked(ctx context.Context, d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() { s.connect(ctx) })
}

func (s *Supervisor) connect(ctx context.Context) {
	s.mu.Lock()
	if !s.running || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.manager.setConnState(StateConnecting)

	ch, err := s.dialer.Dial(ctx)

	s.mu.Lock()
	if !s.running || ctx.Err() != nil {
		s.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return
	}

	if err != nil {
		s.mu.Unlock()
		s.manager.setConnState(StateDisconnected)
		// Missing or rejected credentials are not retried; the session
		// layer reacts to those, not us.
		if errors.Is(err, ErrNoCredential) || errors.Is(err, ErrUnauthorized) {
			s.logger.Warn("channel open refused, not retrying", zap.Error(err))
			return
		}
		s.logger.Warn("channel open failed", zap.Error(err))
		s.retryAfterFailure(ctx)
		return
	}

	s.channel = ch
	s.retries = 0
	s.bo.Reset()
	s.mu.Unlock()

	s.manager.setConnState(StateConnected)
	s.logger.Info("delivery channel connected")

	go s.readLoop(ctx, ch)
}

func (s *Supervisor) readLoop(ctx context.Context, ch Channel) {
	for {
		n, err := ch.Next()
		if err == nil {
			s.manager.ReceivePush(n)
			continue
		}

		reason := CloseAbnormal
		var ce *CloseError
		if errors.As(err, &ce) {
			reason = ce.Reason
		}

		s.mu.Lock()
		if s.channel == ch {
			s.channel = nil
		}
		stillRunning := s.running && ctx.Err() == nil
		s.mu.Unlock()

		s.manager.setConnState(StateDisconnected)

		if !stillRunning || reason == CloseNormal {
			return
		}

		s.logger.Warn("delivery channel closed abnormally", zap.Error(err))
		s.retryAfterFailure(ctx)
		return
	}
}

func (s *Supervisor) retryAfterFailure(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || ctx.Err() != nil {
		return
	}
	if s.retries >= s.cfg.MaxRetries {
		s.logger.Warn("reconnect ceiling reached, staying disconnected",
			zap.Int("attempts", s.retries))
		return
	}
	s.retries++
	delay := s.bo.NextBackOff()
	s.logger.Info("scheduling reconnect",
		zap.Int("attempt", s.retries),
		zap.Duration("delay", delay))
	s.scheduleLocked(ctx, delay)
}
