package client

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ConnState is the reconnection controller's state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateError        ConnState = "error"
)

// CloseReason distinguishes deliberate closes from link loss.
type CloseReason int

const (
	// CloseLocal is an explicit close by this client.
	CloseLocal CloseReason = iota
	// CloseRemote is an explicit close by the server.
	CloseRemote
	// CloseLinkLost is any other loss of the connection.
	CloseLinkLost
)

// ReconnectConfig tunes the retry schedule.
type ReconnectConfig struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	JitterFactor float64
}

// DefaultReconnectConfig mirrors the usual browser-client schedule.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
		JitterFactor: 0.2,
	}
}

// Reconnector drives the connection lifecycle: disconnected ->
// connecting -> connected, and connected -> reconnecting ->
// connected | error. On unexpected link loss it retries with
// exponential backoff and jitter; after a successful reconnect it
// rejoins whatever project room was active before the drop.
type Reconnector struct {
	cfg     ReconnectConfig
	connect func(ctx context.Context) error
	rejoin  func(ctx context.Context, projectID string) error
	logger  *log.Logger

	mu            sync.Mutex
	state         ConnState
	attempt       int
	timer         *time.Timer
	activeProject string
}

// NewReconnector creates a Reconnector. connect dials the link;
// rejoin restores room membership after a reconnect and may be nil.
func NewReconnector(cfg ReconnectConfig, connect func(ctx context.Context) error, rejoin func(ctx context.Context, projectID string) error, logger *log.Logger) *Reconnector {
	if connect == nil {
		panic("client.NewReconnector: connect is required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconnector{
		cfg:     cfg,
		connect: connect,
		rejoin:  rejoin,
		logger:  logger,
		state:   StateDisconnected,
	}
}

// State returns the current connection state.
func (r *Reconnector) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetActiveProject records the room to rejoin after a reconnect. An
// empty id clears it.
func (r *Reconnector) SetActiveProject(projectID string) {
	r.mu.Lock()
	r.activeProject = projectID
	r.mu.Unlock()
}

// Connect establishes the initial connection.
func (r *Reconnector) Connect(ctx context.Context) error {
	r.mu.Lock()
	r.state = StateConnecting
	r.mu.Unlock()

	if err := r.connect(ctx); err != nil {
		r.mu.Lock()
		r.state = StateDisconnected
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.state = StateConnected
	r.attempt = 0
	r.mu.Unlock()
	return nil
}

// ConnectionLost reacts to the link going down. Explicit local or
// remote closes land in disconnected; anything else schedules a
// reconnect attempt.
func (r *Reconnector) ConnectionLost(ctx context.Context, reason CloseReason) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reason == CloseLocal || reason == CloseRemote {
		r.stopTimerLocked()
		r.state = StateDisconnected
		return
	}
	if r.state == StateReconnecting || r.state == StateError {
		return
	}
	r.state = StateReconnecting
	r.scheduleLocked(ctx)
}

// Stop cancels any pending retry and leaves the controller
// disconnected. Safe to call in any state.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
	r.state = StateDisconnected
	r.attempt = 0
}

func (r *Reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconnector) scheduleLocked(ctx context.Context) {
	delay := r.retryDelay(r.attempt)
	r.logger.WithFields(log.Fields{
		"attempt": r.attempt,
		"delay":   delay.String(),
	}).Info("scheduling reconnect")
	r.timer = time.AfterFunc(delay, func() { r.tryReconnect(ctx) })
}

// retryDelay computes the backoff for the given attempt:
// min(maxDelay, baseDelay*2^attempt) scaled by a uniform jitter in
// [1-jitterFactor, 1+jitterFactor], floored at zero.
func (r *Reconnector) retryDelay(attempt int) time.Duration {
	backoff := float64(r.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if limit := float64(r.cfg.MaxDelay); backoff > limit {
		backoff = limit
	}
	jitter := 1 + r.cfg.JitterFactor*(rand.Float64()*2-1)
	d := time.Duration(backoff * jitter)
	if d < 0 {
		d = 0
	}
	return d
}

func (r *Reconnector) tryReconnect(ctx context.Context) {
	r.mu.Lock()
	if r.state != StateReconnecting {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	err := r.connect(ctx)

	r.mu.Lock()
	if r.state != StateReconnecting {
		// Stopped while the dial was in flight.
		r.mu.Unlock()
		return
	}
	if err == nil {
		r.state = StateConnected
		r.attempt = 0
		project := r.activeProject
		r.mu.Unlock()
		r.logger.Info("reconnected")
		if project != "" && r.rejoin != nil {
			if rerr := r.rejoin(ctx, project); rerr != nil {
				r.logger.Errorf("rejoin %s: %v", project, rerr)
			}
		}
		return
	}

	r.attempt++
	if r.attempt >= r.cfg.MaxAttempts {
		r.state = StateError
		r.stopTimerLocked()
		r.mu.Unlock()
		r.logger.Errorf("reconnect gave up after %d attempts: %v", r.cfg.MaxAttempts, err)
		return
	}
	r.logger.Warnf("reconnect attempt %d failed: %v", r.attempt, err)
	r.scheduleLocked(ctx)
	r.mu.Unlock()
}
