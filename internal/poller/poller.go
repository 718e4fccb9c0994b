// Package poller watches a payment ref until it settles, fails or the
// polling window closes.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/resilience"
)

// ErrNotFound is returned by a Fetcher when the server does not know the ref yet.
var ErrNotFound = errors.New("poller: payment not found")

// State is what the poller reports to its caller.
type State string

const (
	StatePending   State = "pending"
	StatePaid      State = "paid"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Terminal reports whether polling has stopped in s.
func (s State) Terminal() bool {
	return s != StatePending
}

// Status is one server answer for a payment ref.
type Status struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId"`
}

// Fetcher reads the current status of a payment ref.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (Status, error)
}

// Update is delivered to OnUpdate after every poll and on completion.
type Update struct {
	Ref     string
	State   State
	OrderID string
	Attempt int
	Elapsed time.Duration
	Err     error
}

// Outcome is the final result of a polling run.
type Outcome struct {
	State      State
	OrderID    string
	Polls      int
	Err        error
	Redirected bool
}

// Config tunes the polling loop. Zero values take the defaults.
type Config struct {
	Interval      time.Duration
	Timeout       time.Duration
	RedirectDelay time.Duration
	MaxBackoff    time.Duration
	FetchTimeout  time.Duration
	Jitter        float64
	Clock         clockwork.Clock
	Logger        zerolog.Logger
	OnUpdate      func(Update)
	OnRedirect    func(orderID string)
}

const (
	DefaultInterval      = 5 * time.Second
	DefaultTimeout       = 30 * time.Minute
	DefaultRedirectDelay = 3 * time.Second
	DefaultMaxBackoff    = time.Minute
	DefaultFetchTimeout  = 10 * time.Second
)

// Poller starts polling runs against a Fetcher.
type Poller struct {
	fetcher Fetcher
	cfg     Config
}

// New returns a Poller with defaults applied to cfg.
func New(fetcher Fetcher, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RedirectDelay < 0 {
		cfg.RedirectDelay = 0
	} else if cfg.RedirectDelay == 0 {
		cfg.RedirectDelay = DefaultRedirectDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Poller{fetcher: fetcher, cfg: cfg}
}

// Handle controls a running poll loop.
type Handle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

// Stop cancels the loop and any pending redirect. It is safe to call more than once.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
}

// Done is closed once the loop and any redirect delay have finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until Done and returns the outcome.
func (h *Handle) Wait() Outcome {
	<-h.done
	return h.outcome
}

// Start begins polling ref in the background. Cancelling ctx is equivalent to Stop.
func (p *Poller) Start(ctx context.Context, ref string) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer h.Stop()
		h.outcome = p.run(ctx, ref)
	}()
	return h
}

func (p *Poller) run(ctx context.Context, ref string) Outcome {
	clock := p.cfg.Clock
	start := clock.Now()
	deadline := start.Add(p.cfg.Timeout)
	log := p.cfg.Logger.With().Str("payment_ref", ref).Logger()

	var (
		timer    clockwork.Timer
		polls    int
		failures int
		lastErr  error
		orderID  string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	finish := func(state State, err error) Outcome {
		p.emit(Update{Ref: ref, State: state, OrderID: orderID, Attempt: polls, Elapsed: clock.Since(start), Err: err})
		return Outcome{State: state, OrderID: orderID, Polls: polls, Err: err}
	}

	for {
		polls++
		st, err := p.fetch(ctx, ref)
		if ctx.Err() != nil {
			return finish(StateCancelled, ctx.Err())
		}
		wait := p.cfg.Interval
		if err == nil && st.OrderID != "" {
			orderID = st.OrderID
		}
		switch {
		case err == nil && st.Status == string(StatePaid):
			if timer != nil {
				timer.Stop()
				timer = nil
			}
			out := finish(StatePaid, nil)
			out.Redirected = p.redirect(ctx, orderID)
			return out
		case err == nil && st.Status == string(StateFailed):
			return finish(StateFailed, nil)
		case err == nil || errors.Is(err, ErrNotFound):
			failures, lastErr = 0, nil
			p.emit(Update{Ref: ref, State: StatePending, OrderID: orderID, Attempt: polls, Elapsed: clock.Since(start)})
		default:
			failures++
			lastErr = err
			wait = resilience.Backoff(p.cfg.Interval, failures, p.cfg.Jitter)
			if wait > p.cfg.MaxBackoff {
				wait = p.cfg.MaxBackoff
			}
			log.Debug().Err(err).Int("failures", failures).Dur("retry_in", wait).Msg("payment status poll failed")
			p.emit(Update{Ref: ref, State: StatePending, OrderID: orderID, Attempt: polls, Elapsed: clock.Since(start), Err: err})
		}

		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			if lastErr != nil {
				return finish(StateError, lastErr)
			}
			return finish(StateExpired, nil)
		}
		if wait > remaining {
			wait = remaining
		}
		if timer == nil {
			timer = clock.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return finish(StateCancelled, ctx.Err())
		case <-timer.Chan():
		}
	}
}

func (p *Poller) fetch(ctx context.Context, ref string) (Status, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()
	return p.fetcher.Fetch(fetchCtx, ref)
}

// redirect waits RedirectDelay then calls OnRedirect, unless stopped first.
func (p *Poller) redirect(ctx context.Context, orderID string) bool {
	if p.cfg.OnRedirect == nil {
		return false
	}
	t := p.cfg.Clock.NewTimer(p.cfg.RedirectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
	}
	p.cfg.OnRedirect(orderID)
	return true
}

func (p *Poller) emit(u Update) {
	if p.cfg.OnUpdate != nil {
		p.cfg.OnUpdate(u)
	}
}
