package popup

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/crossapp-wallet/internal/constants"
)

// Mode is the correlation strategy an exchange is currently using.
type Mode int32

const (
	// ModeWindowPoll reads direct window messages and treats a closed window as a decline.
	ModeWindowPoll Mode = iota
	// ModeBroadcastListen reads only the named broadcast channel. The closed-window poll
	// keeps running in this mode but is not acted on.
	ModeBroadcastListen
)

func (m Mode) String() string {
	switch m {
	case ModeWindowPoll:
		return "window-poll"
	case ModeBroadcastListen:
		return "broadcast-listen"
	default:
		return "unknown"
	}
}

// Outcome labels reported to an Observer.
const (
	OutcomeSuccess       = "success"
	OutcomeProviderError = "provider_error"
	OutcomeTimeout       = "timeout"
	OutcomeUserRejected  = "user_rejected"
)

// Observer is notified once per finished exchange.
type Observer interface {
	ExchangeFinished(label, outcome string, elapsed time.Duration)
	ExchangeUpgraded(label string)
}

// Matcher classifies inbound messages for one exchange.
type Matcher struct {
	// Success is the message type that resolves the exchange.
	Success string
	// Complete, when set, must also accept a Success-typed message. Incomplete
	// messages are ignored.
	Complete func(Message) bool
	// Failure is the message type that rejects with a *ProviderError.
	Failure string
	// Broadcast names the channel to join on an upgrade signal. Empty disables upgrades.
	Broadcast string
}

type options struct {
	timeout  time.Duration
	poll     time.Duration
	label    string
	observer Observer
}

type Option func(*options)

func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithLabel tags the exchange in logs and observer callbacks.
func WithLabel(label string) Option {
	return func(o *options) { o.label = label }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Exchange is one in-flight popup round trip.
type Exchange struct {
	id      string
	opts    options
	host    Host
	window  Window
	started time.Time

	messages <-chan Message

	broadcast      <-chan Message
	leaveBroadcast func()

	deadline *time.Timer
	poll     *time.Ticker

	mode        atomic.Int32
	awaited     atomic.Bool
	cleanupOnce sync.Once
}

// Open opens a window at target and starts the deadline and abandonment poll.
// The returned exchange must be awaited; Await performs all cleanup.
func Open(host Host, target string, dims Dimensions, opts ...Option) (*Exchange, error) {
	o := options{
		timeout: constants.ExchangeTimeout,
		poll:    constants.ExchangePollInterval,
		label:   "popup",
	}
	for _, opt := range opts {
		opt(&o)
	}

	win, err := host.Open(target, dims)
	if err != nil {
		if errors.Is(err, ErrPopupBlocked) {
			return nil, err
		}
		return nil, errors.Mark(errors.Wrap(err, "open popup"), ErrPopupBlocked)
	}
	if win == nil {
		return nil, ErrPopupBlocked
	}

	e := &Exchange{
		id:       uuid.NewString(),
		opts:     o,
		host:     host,
		window:   win,
		started:  time.Now(),
		messages: win.Messages(),
		deadline: time.NewTimer(o.timeout),
		poll:     time.NewTicker(o.poll),
	}
	e.mode.Store(int32(ModeWindowPoll))
	return e, nil
}

func (e *Exchange) ID() string { return e.id }

func (e *Exchange) Mode() Mode { return Mode(e.mode.Load()) }

// Await blocks until the first matching message, a provider error, the deadline,
// or a user-closed window. Cleanup runs exactly once on every path.
func (e *Exchange) Await(m Matcher) (Message, error) {
	if !e.awaited.CompareAndSwap(false, true) {
		return Message{}, ErrAlreadyAwaited
	}

	msg, err := e.loop(m)
	e.cleanup()

	if e.opts.observer != nil {
		e.opts.observer.ExchangeFinished(e.opts.label, outcomeOf(err), time.Since(e.started))
	}
	return msg, err
}

func (e *Exchange) loop(m Matcher) (Message, error) {
	direct := e.messages
	for {
		var inbound <-chan Message
		if e.Mode() == ModeWindowPoll {
			inbound = direct
		} else {
			inbound = e.broadcast
		}

		select {
		case msg, ok := <-inbound:
			if !ok {
				// host dropped the subscription; only the deadline or poll can end this now
				if e.Mode() == ModeWindowPoll {
					direct = nil
				} else {
					e.broadcast = nil
				}
				continue
			}
			switch {
			case msg.Type == m.Success && m.Success != "":
				if m.Complete != nil && !m.Complete(msg) {
					log.Warn("ignoring incomplete popup response", "exchange", e.id, "type", msg.Type)
					continue
				}
				return msg, nil
			case msg.Type == m.Failure && m.Failure != "":
				return Message{}, &ProviderError{Type: msg.Type, Message: msg.Field("error")}
			case msg.Type == constants.MessageUseBroadcast && m.Broadcast != "":
				if e.Mode() == ModeWindowPoll {
					e.upgrade(m.Broadcast)
				}
			}

		case <-e.poll.C:
			if e.Mode() == ModeWindowPoll && e.window.Closed() {
				return Message{}, ErrUserRejected
			}

		case <-e.deadline.C:
			return Message{}, ErrTimeout
		}
	}
}

func (e *Exchange) upgrade(channel string) {
	broadcast, leave := e.host.JoinBroadcast(channel)
	e.broadcast, e.leaveBroadcast = broadcast, sync.OnceFunc(leave)
	// direct messages are no longer consulted
	e.mode.Store(int32(ModeBroadcastListen))

	log.Info("popup exchange switched to broadcast channel", "exchange", e.id, "channel", channel)
	if e.opts.observer != nil {
		e.opts.observer.ExchangeUpgraded(e.opts.label)
	}
}

func (e *Exchange) cleanup() {
	e.cleanupOnce.Do(func() {
		e.deadline.Stop()
		e.poll.Stop()
		if e.leaveBroadcast != nil {
			e.leaveBroadcast()
		}
		if err := e.window.Close(); err != nil {
			log.Warn("closing popup window failed", "exchange", e.id, "error", err)
		}
	})
}

func outcomeOf(err error) string {
	var perr *ProviderError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &perr):
		return OutcomeProviderError
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeUserRejected
	}
}

// Run opens a window and awaits it in one call.
func Run(host Host, target string, dims Dimensions, m Matcher, opts ...Option) (Message, error) {
	e, err := Open(host, target, dims, opts...)
	if err != nil {
		return Message{}, err
	}
	return e.Await(m)
}
