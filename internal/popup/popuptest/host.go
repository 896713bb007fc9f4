// Package popuptest provides an in-memory popup.Host for tests.
package popuptest

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/quantumauth-io/crossapp-wallet/internal/popup"
)

// Window is a fake dependent window.
type Window struct {
	Target string
	Dims   popup.Dimensions

	messages    chan popup.Message
	closed      atomic.Bool
	closedByApp atomic.Bool
}

func (w *Window) Closed() bool { return w.closed.Load() }

func (w *Window) Messages() <-chan popup.Message { return w.messages }

// Post delivers body as if the window had posted it. Posts to a closed window
// or a full buffer are dropped.
func (w *Window) Post(body any) {
	if w.closed.Load() {
		return
	}
	select {
	case w.messages <- mustMessage(body):
	default:
	}
}

func (w *Window) Close() error {
	w.closedByApp.Store(true)
	w.closed.Store(true)
	return nil
}

// CloseByUser simulates the user dismissing the window.
func (w *Window) CloseByUser() { w.closed.Store(true) }

// ClosedByRequester reports whether the exchange closed the window itself.
func (w *Window) ClosedByRequester() bool { return w.closedByApp.Load() }

// Host records opened windows and fans broadcast messages out to channel members.
type Host struct {
	// Blocked makes every Open fail with popup.ErrPopupBlocked.
	Blocked bool
	// OnOpen, when set, runs on its own goroutine after each successful Open.
	OnOpen func(h *Host, w *Window)

	mu         sync.Mutex
	nextID     int
	windows    []*Window
	broadcasts map[string]map[int]chan popup.Message
}

func New() *Host {
	return &Host{broadcasts: make(map[string]map[int]chan popup.Message)}
}

func (h *Host) Open(target string, dims popup.Dimensions) (popup.Window, error) {
	if h.Blocked {
		return nil, popup.ErrPopupBlocked
	}
	w := &Window{Target: target, Dims: dims, messages: make(chan popup.Message, 16)}

	h.mu.Lock()
	h.windows = append(h.windows, w)
	h.mu.Unlock()

	if h.OnOpen != nil {
		go h.OnOpen(h, w)
	}
	return w, nil
}

func (h *Host) JoinBroadcast(name string) (<-chan popup.Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan popup.Message, 16)
	if h.broadcasts[name] == nil {
		h.broadcasts[name] = make(map[int]chan popup.Message)
	}
	h.broadcasts[name][id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.broadcasts[name], id)
	}
}

// Broadcast delivers body to every member of the named channel.
func (h *Host) Broadcast(name string, body any) {
	msg := mustMessage(body)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.broadcasts[name] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Windows returns every window opened so far.
func (h *Host) Windows() []*Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Window(nil), h.windows...)
}

// Subscriptions counts windows still open plus live broadcast memberships.
func (h *Host) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, w := range h.windows {
		if !w.Closed() {
			n++
		}
	}
	for _, members := range h.broadcasts {
		n += len(members)
	}
	return n
}

// BroadcastMembers counts live members of one channel.
func (h *Host) BroadcastMembers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.broadcasts[name])
}

func mustMessage(body any) popup.Message {
	raw, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	msg, err := popup.ParseMessage(raw)
	if err != nil {
		panic(err)
	}
	return msg
}
