package bridge

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/crossapp-wallet/internal/popup"
)

type windowState string

const (
	statePending windowState = "pending"
	stateOpened  windowState = "opened"
	stateBlocked windowState = "blocked"
	stateClosed  windowState = "closed"
)

// window is the Go side of one popup opened by a bridge page.
type window struct {
	id     string
	code   string
	target string
	origin string
	dims   popup.Dimensions

	// messages carries what this popup posted; closed when the window is dropped.
	messages chan popup.Message
	// release drops the window from the server after the close grace period.
	release func()

	mu             sync.Mutex
	state          windowState
	closeRequested bool
	dropped        bool
	settled        chan struct{}
	settleOnce     sync.Once
	closeOnce      sync.Once
}

func (w *window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateClosed
}

func (w *window) Messages() <-chan popup.Message { return w.messages }

// Close asks the bridge page to close the popup on its next state poll. The
// window is forgotten after the grace period even if the page never reports.
func (w *window) Close() error {
	w.mu.Lock()
	w.closeRequested = true
	w.mu.Unlock()

	w.closeOnce.Do(func() {
		if w.release != nil {
			w.release()
		}
	})
	return nil
}

// post hands msg to the exchange reading this window. It never blocks.
func (w *window) post(msg popup.Message) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropped {
		return 0
	}
	select {
	case w.messages <- msg:
		return 1
	default:
		return 0
	}
}

func (w *window) drop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropped {
		return
	}
	w.dropped = true
	close(w.messages)
}

func (w *window) snapshot() (windowState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.closeRequested
}

func (w *window) setState(s windowState) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.state == s:
		return nil
	case w.state == stateClosed, w.state == stateBlocked:
		return errors.Newf("window already %s", w.state)
	case s == stateClosed && w.state == statePending:
		return errors.New("window was never opened")
	}
	w.state = s
	if s == stateOpened || s == stateBlocked {
		w.settleOnce.Do(func() { close(w.settled) })
	}
	return nil
}

// subscribers are the members of each named broadcast channel.
type subscribers struct {
	nextID int
	named  map[string]map[int]chan popup.Message
}

func newSubscribers() subscribers {
	return subscribers{named: make(map[string]map[int]chan popup.Message)}
}

func (s *subscribers) add(name string) (int, chan popup.Message) {
	id := s.nextID
	s.nextID++
	ch := make(chan popup.Message, subscriberBuffer)
	if s.named[name] == nil {
		s.named[name] = make(map[int]chan popup.Message)
	}
	s.named[name][id] = ch
	return id, ch
}

// fanOut never blocks; a subscriber whose buffer is full misses the message.
func fanOut(chans map[int]chan popup.Message, msg popup.Message) int {
	n := 0
	for _, ch := range chans {
		select {
		case ch <- msg:
			n++
		default:
		}
	}
	return n
}

// Open registers a window, asks the launcher to show the bridge page for it and
// waits for the page to report whether the browser allowed the popup.
func (s *Server) Open(target string, dims popup.Dimensions) (popup.Window, error) {
	origin := normalizeOrigin(target)
	if origin == "" {
		return nil, errors.Newf("popup target %q has no origin", target)
	}
	code, err := newConfirmCode()
	if err != nil {
		return nil, errors.Wrap(err, "confirmation code")
	}
	w := &window{
		id:       uuid.NewString(),
		code:     code,
		target:   target,
		origin:   origin,
		dims:     dims,
		messages: make(chan popup.Message, subscriberBuffer),
		state:    statePending,
		settled:  make(chan struct{}),
	}
	w.release = func() {
		time.AfterFunc(s.closeGrace, func() { s.dropWindow(w.id) })
	}

	s.mu.Lock()
	s.windows[w.id] = w
	s.mu.Unlock()

	pageURL := s.baseURL + "/bridge/windows/" + w.id
	log.Info("opening wallet popup", "target", origin, "code", code)
	if err := s.launch(pageURL); err != nil {
		s.dropWindow(w.id)
		return nil, errors.Mark(errors.Wrap(err, "launch bridge page"), popup.ErrPopupBlocked)
	}

	timer := time.NewTimer(s.openTimeout)
	defer timer.Stop()
	select {
	case <-w.settled:
	case <-timer.C:
		s.dropWindow(w.id)
		log.Warn("bridge page did not report", "window", w.id, "url", pageURL)
		return nil, errors.Wrap(popup.ErrPopupBlocked, "bridge page did not report")
	}

	if st, _ := w.snapshot(); st == stateBlocked {
		s.dropWindow(w.id)
		return nil, popup.ErrPopupBlocked
	}
	return w, nil
}

func (s *Server) JoinBroadcast(name string) (<-chan popup.Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ch := s.subs.add(name)

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs.named[name], id)
		if len(s.subs.named[name]) == 0 {
			delete(s.subs.named, name)
		}
	}
}

func (s *Server) lookupWindow(id string) (*window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	return w, ok
}

func (s *Server) dropWindow(id string) {
	s.mu.Lock()
	w, ok := s.windows[id]
	delete(s.windows, id)
	s.mu.Unlock()
	if ok {
		w.drop()
	}
}
