package provider

import "sync"

// Event is one of the fixed EIP-1193 provider events.
type Event int

const (
	AccountsChanged Event = iota
	ChainChanged
	Connect
	Disconnect
	Message

	eventCount
)

var eventNames = [eventCount]string{
	AccountsChanged: "accountsChanged",
	ChainChanged:    "chainChanged",
	Connect:         "connect",
	Disconnect:      "disconnect",
	Message:         "message",
}

func (e Event) String() string {
	if e < 0 || e >= eventCount {
		return "unknown"
	}
	return eventNames[e]
}

// ParseEvent maps a wire event name to its Event.
func ParseEvent(name string) (Event, bool) {
	for i, n := range eventNames {
		if n == name {
			return Event(i), true
		}
	}
	return 0, false
}

// Payloads, by event:
//
//	AccountsChanged  []string (checksummed)
//	ChainChanged     string (0x chain id)
//	Connect          ConnectInfo
//	Disconnect       DisconnectInfo
//	Message          MessageInfo
type Listener func(payload any)

type ListenerID uint64

type ConnectInfo struct {
	ChainID string `json:"chainId"`
}

type DisconnectInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type MessageInfo struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// listeners keeps registration order per event.
type listeners struct {
	mu     sync.Mutex
	nextID ListenerID
	byKind [eventCount][]listenerEntry
}

func (l *listeners) add(ev Event, fn Listener) ListenerID {
	if ev < 0 || ev >= eventCount || fn == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.byKind[ev] = append(l.byKind[ev], listenerEntry{id: l.nextID, fn: fn})
	return l.nextID
}

func (l *listeners) remove(ev Event, id ListenerID) bool {
	if ev < 0 || ev >= eventCount {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.byKind[ev]
	for i, e := range entries {
		if e.id == id {
			l.byKind[ev] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// emit calls the listeners registered at the moment of the call, in order,
// without holding the lock.
func (l *listeners) emit(ev Event, payload any) {
	l.mu.Lock()
	snapshot := append([]listenerEntry(nil), l.byKind[ev]...)
	l.mu.Unlock()

	for _, e := range snapshot {
		e.fn(payload)
	}
}
