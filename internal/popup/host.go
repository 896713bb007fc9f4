package popup

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Host is the environment that can open dependent windows. Messages a window
// posts back arrive on that window's own channel; broadcast channels are shared
// and each JoinBroadcast call must be released with the returned cancel func.
type Host interface {
	Open(target string, dims Dimensions) (Window, error)
	JoinBroadcast(name string) (<-chan Message, func())
}

// Window is a handle on an opened dependent window.
type Window interface {
	Closed() bool
	Close() error
	// Messages yields only what this window posted. The host may close it once
	// the window is gone.
	Messages() <-chan Message
}

// Message is one structured message posted by a provider window.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// ParseMessage accepts any JSON object carrying a string "type" field.
func ParseMessage(raw []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Message{}, errors.Wrap(err, "decode message")
	}
	if head.Type == "" {
		return Message{}, errors.New("message has no type")
	}
	return Message{Type: head.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
}

// Decode unmarshals the full message body into v.
func (m Message) Decode(v any) error {
	if len(m.Raw) == 0 {
		return errors.Newf("message %q has no body", m.Type)
	}
	return json.Unmarshal(m.Raw, v)
}

// Field returns a top level string field, or "" when absent or not a string.
func (m Message) Field(name string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &fields); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(fields[name], &s); err != nil {
		return ""
	}
	return s
}

// Dimensions of a dependent window in CSS pixels.
type Dimensions struct {
	Width  int
	Height int
}

// Screen describes the opener's position, used to center the popup on it.
type Screen struct {
	Left   int
	Top    int
	Width  int
	Height int
}

// Features renders the window.open feature string, centered on s.
func (d Dimensions) Features(s Screen) string {
	left := s.Left + (s.Width-d.Width)/2
	top := s.Top + (s.Height-d.Height)/2
	return fmt.Sprintf("toolbar=0,location=0,menubar=0,height=%d,width=%d,popup=1,left=%d,top=%d",
		d.Height, d.Width, left, top)
}
