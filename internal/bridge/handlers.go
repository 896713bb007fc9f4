package bridge

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/crossapp-wallet/internal/popup"
)

type targetResp struct {
	Target   string `json:"target"`
	Origin   string `json:"origin"`
	Features string `json:"features"`
}

type stateReq struct {
	State string `json:"state"`
}

type stateResp struct {
	State string `json:"state"`
	Close bool   `json:"close"`
}

type messageReq struct {
	WindowID string          `json:"windowId"`
	Origin   string          `json:"origin"`
	Data     json.RawMessage `json:"data"`
}

type deliveredResp struct {
	Delivered int `json:"delivered"`
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	win, ok := s.lookupWindow(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	screen := popup.Screen{
		Left:   queryInt(q.Get("left")),
		Top:    queryInt(q.Get("top")),
		Width:  queryInt(q.Get("width")),
		Height: queryInt(q.Get("height")),
	}
	writeJSON(w, http.StatusOK, targetResp{
		Target:   win.target,
		Origin:   win.origin,
		Features: win.dims.Features(screen),
	})
}

func queryInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	win, ok := s.lookupWindow(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		st, closeRequested := win.snapshot()
		writeJSON(w, http.StatusOK, stateResp{State: string(st), Close: closeRequested})

	case http.MethodPost:
		var req stateReq
		if err := readJSONBody(w, r, &req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		next := windowState(req.State)
		switch next {
		case stateOpened, stateBlocked, stateClosed:
		default:
			http.Error(w, "unknown state", http.StatusBadRequest)
			return
		}
		if err := win.setState(next); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if next == stateClosed {
			s.dropWindow(id)
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleMessage receives a message the popup posted to the bridge page. Only
// messages whose origin matches the popup target are delivered.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req messageReq
	if err := readJSONBody(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	win, ok := s.lookupWindow(req.WindowID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if normalizeOrigin(req.Origin) != win.origin {
		log.Warn("dropping popup message from unexpected origin", "window", win.id, "origin", req.Origin)
		http.Error(w, "forbidden origin", http.StatusForbidden)
		return
	}

	msg, err := popup.ParseMessage(req.Data)
	if err != nil {
		// untyped messages are not part of the protocol
		writeJSON(w, http.StatusAccepted, deliveredResp{})
		return
	}
	writeJSON(w, http.StatusOK, deliveredResp{Delivered: win.post(msg)})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req messageReq
	if err := readJSONBody(w, r, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if _, ok := s.lookupWindow(req.WindowID); !ok {
		http.NotFound(w, r)
		return
	}

	msg, err := popup.ParseMessage(req.Data)
	if err != nil {
		writeJSON(w, http.StatusAccepted, deliveredResp{})
		return
	}
	writeJSON(w, http.StatusOK, deliveredResp{Delivered: s.deliverBroadcast(r.PathValue("name"), msg)})
}
