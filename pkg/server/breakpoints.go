package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/aivorynet/inspector-go/pkg/breakpoint"
)

type breakpointView struct {
	Key      string `json:"key"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Disabled bool   `json:"disabled"`
	Special  bool   `json:"special,omitempty"`
	HitCount int    `json:"hit_count"`
}

func (s *Server) view(bp *breakpoint.URLBreakpoint) breakpointView {
	key := bp.Key()
	if bp.Special() {
		key = breakpoint.AllRequestsHandle
	}
	return breakpointView{
		Key:      key,
		Type:     string(bp.Type()),
		URL:      bp.URL(),
		Disabled: bp.Disabled(),
		Special:  bp.Special(),
		HitCount: s.breakpoints.HitCount(bp.Key()),
	}
}

func (s *Server) handleListBreakpoints(w http.ResponseWriter, r *http.Request) {
	bps := s.breakpoints.URLBreakpoints()
	views := make([]breakpointView, 0, len(bps)+1)
	views = append(views, s.view(s.breakpoints.AllRequestsBreakpoint()))
	for _, bp := range bps {
		views = append(views, s.view(bp))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAddBreakpoint(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	bp, err := breakpoint.URLBreakpointFromJSON(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := bp.PatternError(); err != nil {
		http.Error(w, "invalid regular expression: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.breakpoints.AddURLBreakpoint(bp); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, breakpoint.ErrDuplicateBreakpoint) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	s.writeJSON(w, http.StatusCreated, s.view(bp))
}

func (s *Server) handleUpdateBreakpoint(w http.ResponseWriter, r *http.Request) {
	bp := s.lookup(w, r)
	if bp == nil {
		return
	}

	var req struct {
		Disabled *bool `json:"disabled"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.Disabled == nil {
		http.Error(w, `expected {"disabled": bool}`, http.StatusBadRequest)
		return
	}

	bp.SetDisabled(*req.Disabled)
	s.writeJSON(w, http.StatusOK, s.view(bp))
}

func (s *Server) handleRemoveBreakpoint(w http.ResponseWriter, r *http.Request) {
	bp := s.lookup(w, r)
	if bp == nil {
		return
	}
	bp.Remove()
	w.WriteHeader(http.StatusNoContent)
}

// handleSelectBreakpoint remembers the breakpoint in the client's cookies
// so a later session can restore the selection.
func (s *Server) handleSelectBreakpoint(w http.ResponseWriter, r *http.Request) {
	bp := s.lookup(w, r)
	if bp == nil {
		return
	}

	identity := make(map[string]string)
	bp.SaveIdentityToCookie(identity)
	for name, value := range identity {
		http.SetCookie(w, &http.Cookie{Name: name, Value: url.QueryEscape(value), Path: "/"})
	}
	s.writeJSON(w, http.StatusOK, s.view(bp))
}

func (s *Server) handleSelectedBreakpoint(w http.ResponseWriter, r *http.Request) {
	identity := make(map[string]string)
	for _, c := range r.Cookies() {
		if value, err := url.QueryUnescape(c.Value); err == nil {
			identity[c.Name] = value
		}
	}

	key, ok := breakpoint.IdentityFromCookie(identity)
	if !ok {
		http.Error(w, "no breakpoint selected", http.StatusNotFound)
		return
	}

	bp := s.breakpoints.URLBreakpoint(key)
	if all := s.breakpoints.AllRequestsBreakpoint(); key == all.Key() {
		bp = all
	}
	if bp == nil {
		http.Error(w, breakpoint.ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(bp))
}

// lookup resolves the ?key= parameter, writing an error response when it
// does not name a breakpoint.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *breakpoint.URLBreakpoint {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key parameter", http.StatusBadRequest)
		return nil
	}
	if key == breakpoint.AllRequestsHandle {
		return s.breakpoints.AllRequestsBreakpoint()
	}
	bp := s.breakpoints.URLBreakpoint(key)
	if bp == nil {
		http.Error(w, breakpoint.ErrNotFound.Error(), http.StatusNotFound)
		return nil
	}
	return bp
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", zap.Int("status", status), zap.Error(err))
	}
}
