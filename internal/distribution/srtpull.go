package distribution

import (
	"encoding/json"
	"net/http"
)

// SRTPullFunc starts an SRT caller-mode pull from address into room.
type SRTPullFunc func(address, room, streamID string) error

// SRTStopFunc stops the SRT pull feeding room.
type SRTStopFunc func(room string) error

// SRTListFunc returns all active SRT pulls.
type SRTListFunc func() []SRTPullInfo

// SRTPullInfo describes an active SRT pull, as returned by
// GET /api/srt-pull.
type SRTPullInfo struct {
	Address  string `json:"address"`
	Room     string `json:"room"`
	StreamID string `json:"streamId,omitempty"`
}

func (s *Server) handleSRTPullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPullInfo{})
		return
	}
	pulls := s.config.SRTList()
	if pulls == nil {
		pulls = []SRTPullInfo{}
	}
	writeJSON(w, http.StatusOK, pulls)
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req SRTPullInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || !ValidRoomKey(req.Room) {
		writeError(w, http.StatusBadRequest, "address and a valid room are required")
		return
	}
	if err := s.config.SRTPull(req.Address, req.Room, req.StreamID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "room": req.Room})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	room := r.URL.Query().Get("room")
	if room == "" {
		writeError(w, http.StatusBadRequest, "room query parameter required")
		return
	}
	if err := s.config.SRTStop(room); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "room": room})
}
