package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"lipsync-service/internal/jobs"
)

const (
	eventPoll    = 250 * time.Millisecond
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents returns the job's events after ?since=N as JSON, or streams
// them over a websocket until the job is finished.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.pipeline.Get(id); !ok {
		s.writeError(w, jobs.ErrNotFound, "")
		return
	}
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	if !websocket.IsWebSocketUpgrade(r) {
		events := s.events.Since(id, since)
		if events == nil {
			events = []jobs.Event{}
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("api: websocket upgrade for job %s: %v", id, err)
		return
	}
	defer conn.Close()
	s.streamEvents(conn, id, since)
}

func (s *Server) streamEvents(conn *websocket.Conn, id string, since int64) {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPoll)
	defer ticker.Stop()
	for {
		for _, event := range s.events.Since(id, since) {
			since = event.Seq
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Status.IsTerminal() || event.Type == jobs.EventTypeResult || event.Type == jobs.EventTypeError {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(event.Status)),
					time.Now().Add(writeTimeout))
				return
			}
		}
		if _, ok := s.pipeline.Get(id); !ok {
			return
		}
		select {
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
