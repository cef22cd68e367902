package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rachelpine/capsule/internal/job"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the platform gateway handles auth
	},
}

// feedInterval is how often the feed re-reads the job record. Polling the
// store is the progress mechanism; the socket just saves the client from
// re-requesting.
const feedInterval = 500 * time.Millisecond

// wsStatus is one progress snapshot pushed to the client.
type wsStatus struct {
	Type        string      `json:"type"`
	Status      job.Status  `json:"status,omitempty"`
	Progress    int         `json:"progress,omitempty"`
	CurrentStep string      `json:"currentStep,omitempty"`
	Result      *job.Result `json:"result,omitempty"`
	Error       *job.Error  `json:"error,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// handleJobFeed streams job status snapshots until the job reaches a terminal
// state or the client goes away.
func (s *Server) handleJobFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Verify the job exists before upgrading
	if _, err := s.svc.JobStatus(id); err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(feedInterval)
	defer ticker.Stop()

	var lastProgress = -1
	var lastStatus job.Status

	for {
		j, err := s.svc.JobStatus(id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				wsWriteJSON(conn, wsStatus{Type: "error", Message: "job expired"})
			} else {
				wsWriteJSON(conn, wsStatus{Type: "error", Message: err.Error()})
			}
			return
		}

		if j.Progress != lastProgress || j.Status != lastStatus {
			lastProgress, lastStatus = j.Progress, j.Status
			wsWriteJSON(conn, wsStatus{
				Type:        "status",
				Status:      j.Status,
				Progress:    j.Progress,
				CurrentStep: j.CurrentStep,
				Result:      j.Result,
				Error:       j.Error,
			})
		}

		if j.Status.Terminal() {
			wsWriteJSON(conn, wsStatus{Type: "done", Status: j.Status})
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func wsWriteJSON(conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("websocket marshal error: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("websocket write error: %v", err)
	}
}
