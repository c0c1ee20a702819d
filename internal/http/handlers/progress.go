package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ghoststream/ghoststream/internal/jobs"
	"github.com/ghoststream/ghoststream/internal/observability"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
)

// progressFrame is the wire shape of a progress sample.
type progressFrame struct {
	Percent    float64 `json:"percent"`
	Frame      int64   `json:"frame"`
	FPS        float64 `json:"fps"`
	SourceTime float64 `json:"source_time"` // seconds
	Speed      float64 `json:"speed"`
	ETASeconds int     `json:"eta_seconds,omitempty"`
}

// wsFrame is one WebSocket message: kind is "progress" or "status".
type wsFrame struct {
	Kind     string         `json:"kind"`
	JobID    string         `json:"job_id"`
	Progress *progressFrame `json:"progress,omitempty"`
	State    jobs.State     `json:"state,omitempty"`
}

// ProgressHandler upgrades clients to WebSocket and relays broadcast
// frames to them.
type ProgressHandler struct {
	logger      *slog.Logger
	broadcaster *jobs.Broadcaster
	upgrader    websocket.Upgrader
}

// NewProgressHandler creates a progress handler. Origin checking is left
// to the CORS layer; the upgrader accepts any origin.
func NewProgressHandler(logger *slog.Logger, broadcaster *jobs.Broadcaster) *ProgressHandler {
	return &ProgressHandler{
		logger:      observability.WithComponent(logger, "ws"),
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register registers the WebSocket route with the router.
func (h *ProgressHandler) Register(router *chi.Mux) {
	router.Get("/ws/progress", h.Subscribe)
}

// Subscribe streams progress and status frames to one client. The
// optional job_id query parameter filters to a single job.
func (h *ProgressHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", observability.WithError(err))
		return
	}
	defer conn.Close()

	sub := h.broadcaster.Subscribe(jobID)
	defer h.broadcaster.Unsubscribe(sub)

	h.logger.Debug("progress subscriber connected",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("job_id", jobID))

	// Read pump: we never expect client frames, but reading is how the
	// peer's close (and pong replies) are observed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-sub.StatusC():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frameFromMessage(msg)); err != nil {
				return
			}
		case msg, ok := <-sub.ProgressC():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frameFromMessage(msg)); err != nil {
				return
			}
		}
	}
}

func frameFromMessage(msg jobs.Message) wsFrame {
	frame := wsFrame{Kind: msg.Kind, JobID: msg.JobID, State: msg.State}
	if msg.Progress != nil {
		frame.Progress = &progressFrame{
			Percent:    msg.Progress.Percent,
			Frame:      msg.Progress.Frame,
			FPS:        msg.Progress.FPS,
			SourceTime: msg.Progress.SourceTime.Seconds(),
			Speed:      msg.Progress.Speed,
			ETASeconds: msg.Progress.ETASeconds,
		}
	}
	return frame
}
