package http

import (
	"net/http"
	"sync"
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientBuffer = 64
	historySize  = 50
)

var upgrader = websocket.Upgrader{
	// the control API binds to loopback by default
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Event is one UI callback as delivered over the event feed.
type Event struct {
	Type string      `json:"type"`
	Time int64       `json:"time"`
	Data interface{} `json:"data"`
}

type participantView struct {
	ID domain.ParticipantID `json:"id"`
	domain.Participant
}

type trackView struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type streamView struct {
	PeerID   domain.ParticipantID `json:"peer_id"`
	PeerName string               `json:"peer_name"`
	Role     domain.Role          `json:"role"`
	Surface  domain.Surface       `json:"surface"`
	Tracks   []trackView          `json:"tracks"`
}

func viewOfStream(s ports.RemoteStream) streamView {
	v := streamView{
		PeerID:   s.PeerID,
		PeerName: s.PeerName,
		Role:     s.Role,
		Surface:  s.Surface,
		Tracks:   make([]trackView, 0, len(s.Tracks)),
	}
	for _, t := range s.Tracks {
		v.Tracks = append(v.Tracks, trackView{ID: t.ID(), Kind: t.Kind().String()})
	}
	return v
}

// EventHub is the presentation layer of a headless participant: every UI
// callback is fanned out as JSON to the connected websocket clients. A
// client that cannot keep up is disconnected.
type EventHub struct {
	mu      sync.Mutex
	clients map[*eventClient]struct{}
	history []Event
	closed  bool

	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

var _ ports.UI = (*EventHub)(nil)

type eventClient struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

func (c *eventClient) close() {
	c.once.Do(func() { close(c.send) })
}

func NewEventHub(pingInterval, writeTimeout time.Duration, logger *zap.SugaredLogger) *EventHub {
	return &EventHub{
		clients:      make(map[*eventClient]struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// History returns the most recent events, oldest first.
func (h *EventHub) History() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.history...)
}

func (h *EventHub) publish(eventType string, data interface{}) {
	ev := Event{Type: eventType, Time: utils.NowMillis(), Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.history = append(h.history, ev)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}

	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warnw("dropping slow event client", "remote_addr", c.conn.RemoteAddr().String())
			delete(h.clients, c)
			c.close()
		}
	}
}

// HandleWebSocket upgrades the request and streams events until the client
// goes away. Recent history is replayed first.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	client := &eventClient{conn: conn, send: make(chan Event, clientBuffer+historySize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	for _, ev := range h.history {
		client.send <- ev
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Infow("event client connected", "remote_addr", conn.RemoteAddr().String())

	go h.readPump(client)
	h.writePump(client)
}

// readPump only exists to process pongs and notice the peer closing.
func (h *EventHub) readPump(c *eventClient) {
	defer h.unregister(c)

	readTimeout := 2 * h.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("event client read failed", "error", err)
			}
			return
		}
	}
}

func (h *EventHub) writePump(c *eventClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		h.unregister(c)
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				h.logger.Infow("event write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) unregister(c *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
		h.logger.Infow("event client disconnected", "remote_addr", c.conn.RemoteAddr().String())
	}
	h.mu.Unlock()
}

// Close disconnects every client. Later callbacks are discarded.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *EventHub) OnRemoteStreamReady(stream ports.RemoteStream) {
	h.publish("remote_stream_ready", viewOfStream(stream))
}

func (h *EventHub) OnRemoteStreamUpdated(stream ports.RemoteStream) {
	h.publish("remote_stream_updated", viewOfStream(stream))
}

func (h *EventHub) OnRemoteStreamRemoved(peer domain.ParticipantID, surface domain.Surface) {
	h.publish("remote_stream_removed", map[string]interface{}{"peer_id": peer, "surface": surface})
}

func (h *EventHub) OnConnectionStateChanged(peer domain.ParticipantID, state domain.ConnectionState) {
	h.publish("connection_state", map[string]interface{}{"peer_id": peer, "state": state})
}

func (h *EventHub) OnParticipantJoined(p domain.Participant) {
	h.publish("participant_joined", participantView{ID: p.ID, Participant: p})
}

func (h *EventHub) OnParticipantUpdated(p domain.Participant) {
	h.publish("participant_updated", participantView{ID: p.ID, Participant: p})
}

func (h *EventHub) OnParticipantLeft(id domain.ParticipantID) {
	h.publish("participant_left", map[string]interface{}{"id": id})
}

func (h *EventHub) OnScreenShareChanged(state domain.ScreenShareState) {
	h.publish("screen_share", state)
}

func (h *EventHub) OnLocalPreview(stream ports.LocalStream) {
	h.publish("local_preview", map[string]interface{}{"stream_id": stream.ID(), "source": stream.Kind()})
}

func (h *EventHub) Notify(level domain.NotifyLevel, message string) {
	h.publish("notification", map[string]interface{}{"level": level, "message": message})
}
