package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/subcast/internal/broadcast"
	"github.com/dgnsrekt/subcast/internal/clip"
	"github.com/dgnsrekt/subcast/internal/subtitle"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Requests are tiny.
	maxMessageSize = 4 * 1024

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // local tool, any UI origin
}

// Server owns everything a session needs: the subtitle store for
// lookups, the hub for live delivery, and the encoder for clip requests.
type Server struct {
	store     *subtitle.Store
	hub       *broadcast.Hub
	encoder   *clip.Encoder
	clipRate  rate.Limit
	clipBurst int
	logger    *zap.Logger

	nextClientID atomic.Uint64
}

// NewServer creates the WebSocket server. clipsPerSecond/clipBurst bound
// how fast one client may trigger ffmpeg runs.
func NewServer(store *subtitle.Store, hub *broadcast.Hub, encoder *clip.Encoder, clipsPerSecond float64, clipBurst int, logger *zap.Logger) *Server {
	if clipsPerSecond <= 0 {
		clipsPerSecond = 2
	}
	if clipBurst <= 0 {
		clipBurst = 4
	}
	return &Server{
		store:     store,
		hub:       hub,
		encoder:   encoder,
		clipRate:  rate.Limit(clipsPerSecond),
		clipBurst: clipBurst,
		logger:    logger,
	}
}

// session is one connected client: a forward pump delivering broadcast
// subtitles and a read loop answering clip requests, racing on whichever
// is ready. The numeric id exists only for log correlation.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	sub     *broadcast.Subscription
	limiter *rate.Limiter
	id      uint64
	logger  *zap.Logger

	closeOnce sync.Once
}

// HandleWS upgrades the connection and runs the session until either
// side closes it or the server shuts down.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	// Subscribe before completing the handshake so a subtitle published
	// right after the client sees the 101 response cannot be missed.
	sub := s.hub.Subscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	id := s.nextClientID.Add(1)
	sess := &session{
		srv:     s,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		sub:     sub,
		limiter: rate.NewLimiter(s.clipRate, s.clipBurst),
		id:      id,
		logger:  s.logger.With(zap.Uint64("clientID", id)),
	}
	sess.logger.Info("client connected", zap.String("remote", r.RemoteAddr))

	// Server shutdown must tear the session down even though the
	// connection is hijacked; the request context hangs off the root.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, sess.close)
	defer stop()

	go sess.writePump()
	go sess.forward()
	sess.readPump(ctx)

	sess.logger.Info("client disconnected", zap.Uint64("droppedSubtitles", sess.sub.Dropped()))
}

// close cancels both of the session's obligations together. Safe to call
// from any goroutine, more than once.
func (c *session) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Cancel()
		c.conn.Close()
	})
}

// trySend queues an outbound frame unless the session is shutting down.
func (c *session) trySend(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

// forward pushes broadcast subtitles to this client in publish order.
func (c *session) forward() {
	for {
		select {
		case <-c.done:
			return
		case sub, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.trySend(encodeSubtitle(sub))
		}
	}
}

// readPump reads client requests until the connection ends. Frames that
// fail to parse are ignored; the server never disconnects a client for a
// protocol violation.
func (c *session) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		req, ok := parseRequest(message)
		if !ok {
			c.logger.Debug("ignoring unparseable request", zap.ByteString("message", message))
			continue
		}

		// Clip encoding blocks on an external process; it runs off this
		// goroutine so a slow encode never stalls subtitle forwarding.
		go c.serveClip(ctx, req)
	}
}

// writePump writes queued frames and keepalive pings to the peer.
func (c *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveClip answers one clip request. Unknown subtitle ids yield no
// reply at all (best effort); an encode failure yields a reply with null
// data and a logged reason.
func (c *session) serveClip(ctx context.Context, req clipRequest) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	if req.Request == requestAudioRange {
		start, ok := c.srv.store.Get(*req.StartID)
		if !ok {
			return
		}
		end, ok := c.srv.store.Get(*req.EndID)
		if !ok {
			return
		}
		c.logger.Info("audio range requested",
			zap.Uint64("startID", *req.StartID),
			zap.Uint64("endID", *req.EndID),
		)

		data, err := c.srv.encoder.AudioRange(ctx, start, end, req.OffsetStart, req.OffsetEnd)
		if err != nil {
			c.logger.Warn("audio range encode failed", zap.Error(err))
		}
		c.trySend(encodeReply(clipReply{
			Type:    requestAudioRange,
			StartID: req.StartID,
			EndID:   req.EndID,
			Data:    clipData(data, err),
		}))
		return
	}

	sub, ok := c.srv.store.Get(*req.ID)
	if !ok {
		return
	}
	c.logger.Info("clip requested",
		zap.String("kind", req.Request),
		zap.Uint64("subtitleID", *req.ID),
	)

	var (
		data string
		err  error
	)
	switch req.Request {
	case requestThumbnail:
		data, err = c.srv.encoder.Thumbnail(ctx, sub)
	case requestAudio:
		data, err = c.srv.encoder.Audio(ctx, sub, req.OffsetStart, req.OffsetEnd)
	}
	if err != nil {
		c.logger.Warn("clip encode failed",
			zap.String("kind", req.Request),
			zap.Uint64("subtitleID", *req.ID),
			zap.Error(err),
		)
	}
	c.trySend(encodeReply(clipReply{
		Type: req.Request,
		ID:   req.ID,
		Data: clipData(data, err),
	}))
}

// clipData maps an encode result onto the wire: base64 payload on
// success, null on failure.
func clipData(data string, err error) *string {
	if err != nil {
		return nil
	}
	return &data
}
