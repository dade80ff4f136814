package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
	"github.com/OpenAgentsInc/commander-sub021/pkg/protocol"
	"github.com/OpenAgentsInc/commander-sub021/pkg/relay"
)

const (
	pongWait         = 60 * time.Second
	serverSendBuffer = 1024
)

// Server exposes a relay.Hub over websockets.
type Server struct {
	hub      *relay.Hub
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*serverConn
}

// NewServer returns an http.Handler speaking the relay protocol on hub.
func NewServer(hub *relay.Hub, logger *zap.Logger) *Server {
	return &Server{
		hub: hub,
		log: observability.Named(logger, "ws-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*serverConn),
	}
}

type serverConn struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (sc *serverConn) close() {
	sc.once.Do(func() {
		close(sc.done)
		_ = sc.conn.Close()
	})
}

// send queues a frame. A connection that cannot keep up is dropped rather
// than stalling the publisher.
func (sc *serverConn) send(frame []byte) {
	select {
	case sc.out <- frame:
	case <-sc.done:
	default:
		sc.close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	sc := &serverConn{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, serverSendBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[sc.id] = sc
	s.mu.Unlock()
	s.log.Debug("client connected", zap.String("conn", sc.id), zap.String("remote", r.RemoteAddr))

	go s.writePump(sc)
	s.readPump(sc)

	s.hub.Disconnect(sc.id)
	s.mu.Lock()
	delete(s.conns, sc.id)
	s.mu.Unlock()
	sc.close()
}

func (s *Server) readPump(sc *serverConn) {
	sc.conn.SetReadLimit(maxMessageSize)
	_ = sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	sc.conn.SetPingHandler(func(data string) error {
		_ = sc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return sc.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = sc.conn.SetReadDeadline(time.Now().Add(pongWait))
		env, err := protocol.Parse(data)
		if err != nil {
			s.reply(sc, &protocol.Envelope{Label: protocol.LabelNotice, Message: protocol.ReasonInvalid + ": " + err.Error()})
			continue
		}
		s.handle(sc, env)
	}
}

func (s *Server) handle(sc *serverConn, env *protocol.Envelope) {
	switch env.Label {
	case protocol.LabelEvent:
		ok, msg := s.hub.Publish(env.Event)
		s.reply(sc, &protocol.Envelope{Label: protocol.LabelOK, EventID: env.Event.ID, OK: ok, Message: msg})
	case protocol.LabelReq:
		subID := env.SubID
		err := s.hub.Subscribe(sc.id, subID, env.Filters,
			func(ev *event.Event) {
				s.reply(sc, &protocol.Envelope{Label: protocol.LabelEvent, SubID: subID, Event: ev})
			},
			func() {
				s.reply(sc, &protocol.Envelope{Label: protocol.LabelEOSE, SubID: subID})
			})
		if err != nil {
			s.reply(sc, &protocol.Envelope{Label: protocol.LabelClosed, SubID: subID, Message: protocol.ReasonError + ": " + err.Error()})
		}
	case protocol.LabelClose:
		s.hub.Unsubscribe(sc.id, env.SubID)
	default:
		s.reply(sc, &protocol.Envelope{Label: protocol.LabelNotice, Message: "unsupported frame " + env.Label})
	}
}

func (s *Server) reply(sc *serverConn, env *protocol.Envelope) {
	b, err := env.Encode()
	if err != nil {
		s.log.Warn("encode frame", zap.Error(err))
		return
	}
	sc.send(b)
}

func (s *Server) writePump(sc *serverConn) {
	ticker := time.NewTicker(pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-sc.done:
			return
		case frame := <-sc.out:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				sc.close()
				return
			}
		case <-ticker.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sc.close()
				return
			}
		}
	}
}

// Connections is the number of open client sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseConnections drops every client socket. Clients see a link loss.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		sc.close()
	}
}
