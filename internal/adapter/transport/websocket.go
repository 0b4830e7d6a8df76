package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"openclaw/internal/domain"
)

// wsFrame is the relay routing wrapper around one envelope.
type wsFrame struct {
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Broadcast bool   `json:"broadcast,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

const wsWriteTimeout = 10 * time.Second

// WebSocketTransport connects an agent to a relay over one WebSocket. The
// first message on the wire is a hello frame naming this agent; after that
// the relay routes frames by destination.
type WebSocketTransport struct {
	agentID string
	logger  *slog.Logger

	conn  *websocket.Conn
	inbox chan domain.Frame

	writeMu   sync.Mutex
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// DialWebSocket connects to a relay and registers this agent's address.
// If OPENCLAW_RELAY_TOKEN is set it is sent as a bearer token.
func DialWebSocket(ctx context.Context, url, agentID string, logger *slog.Logger) (*WebSocketTransport, error) {
	opts := &websocket.DialOptions{}
	if token := os.Getenv("OPENCLAW_RELAY_TOKEN"); token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, domain.NewSubSystemError("transport", "ws.dial", domain.ErrUnreachable, err.Error())
	}

	hello, _ := json.Marshal(wsFrame{From: agentID})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "hello write failed")
		return nil, domain.NewSubSystemError("transport", "ws.hello", domain.ErrUnreachable, err.Error())
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &WebSocketTransport{
		agentID: agentID,
		logger:  logger,
		conn:    conn,
		inbox:   make(chan domain.Frame, 64),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go t.pump(runCtx)
	return t, nil
}

func (t *WebSocketTransport) pump(ctx context.Context) {
	defer close(t.done)
	defer close(t.inbox)
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Warn("dropping unparseable frame", "error", err)
			continue
		}
		select {
		case t.inbox <- domain.Frame{Source: frame.From, Payload: frame.Payload}:
		default:
			t.logger.Warn("inbox full, dropping frame", "from", frame.From)
		}
	}
}

func (t *WebSocketTransport) write(ctx context.Context, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return domain.NewSubSystemError("transport", "ws.write", domain.ErrInternal, err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return domain.NewSubSystemError("transport", "ws.write", domain.ErrUnreachable, err.Error())
	}
	return nil
}

// Send routes payload to one agent through the relay.
func (t *WebSocketTransport) Send(ctx context.Context, destination string, payload []byte) error {
	return t.write(ctx, wsFrame{From: t.agentID, To: destination, Payload: payload})
}

// Broadcast routes payload to every connected agent through the relay.
func (t *WebSocketTransport) Broadcast(ctx context.Context, payload []byte) error {
	return t.write(ctx, wsFrame{From: t.agentID, Broadcast: true, Payload: payload})
}

// Receive returns the inbound frame channel.
func (t *WebSocketTransport) Receive() <-chan domain.Frame {
	return t.inbox
}

// Close tears down the connection. Idempotent.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.conn.Close(websocket.StatusNormalClosure, "")
		<-t.done
	})
	return nil
}

// Relay is the routing hub the WebSocket transports dial into. It is a
// plain http.Handler so callers mount it on whatever server they run.
type Relay struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*relayConn
}

type relayConn struct {
	agentID string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewRelay creates an empty relay.
func NewRelay(logger *slog.Logger) *Relay {
	return &Relay{logger: logger, conns: make(map[string]*relayConn)}
}

// ServeHTTP upgrades the connection, reads the hello frame, and routes
// frames until the peer disconnects.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{})
	if err != nil {
		r.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ctx := req.Context()
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}
	var hello wsFrame
	if err := json.Unmarshal(data, &hello); err != nil || hello.From == "" {
		conn.Close(websocket.StatusPolicyViolation, "bad hello")
		return
	}

	rc := &relayConn{agentID: hello.From, conn: conn}
	r.mu.Lock()
	if _, dup := r.conns[hello.From]; dup {
		r.mu.Unlock()
		conn.Close(websocket.StatusPolicyViolation, "address already connected")
		return
	}
	r.conns[hello.From] = rc
	r.mu.Unlock()
	r.logger.Info("agent connected", "agent_id", hello.From)

	defer func() {
		r.mu.Lock()
		delete(r.conns, hello.From)
		r.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		r.logger.Info("agent disconnected", "agent_id", hello.From)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("dropping unparseable frame", "agent_id", hello.From, "error", err)
			continue
		}
		frame.From = hello.From
		r.route(ctx, frame)
	}
}

func (r *Relay) route(ctx context.Context, frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	r.mu.RLock()
	var targets []*relayConn
	if frame.Broadcast {
		targets = make([]*relayConn, 0, len(r.conns))
		for id, rc := range r.conns {
			if id == frame.From {
				continue
			}
			targets = append(targets, rc)
		}
	} else if rc, ok := r.conns[frame.To]; ok {
		targets = []*relayConn{rc}
	}
	r.mu.RUnlock()

	for _, rc := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		rc.writeMu.Lock()
		if err := rc.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
			r.logger.Warn("relay write failed", "agent_id", rc.agentID, "error", err)
		}
		rc.writeMu.Unlock()
		cancel()
	}
}
