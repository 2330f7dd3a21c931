// Package gateway implements the Gateway (spec §4.7): the dual-port
// WebSocket listener, per-connection lifecycle, request dispatch, and the
// per-job event-handler registry that delivers pages and terminal
// messages to exactly the requesting session's socket.
//
// The read/write-pump split and the "single writer goroutine per
// connection" discipline are grounded on go/ingest/ws_api.go's
// newWSReadPump/serveWebsocket in the teacher repo, generalized from one
// ingestion stream per connection to many concurrent request/response
// exchanges plus asynchronous page pushes per connection.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/logging"
	"github.com/scanbridge/scanbridged/internal/prefs"
	"github.com/scanbridge/scanbridged/internal/protocol"
	"github.com/scanbridge/scanbridged/internal/recompress"
	"github.com/scanbridge/scanbridged/internal/scanner"
	"github.com/scanbridge/scanbridged/internal/session"
)

// Notification is the upward surface the excluded-scope tray/desktop UI
// collaborator consumes (spec §1, "thin surfaces over the core"; §4.7
// step 1 "emit an upward connected notification"; §4.3 legacy wake-up).
type Notification struct {
	ID   string // server-originated correlation id, distinct from any client requestId
	Kind string // "connected" | "disconnected" | "wake_up"
	Conn session.ConnID
}

// Config configures the two listeners.
type Config struct {
	WsAddr  string // plaintext, e.g. "127.0.0.1:8180"
	WssAddr string // TLS, e.g. "127.0.0.1:8181"
}

// Gateway owns both sockets and dispatches requests to handlers.
type Gateway struct {
	log *logrus.Entry
	cfg Config

	sessions *session.Store
	router   *scanner.Router
	recomp   *recompress.Recompressor
	prefs    *prefs.Store

	cert *tls.Certificate

	upgrader websocket.Upgrader

	connsMu sync.Mutex
	conns   map[session.ConnID]*conn

	jobsMu sync.Mutex
	jobs   map[string]*scanJob // requestID -> job bookkeeping

	notifications chan Notification

	wsServer  *http.Server
	wssServer *http.Server
}

// scanJob tracks the per-request bookkeeping the scan handler needs to
// unregister cleanly (spec §4.7 step 4).
type scanJob struct {
	sessionToken string
	connID       session.ConnID
}

// New constructs a Gateway. cert may be nil, in which case the TLS
// listener is not started (spec §4.7: "The TLS listener is enabled only
// if C1 yields a certificate").
func New(cfg Config, sessions *session.Store, router *scanner.Router, recomp *recompress.Recompressor, prefStore *prefs.Store, cert *tls.Certificate) *Gateway {
	return &Gateway{
		log:      logging.For("gateway"),
		cfg:      cfg,
		sessions: sessions,
		router:   router,
		recomp:   recomp,
		prefs:    prefStore,
		cert:     cert,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // same-machine trust model, spec §1
		},
		conns:         make(map[session.ConnID]*conn),
		jobs:          make(map[string]*scanJob),
		notifications: make(chan Notification, 64),
	}
}

// Notifications returns the channel the tray/desktop UI collaborator
// should drain.
func (g *Gateway) Notifications() <-chan Notification { return g.notifications }

// newNotification stamps a server-originated notification with a fresh
// correlation id (spec §4.7's upward "connected"/"disconnected"/legacy
// wake-up signals carry no client-supplied requestId to reuse).
func newNotification(kind string, conn session.ConnID) Notification {
	return Notification{ID: uuid.NewString(), Kind: kind, Conn: conn}
}

func (g *Gateway) notify(n Notification) {
	select {
	case g.notifications <- n:
	default:
		g.log.Warn("notification channel full, dropping")
	}
}

// Start binds both listeners. Plaintext listener failure is fatal to
// Start's return value (spec §7: "only global startup failures ... cause
// the daemon to exit non-zero"); TLS listener failure is logged and
// swallowed so plaintext keeps serving (spec §4.7).
func (g *Gateway) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleUpgrade)

	g.wsServer = &http.Server{Addr: g.cfg.WsAddr, Handler: mux}
	ln, err := net.Listen("tcp", g.cfg.WsAddr)
	if err != nil {
		return fmt.Errorf("binding plaintext listener on %s: %w", g.cfg.WsAddr, err)
	}
	go func() {
		if err := g.wsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.log.WithError(err).Error("plaintext listener stopped")
		}
	}()
	g.log.WithField("addr", g.cfg.WsAddr).Info("listening (ws)")

	if g.cert != nil {
		tlsMux := http.NewServeMux()
		tlsMux.HandleFunc("/", g.handleUpgrade)
		g.wssServer = &http.Server{
			Addr:    g.cfg.WssAddr,
			Handler: tlsMux,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{*g.cert},
				MinVersion:   tls.VersionTLS12,
				MaxVersion:   tls.VersionTLS13,
			},
		}
		tlsLn, err := net.Listen("tcp", g.cfg.WssAddr)
		if err != nil {
			g.log.WithError(err).Warn("failed to bind TLS listener; continuing with plaintext only")
		} else {
			go func() {
				tlsServeErr := g.wssServer.ServeTLS(tlsLn, "", "")
				if tlsServeErr != nil && tlsServeErr != http.ErrServerClosed {
					g.log.WithError(tlsServeErr).Error("TLS listener stopped")
				}
			}()
			g.log.WithField("addr", g.cfg.WssAddr).Info("listening (wss)")
		}
	} else {
		g.log.Warn("no certificate available; TLS listener disabled")
	}

	return nil
}

// Stop closes both listeners and every open connection.
func (g *Gateway) Stop(ctx context.Context) {
	if g.wsServer != nil {
		_ = g.wsServer.Shutdown(ctx)
	}
	if g.wssServer != nil {
		_ = g.wssServer.Shutdown(ctx)
	}

	g.connsMu.Lock()
	for _, c := range g.conns {
		c.close()
	}
	g.connsMu.Unlock()
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Debug("upgrade failed")
		return
	}

	id := nextConnID()
	c := newConn(id, ws, g.log.WithField("connId", id))

	g.connsMu.Lock()
	g.conns[id] = c
	g.connsMu.Unlock()

	g.notify(newNotification("connected", id))
	c.log.Debug("connection opened")

	go c.writePump()
	g.readLoop(c)
}

// readLoop is step "On text/binary frame/On error/On close" of spec
// §4.7's per-connection lifecycle.
func (g *Gateway) readLoop(c *conn) {
	defer g.onClose(c)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("connection error")
			}
			return
		}

		switch mt {
		case websocket.TextMessage:
			g.handleFrame(c, data)
		case websocket.BinaryMessage:
			c.log.Debug("discarding unexpected binary frame")
		default:
			c.log.WithField("type", mt).Debug("discarding frame of unexpected type")
		}
	}
}

func (g *Gateway) onClose(c *conn) {
	c.close()
	g.connsMu.Lock()
	delete(g.conns, c.id)
	g.connsMu.Unlock()

	g.sessions.RemoveByConnection(c.id)
	g.notify(newNotification("disconnected", c.id))
	c.log.Debug("connection closed")
}

func (g *Gateway) handleFrame(c *conn, data []byte) {
	if string(data) == protocol.LegacyWakeUpFrame {
		g.notify(newNotification("wake_up", c.id))
		return
	}

	req, decErr := protocol.Decode(data)
	if decErr != nil {
		resp := protocol.NewError("", decErr.RequestID, protocol.ErrInvalidRequest, decErr.Reason)
		g.sendResponse(c, resp)
		return
	}

	resp := g.dispatch(context.Background(), c, req)
	if resp != nil {
		g.sendResponse(c, resp)
	}
}

func (g *Gateway) sendResponse(c *conn, resp *protocol.Response) {
	payload, err := resp.Encode()
	if err != nil {
		g.log.WithError(err).Error("failed to encode response")
		return
	}
	c.send(payload)
}

// unauthenticatedActions names the only actions spec §4.3 allows without a
// valid token.
var unauthenticatedActions = map[protocol.Action]bool{
	protocol.ActionAuthenticate: true,
	protocol.ActionPing:         true,
}

// dispatch routes an authenticated request to its handler. Any uncaught
// panic inside a handler is converted to an INTERNAL_ERROR response rather
// than taking down the connection's read loop (spec §7).
func (g *Gateway) dispatch(ctx context.Context, c *conn, req *protocol.Request) (resp *protocol.Response) {
	var sess *session.Session
	if !unauthenticatedActions[req.Action] {
		if req.Token == "" {
			return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrUnauthorized, "missing token")
		}
		sess = g.sessions.Validate(req.Token)
		if sess == nil {
			return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrInvalidToken, "token invalid or expired")
		}
	}

	defer func() {
		if r := recover(); r != nil {
			g.log.WithField("panic", r).Error("panic in handler")
			resp = protocol.NewError(string(req.Action), req.RequestID, protocol.ErrInternal, "internal error")
		}
	}()

	switch req.Action {
	case protocol.ActionAuthenticate:
		return g.handleAuthenticate(c, req)
	case protocol.ActionPing:
		return g.handlePing(req)
	case protocol.ActionListScanners:
		return g.handleListScanners(ctx, req)
	case protocol.ActionSelectScanner:
		return g.handleSelectScanner(ctx, req, sess)
	case protocol.ActionGetCapabilities:
		return g.handleGetCapabilities(ctx, req)
	case protocol.ActionGetDeviceCapabilities:
		return g.handleGetDeviceCapabilities(ctx, req)
	case protocol.ActionApplyDeviceSettings:
		return g.handleApplyDeviceSettings(ctx, req, sess)
	case protocol.ActionScan:
		return g.handleScan(ctx, c, req, sess)
	case protocol.ActionStopScan:
		return g.handleStopScan(req, sess)
	default:
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrInvalidRequest, "unhandled action")
	}
}
