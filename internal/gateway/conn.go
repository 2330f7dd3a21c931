package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/session"
)

// writeTimeout bounds how long a single push to a socket may block,
// mirroring wsWriteTimeout in the teacher's go/ingest/ws_api.go.
const writeTimeout = 10 * time.Second

var connSeq int64

// nextConnID hands out process-unique connection identifiers; the Session
// Store treats these as opaque (spec §4.2).
func nextConnID() session.ConnID {
	n := atomic.AddInt64(&connSeq, 1)
	return session.ConnID(timeSuffix(n))
}

func timeSuffix(n int64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%int64(len(digits))]
		n /= int64(len(digits))
	}
	return "c" + string(buf[i:])
}

// conn wraps one accepted WebSocket connection. Writes are serialized
// through sendCh by a single writer goroutine, the same discipline the
// teacher's serveWebsocket enforces around conn.WriteJSON/WriteControl
// calls (gorilla/websocket connections are not safe for concurrent writers).
type conn struct {
	id  session.ConnID
	ws  *websocket.Conn
	log *logrus.Entry

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func newConn(id session.ConnID, ws *websocket.Conn, log *logrus.Entry) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		log:    log,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// send enqueues a text frame for delivery, dropping it silently if the
// connection has already closed (a late terminal event racing a socket
// close is expected, not an error — spec §7 Transport errors are
// best-effort).
func (c *conn) send(payload []byte) {
	select {
	case c.sendCh <- payload:
	case <-c.done:
	}
}

// writePump drains sendCh onto the socket. It is the sole writer for this
// connection's lifetime.
func (c *conn) writePump() {
	for {
		select {
		case msg := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("write failed, closing connection")
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// close is idempotent; it unblocks writePump and signals readLoop to stop
// enqueueing.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
