package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var errNotAttached = errors.New("connection not attached")

// livenessState tracks whether the peer answered the most recent probe.
// A connection still awaiting a pong when the next probe cycle fires is
// presumed dead and terminated.
type livenessState int

const (
	stateAlive livenessState = iota
	stateAwaitingPong
)

// Conn is a single client's connection and its room binding. The room is
// assigned at admission and never changes for the connection's lifetime.
//
// A Conn is registered in its room before the upgrade handshake completes and
// only becomes writable once the websocket is attached; the relay loop skips
// members that are not yet (or no longer) open.
type Conn struct {
	id   string
	room string

	mu   sync.Mutex
	ws   *websocket.Conn
	live livenessState
	open bool

	closeOnce sync.Once
	onClose   func(*Conn)
}

func newConn(room string, onClose func(*Conn)) *Conn {
	return &Conn{
		id:      uuid.NewString(),
		room:    room,
		live:    stateAlive,
		onClose: onClose,
	}
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Room() string { return c.room }

// attach hands the upgraded websocket to the connection, making it writable.
func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.open = true
	c.mu.Unlock()
}

// Alive reports whether the peer answered the most recent liveness probe.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live == stateAlive
}

// Open reports whether the transport is attached and not yet closed.
func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// markAlive records receipt of a pong.
func (c *Conn) markAlive() {
	c.mu.Lock()
	c.live = stateAlive
	c.mu.Unlock()
}

// beginProbe enters the probe window before a ping is sent. It returns false
// when the previous probe was never answered, meaning the peer must be
// presumed dead.
func (c *Conn) beginProbe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == stateAwaitingPong {
		return false
	}
	c.live = stateAwaitingPong
	return true
}

// write sends one message frame. Writes are serialized because the relay
// fans out from each sender's read goroutine.
func (c *Conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.ws == nil {
		return errNotAttached
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// ping sends a liveness probe control frame. Control frames have their own
// deadline and may race application writes; gorilla permits that.
func (c *Conn) ping() error {
	c.mu.Lock()
	ws := c.ws
	open := c.open
	c.mu.Unlock()
	if !open || ws == nil {
		return errNotAttached
	}
	return ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close tears the connection down exactly once: it leaves the room via the
// onClose callback and closes the transport. Safe to call from the read loop,
// the liveness monitor, and server shutdown concurrently.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.open = false
		ws := c.ws
		c.mu.Unlock()

		if c.onClose != nil {
			c.onClose(c)
		}
		if ws != nil {
			_ = ws.Close()
		}
	})
}
