package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// observer is one receive-only connection. Broadcasts are queued and written
// by a dedicated goroutine so a slow console never blocks a producer.
type observer struct {
	id       string
	subject  string
	joinedAt time.Time
	conn     *websocket.Conn

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newObserver(id, subject string, conn *websocket.Conn, queueSize int, now time.Time) *observer {
	return &observer{
		id:       id,
		subject:  subject,
		joinedAt: now,
		conn:     conn,
		queue:    make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// enqueue returns false when the queue is full or the observer is closed.
func (o *observer) enqueue(msg []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.queue <- msg:
		return true
	default:
		return false
	}
}

func (o *observer) depth() int {
	return len(o.queue)
}

func (o *observer) writeLoop(writeTimeout, pingInterval time.Duration) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return nil
		case msg := <-o.queue:
			o.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := o.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		}
	}
}

func (o *observer) close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.conn.Close()
	})
}

// producerConn is one authenticated producer. Only the read loop and the
// keepalive write to it; writeMu orders acks against each other.
type producerConn struct {
	id          string
	producerID  string
	channelID   string
	connectedAt time.Time
	conn        *websocket.Conn

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (p *producerConn) info() ProducerInfo {
	return ProducerInfo{
		SocketID:    p.id,
		ProducerID:  p.producerID,
		ChannelID:   p.channelID,
		Status:      "connected",
		ConnectedAt: p.connectedAt,
	}
}

func (p *producerConn) send(event string, data any, writeTimeout time.Duration) error {
	msg, err := encode(event, data)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, msg)
}

func (p *producerConn) keepalive(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (p *producerConn) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// readDeadline arms the pong-based liveness check on conn.
func readDeadline(conn *websocket.Conn, pongWait time.Duration, maxBytes int64) {
	conn.SetReadLimit(maxBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func decodeEnvelope(msg []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(msg, &env)
	return env, err
}
