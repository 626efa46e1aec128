package registry

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/stockwatch-io/gateway/internal/monitoring"
)

// Time allowed to write a message to the peer.
const writeWait = 5 * time.Second

// Session is one live authenticated WebSocket connection. All
// server-originated writes serialise through writeMu; the fan-out and
// alert paths hand messages to the buffered send channel and never touch
// the socket directly.
type Session struct {
	UserID string

	conn    net.Conn
	send    chan []byte
	done    chan struct{}
	writeMu sync.Mutex
	alive   int32
	closed  int32

	closeOnce sync.Once

	connectedAt time.Time
	logger      zerolog.Logger
}

// NewSession wraps an upgraded connection. bufferSize bounds the send
// mailbox; a full mailbox causes drops, not blocking.
func NewSession(userID string, conn net.Conn, bufferSize int, logger zerolog.Logger) *Session {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Session{
		UserID:      userID,
		conn:        conn,
		send:        make(chan []byte, bufferSize),
		done:        make(chan struct{}),
		alive:       1,
		connectedAt: time.Now(),
		logger:      logger.With().Str("user_id", userID).Logger(),
	}
}

// Conn exposes the underlying connection for the read loop.
func (s *Session) Conn() net.Conn {
	return s.conn
}

// ConnectedAt returns the session start time.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Closed reports whether the session has been shut down.
func (s *Session) Closed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// Enqueue hands an encoded message to the writer without blocking.
// Returns false when the session is closed or its buffer is full.
func (s *Session) Enqueue(data []byte) bool {
	if s.Closed() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		monitoring.DroppedSends.Inc()
		return false
	}
}

// WritePump drains the mailbox, batching consecutive messages into one
// buffered flush to cut syscalls. Runs until the session closes.
func (s *Session) WritePump() {
	defer monitoring.RecoverPanic(s.logger, "writePump", nil)

	writer := bufio.NewWriter(s.conn)

	for {
		select {
		case <-s.done:
			return

		case message := <-s.send:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.writeMu.Unlock()
				s.logger.Debug().Err(err).Msg("Failed to write message")
				s.Terminate()
				return
			}
			monitoring.MessagesSent.Inc()
			monitoring.BytesSent.Add(float64(len(message)))

			// Batch whatever else is already queued.
			n := len(s.send)
			for i := 0; i < n; i++ {
				message = <-s.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.writeMu.Unlock()
					s.logger.Debug().Err(err).Msg("Failed to write batched message")
					s.Terminate()
					return
				}
				monitoring.MessagesSent.Inc()
				monitoring.BytesSent.Add(float64(len(message)))
			}

			err := writer.Flush()
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Msg("Failed to flush writer")
				s.Terminate()
				return
			}
		}
	}
}

// Ping writes a transport-level ping frame.
func (s *Session) Ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(s.conn, ws.OpPing, nil)
}

// Pong answers a transport-level ping from the peer.
func (s *Session) Pong(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(s.conn, ws.OpPong, payload)
}

// MarkAlive records a pong (transport or application level).
func (s *Session) MarkAlive() {
	atomic.StoreInt32(&s.alive, 1)
}

// SweepAlive clears the alive flag and reports whether the session had
// answered since the previous sweep.
func (s *Session) SweepAlive() bool {
	return atomic.SwapInt32(&s.alive, 0) == 1
}

// Close sends a close frame with the given status and reason, then closes
// the connection. Safe to call multiple times.
func (s *Session) Close(code ws.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closed, 1)

		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(code, reason)
		ws.WriteFrame(s.conn, ws.NewCloseFrame(body))
		s.writeMu.Unlock()

		s.conn.Close()
		close(s.done)
	})
}

// Terminate closes the connection without a close frame (dead peer).
func (s *Session) Terminate() {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closed, 1)
		s.conn.Close()
		close(s.done)
	})
}
