package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/stockwatch-io/gateway/internal/monitoring"
	"github.com/stockwatch-io/gateway/internal/quote"
	"github.com/stockwatch-io/gateway/internal/registry"
	"github.com/stockwatch-io/gateway/internal/rules"
)

// handleWS upgrades a connection, authenticates it and starts its pumps.
//
// Admission (rate limit, capacity) is checked before the upgrade so floods
// are shed at HTTP cost. Auth failures close the socket after the upgrade
// with a policy-violation frame, so clients can distinguish a bad token
// from a network error.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if s.rateLimiter != nil && !s.rateLimiter.Allow(ip) {
		monitoring.ConnectionsRejected.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	if accept, reason := s.guard.ShouldAccept(); !accept {
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		s.logger.Warn().Str("ip", ip).Str("reason", reason).Msg("Connection rejected")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		s.logger.Debug().Err(err).Str("ip", ip).Msg("Upgrade failed")
		return
	}

	if token == "" {
		rejectConn(conn, ws.StatusPolicyViolation, "missing token")
		monitoring.ConnectionsRejected.WithLabelValues("auth").Inc()
		return
	}

	sess, err := s.tokens.Resolve(token)
	if err != nil {
		rejectConn(conn, ws.StatusPolicyViolation, "invalid token")
		monitoring.ConnectionsRejected.WithLabelValues("auth").Inc()
		s.logger.Debug().Err(err).Str("ip", ip).Msg("Token rejected")
		return
	}

	s.attach(sess.UserID, conn, ip)
}

// attach registers the authenticated connection and starts its pumps.
func (s *Server) attach(userID string, conn net.Conn, ip string) {
	wsSess := registry.NewSession(userID, conn, s.cfg.SendBufferSize, s.logger)

	c := &client{
		sess: wsSess,
		engine: rules.NewEngine(rules.EngineConfig{
			WindowSpan:           s.cfg.WindowSpan,
			CompressionThreshold: s.cfg.CompressionThreshold,
		}),
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
	}

	s.clientsMu.Lock()
	s.clients[userID] = c
	s.clientsMu.Unlock()

	atomic.AddInt64(&s.currentConns, 1)
	if displaced := s.registry.Add(wsSess); displaced != nil {
		// The displaced session's read loop exits without reaching the
		// registry teardown, so its admission slot is released here.
		atomic.AddInt64(&s.currentConns, -1)
	}

	s.logger.Info().Str("user_id", userID).Str("ip", ip).Msg("Client connected")

	go wsSess.WritePump()
	go s.readPump(c)
}

// readPump consumes the client's frames until the connection dies, then
// tears the session down.
func (s *Server) readPump(c *client) {
	sess := c.sess
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("user_id", sess.UserID).
				Interface("panic_value", r).
				Msg("Read pump panic recovered")
			sess.Close(ws.StatusInternalServerError, "internal error")
		}
		sess.Terminate()
		s.registry.Remove(sess)
		s.logger.Info().Str("user_id", sess.UserID).Msg("Client disconnected")
	}()

	rd := &wsutil.Reader{
		Source:    sess.Conn(),
		State:     ws.StateServerSide,
		CheckUTF8: true,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}

		payload, err := io.ReadAll(rd)
		if err != nil {
			return
		}

		switch hdr.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			sess.MarkAlive()
			if err := sess.Pong(payload); err != nil {
				return
			}
			continue
		case ws.OpPong:
			sess.MarkAlive()
			continue
		case ws.OpText, ws.OpBinary:
			// fall through to message handling
		default:
			continue
		}

		monitoring.MessagesReceived.Inc()
		monitoring.BytesReceived.Add(float64(len(payload)))
		sess.MarkAlive()

		if !c.limiter.Allow() {
			monitoring.RateLimitedMessages.Inc()
			s.logger.Debug().Str("user_id", sess.UserID).Msg("Inbound message rate limited")
			sess.Enqueue(EncodeError("rate limit exceeded", nil))
			continue
		}

		s.handleClientMessage(c, payload)
	}
}

// handleClientMessage processes one decoded frame. Protocol errors answer
// with an error frame and keep the connection open.
func (s *Server) handleClientMessage(c *client, data []byte) {
	sess := c.sess

	msg, err := ParseClientMessage(data)
	if err != nil {
		sess.Enqueue(EncodeError(err.Error(), nil))
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		accepted, rejected := parseCodes(msg.Payload)
		if len(rejected) > 0 {
			sess.Enqueue(EncodeError("invalid ts codes", rejected))
		}
		if len(accepted) > 0 {
			s.index.Subscribe(sess.UserID, accepted)
		}
		sess.Enqueue(Encode(TypeSubscribed, AckPayload{
			TSCodes: accepted,
			Total:   len(s.index.StocksOf(sess.UserID)),
		}))

	case TypeUnsubscribe:
		accepted, rejected := parseCodes(msg.Payload)
		if len(rejected) > 0 {
			sess.Enqueue(EncodeError("invalid ts codes", rejected))
		}
		if len(accepted) > 0 {
			s.index.Unsubscribe(sess.UserID, accepted)
		}
		sess.Enqueue(Encode(TypeUnsubscribed, AckPayload{
			TSCodes: accepted,
			Total:   len(s.index.StocksOf(sess.UserID)),
		}))

	case TypePing:
		sess.Enqueue(Encode(TypePong, nil))

	default:
		sess.Enqueue(EncodeError(fmt.Sprintf("unknown message type %q", msg.Type), nil))
	}
}

// parseCodes splits a subscribe payload into normalized valid codes and
// rejected originals.
func parseCodes(raw []byte) (accepted, rejected []string) {
	var p SubscribePayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return nil, nil
	}
	for _, code := range p.TSCodes {
		if quote.ValidTSCode(code) {
			accepted = append(accepted, quote.NormalizeTSCode(code))
		} else {
			rejected = append(rejected, code)
		}
	}
	return accepted, rejected
}

// rejectConn closes an upgraded but unauthenticated connection.
func rejectConn(conn net.Conn, code ws.StatusCode, reason string) {
	body := ws.NewCloseFrameBody(code, reason)
	ws.WriteFrame(conn, ws.NewCloseFrame(body))
	conn.Close()
}

// clientIP extracts the peer address, honoring X-Forwarded-For from a
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
