package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/n10l/speechrelay/internal/eventlog"
	"github.com/n10l/speechrelay/internal/events"
)

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	claims, err := r.auth.Verify(tokenFromRequest(req))
	if err != nil {
		r.metrics.AuthFailures.Inc()
		r.log.Warn().Err(err).Str("remote", req.RemoteAddr).Msg("ws: handshake rejected")
		http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
		return
	}
	if r.registry.IsDraining() {
		http.Error(w, `{"error": "shutting down"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn().Err(err).Msg("ws: upgrade failed")
		return
	}
	readDeadline(conn, r.cfg.PongWait, r.cfg.MaxMessageBytes)

	switch claims.Role {
	case RoleProducer:
		r.serveProducer(conn, claims)
	case RoleObserver:
		r.serveObserver(conn, claims)
	}
}

func (r *Relay) serveProducer(conn *websocket.Conn, claims *Claims) {
	p := &producerConn{
		id:          uuid.NewString(),
		producerID:  claims.ProducerID,
		channelID:   claims.ChannelID,
		connectedAt: r.now(),
		conn:        conn,
		done:        make(chan struct{}),
	}
	if !r.registry.AddProducer(p) {
		conn.Close()
		return
	}
	log := r.log.With().Str("socketId", p.id).Str("producerId", p.producerID).Logger()
	r.metrics.RecordConnect(string(RoleProducer))
	log.Info().Msg("producer connected")
	r.broadcast(EventStudentConnected, p.info())

	defer func() {
		p.close()
		r.registry.RemoveProducer(p.id)
		r.metrics.RecordDisconnect(string(RoleProducer))
		info := p.info()
		info.Status = "disconnected"
		r.broadcast(EventStudentDisconnected, info)
		log.Info().Msg("producer disconnected")
	}()

	go p.keepalive(r.cfg.WriteTimeout, r.cfg.PingInterval)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("producer read ended")
			}
			return
		}
		env, err := decodeEnvelope(msg)
		if err != nil {
			log.Warn().Err(err).Msg("failed to parse producer message")
			continue
		}
		r.handleProducerEvent(p, env)
	}
}

// handleProducerEvent relays one event and, for stop, save and submit,
// persists it. Broadcast always happens before persistence, and a payload
// the relay cannot type is still relayed as sent.
func (r *Relay) handleProducerEvent(p *producerConn, env Envelope) {
	name, ok := relayedName[env.Event]
	if !ok {
		r.log.Debug().Str("event", env.Event).Str("socketId", p.id).Msg("ignoring unknown producer event")
		return
	}

	var payload SpeechPayload
	var decodeErr error
	if len(env.Data) > 0 {
		if decodeErr = json.Unmarshal(env.Data, &payload); decodeErr != nil {
			r.log.Warn().Err(decodeErr).Str("event", env.Event).Str("socketId", p.id).Msg("producer payload not understood, relaying as sent")
			payload = SpeechPayload{SessionID: rawSessionID(env.Data)}
		}
	}
	// Identity comes from the token, never from the payload.
	payload.ProducerID = p.producerID
	overrides := map[string]any{
		"producerId": p.producerID,
		"socketId":   p.id,
		"receivedAt": r.now(),
	}
	if p.channelID != "" {
		payload.ChannelID = p.channelID
		overrides["channelId"] = p.channelID
	}

	data, err := annotate(env.Data, overrides)
	if err != nil {
		r.log.Warn().Err(err).Str("event", env.Event).Msg("invalid producer payload")
		return
	}
	msg, err := json.Marshal(Envelope{Event: name, Data: data})
	if err != nil {
		return
	}
	r.broadcastRaw(name, msg)

	if r.publisher != nil {
		_ = r.publisher.Publish(context.Background(), events.Record{
			Event:      name,
			ProducerID: p.producerID,
			SessionID:  payload.SessionID,
			SocketID:   p.id,
			ReceivedAt: r.now(),
			Data:       data,
		})
	}

	if decodeErr != nil {
		if saveType, persisted := persistedSaveType(env.Event, env.Data); persisted {
			r.sendAck(p, SaveAck{SessionID: payload.SessionID, SaveType: saveType, Error: "invalid payload"})
		}
		return
	}

	switch env.Event {
	case EventSpeechStart:
		r.eventLog.LogAsync(payload.SessionID, p.producerID, eventlog.EventSpeechStart, map[string]any{
			"channelId": payload.ChannelID,
			"socketId":  p.id,
		})
	case EventSpeechStop:
		payload.IsFinal = true
		payload.SaveType = "final"
		r.eventLog.LogAsync(payload.SessionID, p.producerID, eventlog.EventSpeechStop, map[string]any{
			"duration": payload.Duration,
			"length":   len(payload.FinalTranscript),
		})
		r.persistAndAck(p, payload)
	case EventSpeechSave:
		if payload.SaveType == "" {
			payload.SaveType = "manual"
		}
		r.eventLog.LogAsync(payload.SessionID, p.producerID, eventlog.EventSpeechSave, map[string]any{
			"saveType": payload.SaveType,
		})
		r.persistAndAck(p, payload)
	case EventSpeechSubmit:
		payload.IsFinal = true
		payload.SaveType = "submit"
		r.eventLog.LogAsync(payload.SessionID, p.producerID, eventlog.EventSpeechSubmit, map[string]any{
			"duration": payload.Duration,
			"length":   len(payload.FinalTranscript),
		})
		r.persistAndAck(p, payload)
	}
}

func (r *Relay) persistAndAck(p *producerConn, payload SpeechPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PersistTimeout)
	defer cancel()

	ack := SaveAck{SessionID: payload.SessionID, SaveType: payload.SaveType}
	res, err := r.persist.Save(ctx, payload)
	switch {
	case errors.Is(err, ErrNotOwner):
		ack.Error = ErrNotOwner.Error()
	case err != nil:
		ack.Error = "save failed"
	default:
		ack.OK = true
		ack.Outcome = res.Outcome
	}
	r.sendAck(p, ack)
}

func (r *Relay) sendAck(p *producerConn, ack SaveAck) {
	if err := p.send(EventSaveAck, ack, r.cfg.WriteTimeout); err != nil {
		r.log.Debug().Err(err).Str("socketId", p.id).Msg("save ack not delivered")
	}
}

// persistedSaveType reports the ack saveType of events that are persisted.
func persistedSaveType(event string, data json.RawMessage) (string, bool) {
	switch event {
	case EventSpeechStop:
		return "final", true
	case EventSpeechSubmit:
		return "submit", true
	case EventSpeechSave:
		var v struct {
			SaveType string `json:"saveType"`
		}
		if json.Unmarshal(data, &v) != nil || v.SaveType == "" {
			return "manual", true
		}
		return v.SaveType, true
	}
	return "", false
}

// rawSessionID pulls sessionId out of a payload that failed typed decoding.
func rawSessionID(data json.RawMessage) string {
	var v struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(data, &v) != nil {
		return ""
	}
	return v.SessionID
}

func (r *Relay) serveObserver(conn *websocket.Conn, claims *Claims) {
	o := newObserver(uuid.NewString(), claims.Subject, conn, r.cfg.ObserverQueueSize, r.now())
	greet := func(roster []ProducerInfo) {
		if msg, err := encode(EventStudentRoster, roster); err == nil {
			o.enqueue(msg)
		}
	}
	if !r.registry.AddObserver(o, greet) {
		conn.Close()
		return
	}
	log := r.log.With().Str("observerId", o.id).Str("subject", o.subject).Logger()
	r.metrics.RecordConnect(string(RoleObserver))
	log.Info().Msg("observer connected")

	defer func() {
		r.registry.RemoveObserver(o.id)
		o.close()
		r.metrics.RecordDisconnect(string(RoleObserver))
		log.Info().Msg("observer disconnected")
	}()

	go func() {
		if err := o.writeLoop(r.cfg.WriteTimeout, r.cfg.PingInterval); err != nil {
			log.Debug().Err(err).Msg("observer write failed")
			r.metrics.RecordDropped("write_error")
		}
		o.close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := decodeEnvelope(msg)
		if err != nil {
			continue
		}
		if env.Event == EventAdminPing {
			r.pong(o, env.Data)
		}
	}
}

func (r *Relay) pong(o *observer, data json.RawMessage) {
	var ping Ping
	if len(data) > 0 {
		_ = json.Unmarshal(data, &ping)
	}
	now := r.now().UnixMilli()
	pong := Pong{ServerTime: now, Type: ping.Type}
	if pong.Type == "" {
		pong.Type = "health-check"
	}
	if ping.Timestamp != nil {
		latency := now - *ping.Timestamp
		pong.Latency = &latency
	}
	if msg, err := encode(EventAdminPong, pong); err == nil {
		o.enqueue(msg)
	}
}
