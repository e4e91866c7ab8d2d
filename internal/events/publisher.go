// Package events mirrors relayed session events to Kafka and, optionally, NATS.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/n10l/speechrelay/internal/metrics"
)

// Config holds publisher configuration. Kafka and NATS are independent;
// either, both or neither may be set.
type Config struct {
	Brokers []string
	Topic   string
	Enabled bool

	NATS NATSConfig
}

// Record is the message body written for each relayed event.
type Record struct {
	Event      string          `json:"event"`
	ProducerID string          `json:"producerId"`
	SessionID  string          `json:"sessionId,omitempty"`
	SocketID   string          `json:"socketId"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes records keyed by producer id so one producer's events
// stay ordered within a partition. With Kafka disabled it only logs.
type Publisher struct {
	w       writer
	topic   string
	enabled bool
	nats    *natsMirror
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a publisher. A nil config or missing brokers selects log-only mode.
func New(cfg *Config, m *metrics.Metrics, log zerolog.Logger) *Publisher {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	p := &Publisher{metrics: m, log: log}
	if cfg == nil {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}
	p.topic = cfg.Topic
	if cfg.NATS.URL != "" {
		nm, err := connectNATS(cfg.NATS, log)
		if err != nil {
			log.Warn().Err(err).Msg("NATS mirror unavailable, continuing without it")
		} else {
			p.nats = nm
		}
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	// Async keeps the relay's read loop off the network; batches for one
	// partition are written in order.
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				for _, msg := range msgs {
					m.KafkaPublishErrors.WithLabelValues(cfg.Topic, headerValue(msg, "event")).Inc()
				}
				log.Error().Err(err).Int("messages", len(msgs)).Msg("Failed to write to Kafka")
			}
		},
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka publisher initialized")

	p.w = w
	p.enabled = true
	return p
}

// Publish writes one record. With Kafka enabled the write is queued and
// delivery failures are reported through metrics and logs.
func (p *Publisher) Publish(ctx context.Context, rec Record) error {
	if p == nil {
		return nil
	}
	start := time.Now()

	payload, err := json.Marshal(rec)
	if err != nil {
		p.log.Error().Err(err).Str("event", rec.Event).Msg("Failed to marshal event")
		return err
	}

	p.log.Debug().
		Str("topic", p.topic).
		Str("key", rec.ProducerID).
		Str("event", rec.Event).
		Msg("Publishing event")

	p.nats.publish(rec, payload)

	if !p.enabled || p.w == nil {
		p.metrics.RecordKafkaPublish(p.topic, rec.Event, nil, time.Since(start).Seconds())
		return nil
	}

	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.ProducerID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(rec.Event)},
		},
	})
	p.metrics.RecordKafkaPublish(p.topic, rec.Event, err, time.Since(start).Seconds())
	if err != nil {
		p.log.Error().Err(err).Str("key", rec.ProducerID).Msg("Failed to write to Kafka")
	}
	return err
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Close flushes and closes the writer and drains the NATS connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.nats.close()
	if p.w == nil {
		return nil
	}
	return p.w.Close()
}
