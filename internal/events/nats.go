package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig enables a core NATS mirror next to Kafka. Subjects are
// <Subject>.<producer>.<event>, so subscribers can follow one producer
// with <Subject>.<producer>.>.
type NATSConfig struct {
	URL            string // comma separated server URLs
	Subject        string
	ConnectTimeout time.Duration
}

const defaultNATSSubject = "speech.relay"

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

type natsMirror struct {
	conn   natsConn
	prefix string
	log    zerolog.Logger
}

func connectNATS(cfg NATSConfig, log zerolog.Logger) (*natsMirror, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("speechrelay"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrlRedacted()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info().Str("url", conn.ConnectedUrlRedacted()).Msg("NATS mirror connected")
	return newNATSMirror(conn, cfg.Subject, log), nil
}

func newNATSMirror(conn natsConn, prefix string, log zerolog.Logger) *natsMirror {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = defaultNATSSubject
	}
	return &natsMirror{conn: conn, prefix: prefix, log: log}
}

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (n *natsMirror) subject(rec Record) string {
	return n.prefix + "." + subjectToken(rec.ProducerID) + "." + subjectToken(rec.Event)
}

// publish is fire-and-forget; core NATS buffers while reconnecting.
func (n *natsMirror) publish(rec Record, payload []byte) {
	if n == nil {
		return
	}
	subj := n.subject(rec)
	if err := n.conn.Publish(subj, payload); err != nil {
		n.log.Error().Err(err).Str("subject", subj).Msg("Failed to publish to NATS")
	}
}

func (n *natsMirror) close() {
	if n == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
