// Package bus implements a broker-less multicast fabric with four
// exchange disciplines (DIRECT, TOPIC, FANOUT, HEADERS) over a single
// endpoint abstraction.
//
// Publishers bind an endpoint and drain a bounded in-memory queue
// through background workers; subscribers connect, register filters,
// and receive on a single goroutine per endpoint, posting handler work
// to a worker pool. Routing is evaluated on the subscriber side, so
// the fabric itself stays a dumb multicast pipe.
package bus

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
)

// ExchangeType selects how a published frame is matched to subscribers.
type ExchangeType int

const (
	// Direct delivers iff the topic matches verbatim.
	Direct ExchangeType = iota
	// Topic delivers to subscribers whose registered prefix matches
	// the composite routing_key:topic first frame.
	Topic
	// Fanout delivers every message to every subscriber.
	Fanout
	// Headers delivers iff every filter key is present with a matching
	// value; this is the primary dispatch exchange.
	Headers
)

// String returns the exchange name for log fields.
func (e ExchangeType) String() string {
	switch e {
	case Direct:
		return "direct"
	case Topic:
		return "topic"
	case Fanout:
		return "fanout"
	case Headers:
		return "headers"
	}
	return "unknown"
}

// Message is a single bus message. ID and Timestamp form the envelope
// consumed by the dead-letter observers; the remaining fields map onto
// the wire frames of the exchange discipline.
type Message struct {
	ID        string
	Timestamp time.Time

	Exchange   ExchangeType
	Topic      string
	RoutingKey string            // TOPIC exchange only
	Headers    map[string]string // HEADERS exchange only
	Body       []byte
}

// NewMessage creates a message with a fresh id and the current time.
func NewMessage(exchange ExchangeType, topic string, body []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Exchange:  exchange,
		Topic:     topic,
		Body:      body,
	}
}

// NewHeadersMessage creates a HEADERS message.
func NewHeadersMessage(topic string, headers map[string]string, body []byte) *Message {
	m := NewMessage(Headers, topic, body)
	m.Headers = headers
	return m
}

// HeaderString serializes the header map as "k1=v1;k2=v2;" with sorted
// keys, the canonical wire form.
func (m *Message) HeaderString() string {
	if len(m.Headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m.Headers[k])
		b.WriteByte(';')
	}
	return b.String()
}

// ParseHeaderString parses the "k1=v1;k2=v2;" wire form.
func ParseHeaderString(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// Frames renders the message in the wire layout of its exchange:
//
//	DIRECT  [topic][body]
//	TOPIC   [routing_key:topic][body]
//	FANOUT  [""][topic][body]
//	HEADERS [header_string][topic][body]
func (m *Message) Frames() [][]byte {
	switch m.Exchange {
	case Direct:
		return [][]byte{[]byte(m.Topic), m.Body}
	case Topic:
		return [][]byte{[]byte(m.RoutingKey + ":" + m.Topic), m.Body}
	case Fanout:
		return [][]byte{{}, []byte(m.Topic), m.Body}
	case Headers:
		return [][]byte{[]byte(m.HeaderString()), []byte(m.Topic), m.Body}
	}
	return nil
}

// DecodeFrames reverses Frames for the given exchange type. The
// envelope (id, timestamp) is not on the wire and is left zero.
func DecodeFrames(exchange ExchangeType, frames [][]byte) (*Message, error) {
	m := &Message{Exchange: exchange}
	switch exchange {
	case Direct:
		if len(frames) != 2 {
			return nil, apperrors.BadPayload(nil, fmt.Sprintf("direct frame count %d", len(frames)))
		}
		m.Topic = string(frames[0])
		m.Body = frames[1]
	case Topic:
		if len(frames) != 2 {
			return nil, apperrors.BadPayload(nil, fmt.Sprintf("topic frame count %d", len(frames)))
		}
		key, topic, ok := strings.Cut(string(frames[0]), ":")
		if !ok {
			return nil, apperrors.BadPayload(nil, "topic frame missing routing key separator")
		}
		m.RoutingKey = key
		m.Topic = topic
		m.Body = frames[1]
	case Fanout:
		if len(frames) != 3 || len(frames[0]) != 0 {
			return nil, apperrors.BadPayload(nil, fmt.Sprintf("fanout frame count %d", len(frames)))
		}
		m.Topic = string(frames[1])
		m.Body = frames[2]
	case Headers:
		if len(frames) != 3 {
			return nil, apperrors.BadPayload(nil, fmt.Sprintf("headers frame count %d", len(frames)))
		}
		m.Headers = ParseHeaderString(string(frames[0]))
		m.Topic = string(frames[1])
		m.Body = frames[2]
	default:
		return nil, apperrors.BadPayload(nil, "unknown exchange type")
	}
	return m, nil
}
