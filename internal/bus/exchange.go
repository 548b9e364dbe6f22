package bus

import (
	"strings"

	"github.com/samber/lo"
)

// registration is a subscriber callback bound to an exchange
// discipline and its filter terms.
type registration struct {
	id       int
	exchange ExchangeType
	handler  Handler

	topics []string          // DIRECT: exact topic names
	prefix string            // TOPIC: composite-frame prefix
	filter map[string]string // HEADERS: required key/value pairs
	topic  string            // HEADERS: optional exact topic
}

// matches reports whether the registration should receive the message.
// A FANOUT registration observes every frame regardless of the
// publishing exchange; every other discipline only matches its own.
func (r *registration) matches(m *Message) bool {
	if r.exchange == Fanout {
		return true
	}
	if r.exchange != m.Exchange {
		return false
	}
	switch r.exchange {
	case Direct:
		return lo.Contains(r.topics, m.Topic)
	case Topic:
		return strings.HasPrefix(m.RoutingKey+":"+m.Topic, r.prefix)
	case Headers:
		return matchHeaders(r.filter, r.topic, m)
	}
	return false
}

// matchHeaders requires every filter key to be present with a matching
// value; a filter value may be a comma-list, matching if any element
// equals the message value. When topic is non-empty it must match
// exactly.
func matchHeaders(filter map[string]string, topic string, m *Message) bool {
	if topic != "" && topic != m.Topic {
		return false
	}
	for k, want := range filter {
		got, ok := m.Headers[k]
		if !ok {
			return false
		}
		if !lo.Contains(strings.Split(want, ","), got) {
			return false
		}
	}
	return true
}
