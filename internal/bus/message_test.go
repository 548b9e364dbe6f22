package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
)

func TestMessage_FramesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			"direct",
			&Message{Exchange: Direct, Topic: "order_log_task", Body: []byte(`{"order_id":"1"}`)},
		},
		{
			"topic",
			&Message{Exchange: Topic, RoutingKey: "orders.cn", Topic: "vehicle_orders", Body: []byte("x")},
		},
		{
			"fanout",
			&Message{Exchange: Fanout, Topic: "vehicle_orders", Body: []byte("y")},
		},
		{
			"headers",
			&Message{
				Exchange: Headers,
				Topic:    "vehicle_orders",
				Headers:  map[string]string{"type": "101", "channel": "vehicle_orders"},
				Body:     []byte("z"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := tt.msg.Frames()
			got, err := DecodeFrames(tt.msg.Exchange, frames)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Topic, got.Topic)
			assert.Equal(t, tt.msg.RoutingKey, got.RoutingKey)
			assert.Equal(t, tt.msg.Body, got.Body)
			if tt.msg.Exchange == Headers {
				assert.Equal(t, tt.msg.Headers, got.Headers)
			}
		})
	}
}

func TestMessage_FrameLayouts(t *testing.T) {
	direct := &Message{Exchange: Direct, Topic: "t", Body: []byte("b")}
	assert.Equal(t, [][]byte{[]byte("t"), []byte("b")}, direct.Frames())

	topic := &Message{Exchange: Topic, RoutingKey: "rk", Topic: "t", Body: []byte("b")}
	assert.Equal(t, [][]byte{[]byte("rk:t"), []byte("b")}, topic.Frames())

	fanout := &Message{Exchange: Fanout, Topic: "t", Body: []byte("b")}
	frames := fanout.Frames()
	require.Len(t, frames, 3)
	assert.Empty(t, frames[0])

	headers := &Message{
		Exchange: Headers,
		Topic:    "t",
		Headers:  map[string]string{"type": "101", "channel": "vehicle_orders"},
		Body:     []byte("b"),
	}
	// Keys are serialized sorted.
	assert.Equal(t, "channel=vehicle_orders;type=101;", string(headers.Frames()[0]))
}

func TestDecodeFrames_Bad(t *testing.T) {
	_, err := DecodeFrames(Direct, [][]byte{[]byte("only-topic")})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBadPayload))

	_, err = DecodeFrames(Topic, [][]byte{[]byte("no-separator"), nil})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBadPayload))

	_, err = DecodeFrames(Fanout, [][]byte{[]byte("not-empty"), []byte("t"), []byte("b")})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBadPayload))
}

func TestParseHeaderString(t *testing.T) {
	got := ParseHeaderString("channel=vehicle_orders;type=101;")
	assert.Equal(t, map[string]string{"channel": "vehicle_orders", "type": "101"}, got)

	assert.Empty(t, ParseHeaderString(""))
	assert.Empty(t, ParseHeaderString(";;"))
}

func TestMatchHeaders(t *testing.T) {
	msg := &Message{
		Exchange: Headers,
		Topic:    "vehicle_orders",
		Headers:  map[string]string{"type": "101", "channel": "vehicle_orders"},
	}

	tests := []struct {
		name   string
		filter map[string]string
		topic  string
		want   bool
	}{
		{"exact match", map[string]string{"type": "101", "channel": "vehicle_orders"}, "vehicle_orders", true},
		{"comma list any-of", map[string]string{"type": "101,102,103"}, "", true},
		{"comma list miss", map[string]string{"type": "601,602"}, "", false},
		{"missing key", map[string]string{"region": "cn"}, "", false},
		{"topic mismatch", map[string]string{"type": "101"}, "order_update", false},
		{"no topic constraint", map[string]string{"type": "101"}, "", true},
		{"empty filter matches", map[string]string{}, "vehicle_orders", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchHeaders(tt.filter, tt.topic, msg))
		})
	}
}

func TestRegistration_Matches(t *testing.T) {
	headersMsg := NewHeadersMessage("vehicle_orders", map[string]string{"type": "101"}, nil)

	direct := &registration{exchange: Direct, topics: []string{"order_log_task"}}
	assert.True(t, direct.matches(&Message{Exchange: Direct, Topic: "order_log_task"}))
	assert.False(t, direct.matches(&Message{Exchange: Direct, Topic: "other"}))
	assert.False(t, direct.matches(headersMsg))

	topicReg := &registration{exchange: Topic, prefix: "orders."}
	assert.True(t, topicReg.matches(&Message{Exchange: Topic, RoutingKey: "orders.cn", Topic: "t"}))
	assert.False(t, topicReg.matches(&Message{Exchange: Topic, RoutingKey: "fleet.cn", Topic: "t"}))

	// A fanout registration observes every frame, whatever the
	// publishing exchange. Dead-letter observers depend on this.
	fanout := &registration{exchange: Fanout}
	assert.True(t, fanout.matches(headersMsg))
	assert.True(t, fanout.matches(&Message{Exchange: Direct, Topic: "x"}))
}
