package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakePaho records subscriptions and publications in memory
type fakePaho struct {
	mu           sync.Mutex
	subs         map[string]paho.MessageHandler
	unsubscribed []string
	published    []published
	subErr       error
}

func newFakePaho() *fakePaho {
	return &fakePaho{subs: make(map[string]paho.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool      { return true }
func (f *fakePaho) IsConnectionOpen() bool { return true }
func (f *fakePaho) Connect() paho.Token    { return newToken(nil) }
func (f *fakePaho) Disconnect(uint)        {}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return newToken(nil)
}

func (f *fakePaho) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return newToken(f.subErr)
	}
	f.subs[topic] = callback
	return newToken(nil)
}

func (f *fakePaho) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	for topic := range filters {
		f.Subscribe(topic, 0, callback)
	}
	return newToken(nil)
}

func (f *fakePaho) Unsubscribe(topics ...string) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.subs, topic)
		f.unsubscribed = append(f.unsubscribed, topic)
	}
	return newToken(nil)
}

func (f *fakePaho) AddRoute(string, paho.MessageHandler) {}

func (f *fakePaho) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }

func (f *fakePaho) deliver(filter, topic string, payload string) {
	f.mu.Lock()
	cb := f.subs[filter]
	f.mu.Unlock()
	if cb != nil {
		cb(f, &fakeMessage{topic: topic, payload: []byte(payload)})
	}
}

func TestClient_SharedSubscription(t *testing.T) {
	fake := newFakePaho()
	c := NewClientWith(fake, 1, zap.NewNop())

	var first, second []string
	unsubFirst, err := c.Subscribe("zigbee2mqtt/+/action", func(topic string, payload []byte) {
		first = append(first, topic+"="+string(payload))
	})
	require.NoError(t, err)
	unsubSecond, err := c.Subscribe("zigbee2mqtt/+/action", func(topic string, payload []byte) {
		second = append(second, string(payload))
	})
	require.NoError(t, err)

	fake.deliver("zigbee2mqtt/+/action", "zigbee2mqtt/button/action", "single")
	assert.Equal(t, []string{"zigbee2mqtt/button/action=single"}, first)
	assert.Equal(t, []string{"single"}, second)

	require.NoError(t, unsubFirst())
	require.NoError(t, unsubFirst())
	assert.Empty(t, fake.unsubscribed, "broker subscription kept while a handler remains")

	fake.deliver("zigbee2mqtt/+/action", "zigbee2mqtt/button/action", "double")
	assert.Len(t, first, 1)
	assert.Equal(t, []string{"single", "double"}, second)

	require.NoError(t, unsubSecond())
	assert.Equal(t, []string{"zigbee2mqtt/+/action"}, fake.unsubscribed)
}

func TestClient_SubscribeError(t *testing.T) {
	fake := newFakePaho()
	fake.subErr = errors.New("not authorized")
	c := NewClientWith(fake, 0, zap.NewNop())

	_, err := c.Subscribe("home/door", func(string, []byte) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")

	// A failed first subscription must not leave a handler behind
	fake.subErr = nil
	_, err = c.Subscribe("home/door", func(string, []byte) {})
	require.NoError(t, err)
	assert.Contains(t, fake.subs, "home/door")
}

func TestClient_Publish(t *testing.T) {
	fake := newFakePaho()
	c := NewClientWith(fake, 0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "notify/phone", "plain text", false))
	require.NoError(t, c.Publish(ctx, "notify/phone", map[string]string{"title": "Door"}, true))

	require.Len(t, fake.published, 2)
	assert.Equal(t, "plain text", string(fake.published[0].payload))
	assert.JSONEq(t, `{"title":"Door"}`, string(fake.published[1].payload))
	assert.True(t, fake.published[1].retained)
}
