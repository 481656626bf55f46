package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"homerules/internal/clock"
	"homerules/internal/condition"
	"homerules/internal/ha"
	"homerules/internal/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stateDelivery struct {
	entityID string
	old, new string
}

func newTestEnvironment(t *testing.T, opts ...Option) (*Environment, *ha.MockClient, *clock.MockClock) {
	t.Helper()
	client := ha.NewMockClient()
	clk := clock.NewMockClock(time.Date(2024, 1, 15, 20, 0, 0, 0, time.UTC))
	env := NewEnvironment(client, clk, zap.NewNop(), opts...)
	t.Cleanup(env.Close)
	return env, client, clk
}

func TestEnvironment_GetState(t *testing.T) {
	env, client, _ := newTestEnvironment(t)
	ctx := context.Background()
	client.SetState("climate.living", "heat", map[string]interface{}{"temperature": 21.5})

	v, err := env.GetState(ctx, "climate.living", "")
	require.NoError(t, err)
	assert.Equal(t, "heat", v.Str())

	v, err = env.GetState(ctx, "climate.living", "temperature")
	require.NoError(t, err)
	assert.Equal(t, 21.5, v.Num())

	v, err = env.GetState(ctx, "climate.living", "humidity")
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	v, err = env.GetState(ctx, "climate.missing", "")
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	client.SetReadError("climate.living", errors.New("socket closed"))
	_, err = env.GetState(ctx, "climate.living", "")
	assert.Error(t, err)
}

func TestEnvironment_ListenState(t *testing.T) {
	env, client, _ := newTestEnvironment(t)
	ctx := context.Background()
	client.SetState("binary_sensor.door", "off", nil)

	var mu sync.Mutex
	var got []stateDelivery
	h, err := env.ListenState(ctx, "binary_sensor.door", ListenOptions{Immediate: true},
		func(ctx context.Context, entityID, attribute string, oldValue, newValue condition.Value) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, stateDelivery{entityID, oldValue.String(), newValue.String()})
		})
	require.NoError(t, err)

	client.SimulateStateChange("binary_sensor.door", "on")
	client.SimulateStateChange("binary_sensor.door", "on")
	env.Flush()

	assert.Equal(t, []stateDelivery{
		{"binary_sensor.door", "None", "off"},
		{"binary_sensor.door", "off", "on"},
	}, got)

	require.NoError(t, h.Cancel(ctx))
	client.SimulateStateChange("binary_sensor.door", "off")
	env.Flush()
	assert.Len(t, got, 2)
	assert.Equal(t, 0, client.SubscriberCount())
}

func TestEnvironment_ListenStateFilters(t *testing.T) {
	env, client, _ := newTestEnvironment(t)
	ctx := context.Background()
	client.SetState("media_player.tv", "off", map[string]interface{}{"source": "HDMI 1"})

	on := condition.String("on")
	var stateCalls, attrCalls int
	_, err := env.ListenState(ctx, "media_player.tv", ListenOptions{New: &on},
		func(ctx context.Context, entityID, attribute string, oldValue, newValue condition.Value) {
			stateCalls++
		})
	require.NoError(t, err)
	_, err = env.ListenState(ctx, "media_player.tv", ListenOptions{Attribute: "source"},
		func(ctx context.Context, entityID, attribute string, oldValue, newValue condition.Value) {
			assert.Equal(t, "source", attribute)
			attrCalls++
		})
	require.NoError(t, err)

	client.SetState("media_player.tv", "on", map[string]interface{}{"source": "HDMI 1"})
	client.SetState("media_player.tv", "on", map[string]interface{}{"source": "HDMI 2"})
	client.SetState("media_player.tv", "idle", map[string]interface{}{"source": "HDMI 2"})
	env.Flush()

	assert.Equal(t, 1, stateCalls)
	assert.Equal(t, 1, attrCalls)
}

func TestEnvironment_ListenStateMissingEntity(t *testing.T) {
	env, client, _ := newTestEnvironment(t)
	ctx := context.Background()

	on := condition.String("on")
	var got []string
	_, err := env.ListenState(ctx, "binary_sensor.porch_motion", ListenOptions{New: &on, Immediate: true},
		func(ctx context.Context, entityID, attribute string, oldValue, newValue condition.Value) {
			got = append(got, newValue.String())
		})
	require.NoError(t, err)
	env.Flush()
	assert.Empty(t, got, "an unknown entity is not in the filtered state")

	client.SetState("binary_sensor.porch_motion", "on", nil)
	env.Flush()
	assert.Equal(t, []string{"on"}, got)
}

func TestEnvironment_CancelledBeforeDispatchIsDropped(t *testing.T) {
	env, client, _ := newTestEnvironment(t)
	ctx := context.Background()

	block := make(chan struct{})
	env.Dispatcher().Submit("blocker", func(ctx context.Context) { <-block })

	calls := 0
	h, err := env.ListenState(ctx, "light.kitchen", ListenOptions{},
		func(ctx context.Context, entityID, attribute string, oldValue, newValue condition.Value) {
			calls++
		})
	require.NoError(t, err)

	client.SimulateStateChange("light.kitchen", "on")
	require.NoError(t, h.Cancel(ctx))
	close(block)
	env.Flush()

	assert.Equal(t, 0, calls)
}

func TestEnvironment_RunIn(t *testing.T) {
	env, _, clk := newTestEnvironment(t)
	ctx := context.Background()

	fired := 0
	_, err := env.RunIn(ctx, 5*time.Minute, func(ctx context.Context) { fired++ })
	require.NoError(t, err)
	cancelled, err := env.RunIn(ctx, 5*time.Minute, func(ctx context.Context) { fired += 100 })
	require.NoError(t, err)
	require.NoError(t, cancelled.Cancel(ctx))

	clk.Advance(4 * time.Minute)
	env.Flush()
	assert.Equal(t, 0, fired)

	clk.Advance(time.Minute)
	env.Flush()
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, clk.Pending())
}

func TestEnvironment_ListenEvent(t *testing.T) {
	env, client, _ := newTestEnvironment(t)
	ctx := context.Background()

	var got []map[string]interface{}
	h, err := env.ListenEvent(ctx, "doorbell_pressed", func(ctx context.Context, name string, data map[string]interface{}) {
		assert.Equal(t, "doorbell_pressed", name)
		got = append(got, data)
	})
	require.NoError(t, err)

	client.SimulateEvent("doorbell_pressed", map[string]interface{}{"button": "front"})
	env.Flush()
	require.Len(t, got, 1)
	assert.Equal(t, "front", got[0]["button"])

	require.NoError(t, h.Cancel(ctx))
	client.SimulateEvent("doorbell_pressed", nil)
	env.Flush()
	assert.Len(t, got, 1)
}

type fakeSource struct {
	handlers map[string]mqtt.MessageHandler
}

func (f *fakeSource) Subscribe(topic string, handler mqtt.MessageHandler) (func() error, error) {
	f.handlers[topic] = handler
	return func() error {
		delete(f.handlers, topic)
		return nil
	}, nil
}

func TestEnvironment_ListenEventMQTT(t *testing.T) {
	source := &fakeSource{handlers: make(map[string]mqtt.MessageHandler)}
	env, _, _ := newTestEnvironment(t, WithEventSource(source))
	ctx := context.Background()

	var got []map[string]interface{}
	h, err := env.ListenEvent(ctx, "mqtt:zigbee2mqtt/button", func(ctx context.Context, name string, data map[string]interface{}) {
		got = append(got, data)
	})
	require.NoError(t, err)
	require.Contains(t, source.handlers, "zigbee2mqtt/button")

	source.handlers["zigbee2mqtt/button"]("zigbee2mqtt/button", []byte(`{"action":"single"}`))
	source.handlers["zigbee2mqtt/button"]("zigbee2mqtt/button", []byte(`pressed`))
	env.Flush()

	require.Len(t, got, 2)
	assert.Equal(t, "single", got[0]["action"])
	assert.Equal(t, "pressed", got[1]["payload"])
	assert.Equal(t, "zigbee2mqtt/button", got[1]["topic"])

	require.NoError(t, h.Cancel(ctx))
	assert.Empty(t, source.handlers)
}

func TestEnvironment_ListenEventMQTTWithoutBroker(t *testing.T) {
	env, _, _ := newTestEnvironment(t)
	_, err := env.ListenEvent(context.Background(), "mqtt:home/door", func(context.Context, string, map[string]interface{}) {})
	assert.Error(t, err)
}

func TestEnvironment_ReadOnly(t *testing.T) {
	env, client, _ := newTestEnvironment(t, WithReadOnly(true))

	err := env.CallService(context.Background(), "light", "turn_off", map[string]interface{}{"entity_id": "light.porch"})
	assert.NoError(t, err)
	assert.Empty(t, client.GetServiceCalls())
	assert.True(t, env.ReadOnly())
}

func TestDispatcher_SerialAndPanicSafe(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	defer d.Close()

	var order []int
	d.Submit("one", func(ctx context.Context) { order = append(order, 1) })
	d.Submit("boom", func(ctx context.Context) { panic("handler bug") })
	d.Submit("two", func(ctx context.Context) {
		order = append(order, 2)
		d.Submit("three", func(ctx context.Context) { order = append(order, 3) })
	})
	d.Flush()

	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 0, d.Pending())
}

type panickingHost struct {
	Host
}

func (panickingHost) CallService(ctx context.Context, domain, service string, data map[string]interface{}) error {
	panic("bus exploded")
}

func TestServiceCall(t *testing.T) {
	env, client, _ := newTestEnvironment(t)
	ctx := context.Background()

	call := ServiceCall{Domain: "cover", Service: "close_cover"}
	assert.Equal(t, "cover/close_cover", call.String())
	require.NoError(t, call.Validate())
	assert.Error(t, ServiceCall{Domain: "cover"}.Validate())
	assert.Error(t, ServiceCall{Service: "close_cover"}.Validate())

	require.NoError(t, call.Call(ctx, env))
	calls := client.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.NotNil(t, calls[0].Data)

	err := call.SafeCall(ctx, panickingHost{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus exploded")
}
