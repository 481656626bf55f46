package ha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	require.NoError(t, conn.WriteJSON(Message{Type: "auth_required"}))

	var authMsg AuthMessage
	require.NoError(t, conn.ReadJSON(&authMsg))
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	require.NoError(t, conn.WriteJSON(Message{Type: "auth_ok"}))
}

// ackSubscribe reads a subscribe_events request and acknowledges it
func ackSubscribe(t *testing.T, conn *websocket.Conn, wantType string) int {
	var subMsg SubscribeEventsRequest
	require.NoError(t, conn.ReadJSON(&subMsg))
	assert.Equal(t, "subscribe_events", subMsg.Type)
	assert.Equal(t, wantType, subMsg.EventType)

	success := true
	require.NoError(t, conn.WriteJSON(Message{ID: subMsg.ID, Type: "result", Success: &success}))
	return subMsg.ID
}

func TestClient_Connect(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			ackSubscribe(t, conn, EventStateChanged)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		assert.True(t, client.IsConnected())

		assert.NoError(t, client.Disconnect())
		assert.False(t, client.IsConnected())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})
			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)
			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong_token", logger)

		err := client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			ackSubscribe(t, conn, EventStateChanged)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")
	})
}

func TestClient_GetState(t *testing.T) {
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		ackSubscribe(t, conn, EventStateChanged)

		states := []*State{
			{EntityID: "binary_sensor.front_door", State: "on", Attributes: map[string]interface{}{"device_class": "door"}},
			{EntityID: "input_number.timeout_minutes", State: "10"},
		}
		statesJSON, _ := json.Marshal(states)
		success := true

		// Two get_states round trips
		for i := 0; i < 2; i++ {
			var req GetStatesRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			assert.Equal(t, "get_states", req.Type)
			conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &success, Result: statesJSON})
		}
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	ctx := context.Background()
	state, err := client.GetState(ctx, "binary_sensor.front_door")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "on", state.State)
	v, ok := state.Attribute("device_class")
	assert.True(t, ok)
	assert.Equal(t, "door", v)

	missing, err := client.GetState(ctx, "sensor.nonexistent")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClient_CallService(t *testing.T) {
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		ackSubscribe(t, conn, EventStateChanged)

		var ok CallServiceRequest
		require.NoError(t, conn.ReadJSON(&ok))
		assert.Equal(t, "light", ok.Domain)
		assert.Equal(t, "turn_off", ok.Service)
		assert.Equal(t, "light.hallway", ok.ServiceData["entity_id"])
		success := true
		conn.WriteJSON(Message{ID: ok.ID, Type: "result", Success: &success})

		var bad CallServiceRequest
		require.NoError(t, conn.ReadJSON(&bad))
		failure := false
		conn.WriteJSON(Message{
			ID:      bad.ID,
			Type:    "result",
			Success: &failure,
			Error:   &Error{Code: "not_found", Message: "Service not found"},
		})
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	err := client.CallService(context.Background(), "light", "turn_off", map[string]interface{}{
		"entity_id": "light.hallway",
	})
	assert.NoError(t, err)

	err = client.CallService(context.Background(), "light", "explode", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "light.explode")
	assert.Contains(t, err.Error(), "not_found")
}

func TestClient_StateAndEventSubscriptions(t *testing.T) {
	token := "test_token"
	release := make(chan struct{})

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		ackSubscribe(t, conn, EventStateChanged)
		subID := ackSubscribe(t, conn, "doorbell_pressed")

		stateData, _ := json.Marshal(StateChangedEvent{
			EntityID: "binary_sensor.front_door",
			OldState: &State{EntityID: "binary_sensor.front_door", State: "off"},
			NewState: &State{EntityID: "binary_sensor.front_door", State: "on"},
		})
		conn.WriteJSON(Message{ID: 1, Type: "event", Event: &Event{EventType: EventStateChanged, Data: stateData}})
		conn.WriteJSON(Message{ID: subID, Type: "event", Event: &Event{
			EventType: "doorbell_pressed",
			Data:      json.RawMessage(`{"button":"front"}`),
		}})
		<-release
	})
	defer server.Close()
	defer close(release)

	client := NewClient(wsURL(server), token, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	var stateCalls, eventCalls atomic.Int32
	_, err := client.SubscribeStateChanges("binary_sensor.front_door", func(entityID string, oldState, newState *State) {
		assert.Equal(t, "off", oldState.State)
		assert.Equal(t, "on", newState.State)
		stateCalls.Add(1)
	})
	require.NoError(t, err)

	_, err = client.SubscribeEvents("doorbell_pressed", func(eventType string, data map[string]interface{}) {
		assert.Equal(t, "front", data["button"])
		eventCalls.Add(1)
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return stateCalls.Load() == 1 && eventCalls.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()
	ctx := context.Background()

	t.Run("connection", func(t *testing.T) {
		assert.False(t, mock.IsConnected())
		assert.NoError(t, mock.Connect())
		assert.True(t, mock.IsConnected())
		assert.Error(t, mock.Connect())
		assert.NoError(t, mock.Disconnect())
		assert.False(t, mock.IsConnected())
	})

	t.Run("state management", func(t *testing.T) {
		mock.SetState("binary_sensor.garage", "on", map[string]interface{}{"friendly_name": "Garage"})

		state, err := mock.GetState(ctx, "binary_sensor.garage")
		require.NoError(t, err)
		assert.Equal(t, "on", state.State)

		missing, err := mock.GetState(ctx, "sensor.nonexistent")
		assert.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("service calls update state", func(t *testing.T) {
		mock.ClearServiceCalls()
		mock.SetState("light.porch", "on", nil)

		require.NoError(t, mock.CallService(ctx, "light", "turn_off", map[string]interface{}{"entity_id": "light.porch"}))

		calls := mock.GetServiceCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "light", calls[0].Domain)
		assert.Equal(t, "turn_off", calls[0].Service)

		state, _ := mock.GetState(ctx, "light.porch")
		assert.Equal(t, "off", state.State)
	})

	t.Run("injected errors", func(t *testing.T) {
		boom := errors.New("boom")
		mock.SetServiceError("switch", "turn_on", boom)
		mock.SetReadError("sensor.flaky", boom)

		assert.ErrorIs(t, mock.CallService(ctx, "switch", "turn_on", nil), boom)
		_, err := mock.GetState(ctx, "sensor.flaky")
		assert.ErrorIs(t, err, boom)

		mock.SetServiceError("switch", "turn_on", nil)
		assert.NoError(t, mock.CallService(ctx, "switch", "turn_on", nil))
	})

	t.Run("subscriptions", func(t *testing.T) {
		callCount := 0
		sub, err := mock.SubscribeStateChanges("binary_sensor.garage", func(entityID string, oldState, newState *State) {
			callCount++
			assert.Equal(t, "binary_sensor.garage", entityID)
			assert.Equal(t, "on", oldState.State)
			assert.Equal(t, "off", newState.State)
		})
		require.NoError(t, err)

		mock.SimulateStateChange("binary_sensor.garage", "off")
		assert.Equal(t, 1, callCount)

		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, sub.Unsubscribe())
		mock.SimulateStateChange("binary_sensor.garage", "on")
		assert.Equal(t, 1, callCount)
	})

	t.Run("events", func(t *testing.T) {
		var got map[string]interface{}
		sub, err := mock.SubscribeEvents("mobile_app_notification_action", func(eventType string, data map[string]interface{}) {
			got = data
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, mock.FireEvent(ctx, "mobile_app_notification_action", map[string]interface{}{"action": "SILENCE"}))
		assert.Equal(t, "SILENCE", got["action"])
		assert.Len(t, mock.GetFiredEvents(), 1)
	})
}
