// Package testutil provides a mock Home Assistant websocket server and helpers
// for end-to-end rule tests.
package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"homerules/internal/ha"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper is one client connection with its write lock and the event
// types it subscribed to. An empty type means every event.
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	subMu         sync.Mutex
	subscriptions map[string]bool
}

func (w *connWrapper) write(msg interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.WriteJSON(msg)
}

func (w *connWrapper) subscribed(eventType string) bool {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	return w.subscriptions[eventType] || w.subscriptions[""]
}

// MockHAServer speaks enough of the Home Assistant websocket API for the
// client: auth, get_states, subscribe_events, call_service and fire_event.
// Service calls on input_boolean, light, switch, cover and lock entities
// update their state like Home Assistant would.
type MockHAServer struct {
	server   *http.Server
	listener net.Listener
	token    string
	logger   *zap.Logger

	statesMu sync.RWMutex
	states   map[string]*ha.State

	connsMu     sync.Mutex
	connections []*connWrapper

	callsMu      sync.Mutex
	serviceCalls []ServiceCall
	firedEvents  []FiredEvent
}

// FiredEvent records a fire_event request
type FiredEvent struct {
	EventType string
	Data      map[string]interface{}
}

// NewMockHAServer creates a server accepting token. Use "127.0.0.1:0" as addr
// to listen on a free port.
func NewMockHAServer(addr, token string) *MockHAServer {
	return &MockHAServer{
		server: &http.Server{Addr: addr},
		token:  token,
		logger: zap.NewNop(),
		states: make(map[string]*ha.State),
	}
}

// Start listens and serves in the background
func (s *MockHAServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("mock HA server: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server.Handler = mux

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Mock HA server error", zap.Error(err))
		}
	}()
	return nil
}

// URL is the websocket URL clients connect to
func (s *MockHAServer) URL() string {
	return fmt.Sprintf("ws://%s/api/websocket", s.listener.Addr())
}

// Stop closes every connection and the listener
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, w := range s.connections {
		w.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()
	return s.server.Close()
}

// SetState stores a state and broadcasts state_changed when it differs
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]
	if attributes == nil && oldState != nil {
		attributes = oldState.Attributes
	}
	now := time.Now()
	newState := &ha.State{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	data, _ := json.Marshal(ha.StateChangedEvent{
		EntityID: entityID,
		OldState: oldState,
		NewState: newState,
	})
	s.broadcast(ha.EventStateChanged, data)
}

// GetState returns the stored state, nil when unknown
func (s *MockHAServer) GetState(entityID string) *ha.State {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// FireEvent broadcasts an event to subscribed clients as if another
// integration had fired it
func (s *MockHAServer) FireEvent(eventType string, data map[string]interface{}) {
	raw, _ := json.Marshal(data)
	s.broadcast(eventType, raw)
}

// Connections returns the number of authenticated connections
func (s *MockHAServer) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	wrapper := &connWrapper{conn: conn, subscriptions: make(map[string]bool)}
	wrapper.write(ha.Message{Type: "auth_required"})

	var auth ha.AuthMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.write(ha.Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(ha.Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()
	defer s.removeConnection(wrapper)

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		var head struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}

		switch head.Type {
		case "subscribe_events":
			var req ha.SubscribeEventsRequest
			_ = json.Unmarshal(raw, &req)
			wrapper.subMu.Lock()
			wrapper.subscriptions[req.EventType] = true
			wrapper.subMu.Unlock()
			s.ack(wrapper, head.ID, nil)
		case "get_states":
			s.statesMu.RLock()
			states := make([]*ha.State, 0, len(s.states))
			for _, st := range s.states {
				states = append(states, st)
			}
			s.statesMu.RUnlock()
			result, _ := json.Marshal(states)
			s.ack(wrapper, head.ID, result)
		case "call_service":
			var req ha.CallServiceRequest
			_ = json.Unmarshal(raw, &req)
			s.handleCallService(req)
			s.ack(wrapper, head.ID, nil)
		case "fire_event":
			var req ha.FireEventRequest
			_ = json.Unmarshal(raw, &req)
			s.callsMu.Lock()
			s.firedEvents = append(s.firedEvents, FiredEvent{EventType: req.EventType, Data: req.EventData})
			s.callsMu.Unlock()
			s.FireEvent(req.EventType, req.EventData)
			s.ack(wrapper, head.ID, nil)
		default:
			s.ack(wrapper, head.ID, nil)
		}
	}
}

func (s *MockHAServer) ack(w *connWrapper, id int, result json.RawMessage) {
	success := true
	w.write(ha.Message{ID: id, Type: "result", Success: &success, Result: result})
}

func (s *MockHAServer) removeConnection(w *connWrapper) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for i, other := range s.connections {
		if other == w {
			s.connections = append(s.connections[:i], s.connections[i+1:]...)
			return
		}
	}
}

// handleCallService records the call and applies its effect on the target
func (s *MockHAServer) handleCallService(req ha.CallServiceRequest) {
	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	entityID, _ := req.ServiceData["entity_id"].(string)
	if entityID == "" || s.GetState(entityID) == nil {
		return
	}

	switch req.Service {
	case "turn_on":
		s.SetState(entityID, "on", nil)
	case "turn_off":
		s.SetState(entityID, "off", nil)
	case "close_cover":
		s.SetState(entityID, "closed", nil)
	case "open_cover":
		s.SetState(entityID, "open", nil)
	case "lock":
		s.SetState(entityID, "locked", nil)
	case "unlock":
		s.SetState(entityID, "unlocked", nil)
	case "set_value":
		if v, ok := req.ServiceData["value"]; ok {
			s.SetState(entityID, fmt.Sprint(v), nil)
		}
	}
}

func (s *MockHAServer) broadcast(eventType string, data json.RawMessage) {
	msg := ha.Message{
		Type: "event",
		Event: &ha.Event{
			EventType: eventType,
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, w := range wrappers {
		if w.subscribed(eventType) {
			w.write(msg)
		}
	}
}

// GetServiceCalls returns all service calls since the last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// GetFiredEvents returns all fire_event requests since the last clear
func (s *MockHAServer) GetFiredEvents() []FiredEvent {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	events := make([]FiredEvent, len(s.firedEvents))
	copy(events, s.firedEvents)
	return events
}

// ClearServiceCalls resets the service call and event logs
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
	s.firedEvents = nil
}

// FindServiceCall returns the most recent matching call, nil when none. An
// empty entityID matches any target.
func (s *MockHAServer) FindServiceCall(domain, service, entityID string) *ServiceCall {
	return LastServiceCall(s.GetServiceCalls(), domain, service, func(c ServiceCall) bool {
		return entityID == "" || c.Target() == entityID
	})
}

// CountServiceCalls counts calls to domain/service
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	return len(FilterServiceCalls(s.GetServiceCalls(), domain, service))
}
