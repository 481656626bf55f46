package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// MockClient implements HAClient in memory for tests. Handlers run
// synchronously on the goroutine that changes state or fires the event.
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	subscribers  *subscribers
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	firedEvents  []FiredEvent
	callsMu      sync.Mutex
	serviceErrs  map[string]error
	readErrs     map[string]error
	errsMu       sync.RWMutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// FiredEvent records an event fired through FireEvent
type FiredEvent struct {
	EventType string
	Data      map[string]interface{}
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:      make(map[string]*State),
		subscribers: newSubscribers(),
		serviceErrs: make(map[string]error),
		readErrs:    make(map[string]error),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	m.subscribers.clear()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState returns a copy of the mock state, nil for unknown entities
func (m *MockClient) GetState(ctx context.Context, entityID string) (*State, error) {
	m.errsMu.RLock()
	err := m.readErrs[entityID]
	m.errsMu.RUnlock()
	if err != nil {
		return nil, err
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, nil
	}
	return copyState(state), nil
}

// GetAllStates returns copies of every mock state
func (m *MockClient) GetAllStates(ctx context.Context) ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, copyState(state))
	}
	return states, nil
}

// CallService records a service call and applies turn_on/turn_off/set_value
// to the targeted entity so follow-up reads see the effect
func (m *MockClient) CallService(ctx context.Context, domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	m.errsMu.RLock()
	err := m.serviceErrs[domain+"."+service]
	m.errsMu.RUnlock()
	if err != nil {
		return err
	}

	if entityID, ok := data["entity_id"].(string); ok {
		m.applyServiceCall(entityID, service, data)
	}
	return nil
}

// FireEvent records the event and delivers it to event subscribers
func (m *MockClient) FireEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	m.callsMu.Lock()
	m.firedEvents = append(m.firedEvents, FiredEvent{EventType: eventType, Data: data})
	m.callsMu.Unlock()

	m.SimulateEvent(eventType, data)
	return nil
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	return m.subscribers.addState(entityID, handler), nil
}

// SubscribeEvents subscribes to events of eventType
func (m *MockClient) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	sub, _ := m.subscribers.addEvent(eventType, handler)
	return sub, nil
}

// SetState sets a mock state and notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	now := time.Now()
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	m.statesMu.Lock()
	oldState := m.states[entityID]
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notify(entityID, oldState, newState)
}

// SimulateStateChange changes an entity's state, keeping its attributes
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.RLock()
	var attributes map[string]interface{}
	if old, ok := m.states[entityID]; ok {
		attributes = old.Attributes
	}
	m.statesMu.RUnlock()

	m.SetState(entityID, newStateValue, attributes)
}

// SimulateEvent delivers an event to subscribers without recording it
func (m *MockClient) SimulateEvent(eventType string, data map[string]interface{}) {
	raw, _ := json.Marshal(data)
	dispatchEvent(nopLogger, m.subscribers, &Event{
		EventType: eventType,
		Data:      raw,
		TimeFired: time.Now(),
	})
}

// SetServiceError makes calls to domain.service fail with err. A nil err clears it.
func (m *MockClient) SetServiceError(domain, service string, err error) {
	m.errsMu.Lock()
	defer m.errsMu.Unlock()
	if err == nil {
		delete(m.serviceErrs, domain+"."+service)
		return
	}
	m.serviceErrs[domain+"."+service] = err
}

// SetReadError makes GetState for entityID fail with err. A nil err clears it.
func (m *MockClient) SetReadError(entityID string, err error) {
	m.errsMu.Lock()
	defer m.errsMu.Unlock()
	if err == nil {
		delete(m.readErrs, entityID)
		return
	}
	m.readErrs[entityID] = err
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// GetFiredEvents returns all events fired through FireEvent
func (m *MockClient) GetFiredEvents() []FiredEvent {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	events := make([]FiredEvent, len(m.firedEvents))
	copy(events, m.firedEvents)
	return events
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = nil
	m.firedEvents = nil
}

// SubscriberCount returns the number of live state and event subscriptions
func (m *MockClient) SubscriberCount() int {
	return m.subscribers.count()
}

func (m *MockClient) applyServiceCall(entityID, service string, data map[string]interface{}) {
	m.statesMu.RLock()
	old := m.states[entityID]
	m.statesMu.RUnlock()

	var next string
	switch service {
	case "turn_on":
		next = "on"
	case "turn_off":
		next = "off"
	case "set_value", "select_option":
		v, ok := data["value"]
		if !ok {
			v = data["option"]
		}
		next = fmt.Sprintf("%v", v)
	default:
		return
	}

	if old != nil && old.State == next {
		return
	}
	var attributes map[string]interface{}
	if old != nil {
		attributes = old.Attributes
	}
	m.SetState(entityID, next, attributes)
}

func (m *MockClient) notify(entityID string, oldState, newState *State) {
	event, _ := json.Marshal(StateChangedEvent{EntityID: entityID, OldState: oldState, NewState: newState})
	dispatchEvent(nopLogger, m.subscribers, &Event{
		EventType: EventStateChanged,
		Data:      event,
		TimeFired: time.Now(),
	})
}

func copyState(s *State) *State {
	out := *s
	if s.Attributes != nil {
		out.Attributes = make(map[string]interface{}, len(s.Attributes))
		for k, v := range s.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}
