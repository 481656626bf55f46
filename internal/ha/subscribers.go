package ha

import "sync"

type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

type eventSubscriberEntry struct {
	subID   int
	handler EventHandler
}

// subscribers tracks state and event handlers for Client and MockClient
type subscribers struct {
	mu        sync.RWMutex
	nextSubID int
	states    map[string][]subscriberEntry
	events    map[string][]eventSubscriberEntry
}

func newSubscribers() *subscribers {
	return &subscribers{
		states: make(map[string][]subscriberEntry),
		events: make(map[string][]eventSubscriberEntry),
	}
}

// addState registers handler for entityID and returns its subscription
func (s *subscribers) addState(entityID string, handler StateChangeHandler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	s.states[entityID] = append(s.states[entityID], subscriberEntry{subID: s.nextSubID, handler: handler})
	return &subscription{key: entityID, subID: s.nextSubID, owner: s}
}

// addEvent registers handler for eventType. first reports whether it is the
// first handler for that type.
func (s *subscribers) addEvent(eventType string, handler EventHandler) (sub Subscription, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	first = len(s.events[eventType]) == 0
	s.events[eventType] = append(s.events[eventType], eventSubscriberEntry{subID: s.nextSubID, handler: handler})
	return &subscription{key: eventType, subID: s.nextSubID, isEvent: true, owner: s}, first
}

func (s *subscribers) removeState(entityID string, subID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.states[entityID]
	for i, entry := range entries {
		if entry.subID == subID {
			s.states[entityID] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.states[entityID]) == 0 {
		delete(s.states, entityID)
	}
}

func (s *subscribers) removeEvent(eventType string, subID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.events[eventType]
	for i, entry := range entries {
		if entry.subID == subID {
			s.events[eventType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s.events[eventType]) == 0 {
		delete(s.events, eventType)
	}
}

// stateHandlers returns a copy of the handlers for entityID
func (s *subscribers) stateHandlers(entityID string) []StateChangeHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StateChangeHandler, 0, len(s.states[entityID]))
	for _, entry := range s.states[entityID] {
		out = append(out, entry.handler)
	}
	return out
}

// eventHandlers returns a copy of the handlers for eventType
func (s *subscribers) eventHandlers(eventType string) []EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EventHandler, 0, len(s.events[eventType]))
	for _, entry := range s.events[eventType] {
		out = append(out, entry.handler)
	}
	return out
}

// eventTypes lists the event types with at least one handler
func (s *subscribers) eventTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.events))
	for eventType := range s.events {
		out = append(out, eventType)
	}
	return out
}

func (s *subscribers) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, entries := range s.states {
		n += len(entries)
	}
	for _, entries := range s.events {
		n += len(entries)
	}
	return n
}

func (s *subscribers) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states = make(map[string][]subscriberEntry)
	s.events = make(map[string][]eventSubscriberEntry)
}

type subscription struct {
	key     string
	subID   int
	isEvent bool
	owner   *subscribers
	once    sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		if s.isEvent {
			s.owner.removeEvent(s.key, s.subID)
		} else {
			s.owner.removeState(s.key, s.subID)
		}
	})
	return nil
}
