// Package host adapts Home Assistant and MQTT to the operations rules consume:
// state reads, state and event listeners, timers and service calls. Every
// callback is delivered through a single Dispatcher.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"homerules/internal/clock"
	"homerules/internal/condition"
	"homerules/internal/ha"
	"homerules/internal/listener"
	"homerules/internal/mqtt"

	"go.uber.org/zap"
)

// MQTTEventPrefix routes ListenEvent names to MQTT topics instead of the HA bus
const MQTTEventPrefix = "mqtt:"

// StateCallback receives an entity change. oldValue is Null for immediate deliveries.
type StateCallback func(ctx context.Context, entityID, attribute string, oldValue, newValue condition.Value)

// EventCallback receives an event payload
type EventCallback func(ctx context.Context, eventName string, data map[string]interface{})

// TimerCallback runs when a RunIn delay elapses
type TimerCallback func(ctx context.Context)

// ListenOptions narrows a state listener
type ListenOptions struct {
	// Attribute listens to one attribute instead of the state
	Attribute string
	// Old and New only deliver changes from/to the given value
	Old *condition.Value
	New *condition.Value
	// Immediate delivers the current value once right after registration
	Immediate bool
}

// Host is the environment rules run in
type Host interface {
	condition.StateReader
	ListenState(ctx context.Context, entityID string, opts ListenOptions, cb StateCallback) (*listener.Handle, error)
	ListenEvent(ctx context.Context, eventName string, cb EventCallback) (*listener.Handle, error)
	RunIn(ctx context.Context, delay time.Duration, cb TimerCallback) (*listener.Handle, error)
	CallService(ctx context.Context, domain, service string, data map[string]interface{}) error
	FireEvent(ctx context.Context, eventType string, data map[string]interface{}) error
	Now() time.Time
}

// EventSource subscribes to message topics. *mqtt.Client implements it.
type EventSource interface {
	Subscribe(topic string, handler mqtt.MessageHandler) (func() error, error)
}

// Environment implements Host on top of the HA client
type Environment struct {
	client     ha.HAClient
	events     EventSource
	clock      clock.Clock
	dispatcher *Dispatcher
	readOnly   bool
	logger     *zap.Logger
}

// Option configures an Environment
type Option func(*Environment)

// WithEventSource routes "mqtt:" event names to source
func WithEventSource(source EventSource) Option {
	return func(e *Environment) { e.events = source }
}

// WithReadOnly makes CallService log instead of calling
func WithReadOnly(readOnly bool) Option {
	return func(e *Environment) { e.readOnly = readOnly }
}

// NewEnvironment creates an Environment and starts its dispatcher
func NewEnvironment(client ha.HAClient, clk clock.Clock, logger *zap.Logger, opts ...Option) *Environment {
	e := &Environment{
		client: client,
		clock:  clk,
		logger: logger.Named("host"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher = NewDispatcher(logger)
	return e
}

// Dispatcher returns the dispatcher every callback runs on
func (e *Environment) Dispatcher() *Dispatcher {
	return e.dispatcher
}

// Flush waits until every queued callback has run
func (e *Environment) Flush() {
	e.dispatcher.Flush()
}

// Close stops callback delivery
func (e *Environment) Close() {
	e.dispatcher.Close()
}

// ReadOnly reports whether service calls are suppressed
func (e *Environment) ReadOnly() bool {
	return e.readOnly
}

func (e *Environment) Now() time.Time {
	return e.clock.Now()
}

// GetState returns the entity state or attribute, Null when either is absent
func (e *Environment) GetState(ctx context.Context, entityID, attribute string) (condition.Value, error) {
	state, err := e.client.GetState(ctx, entityID)
	if err != nil {
		return condition.Null, fmt.Errorf("get state of %s: %w", entityID, err)
	}
	return stateValue(state, attribute), nil
}

// GetAttributes returns the entity's attributes, nil when it does not exist
func (e *Environment) GetAttributes(ctx context.Context, entityID string) (map[string]interface{}, error) {
	state, err := e.client.GetState(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("get attributes of %s: %w", entityID, err)
	}
	if state == nil {
		return nil, nil
	}
	return state.Attributes, nil
}

func stateValue(state *ha.State, attribute string) condition.Value {
	if state == nil {
		return condition.Null
	}
	if attribute == "" {
		return condition.String(state.State)
	}
	v, ok := state.Attribute(attribute)
	if !ok {
		return condition.Null
	}
	return condition.ValueOf(v)
}

// ListenState registers cb for changes of entityID (or one of its attributes).
// Changes that leave the watched value unchanged are not delivered.
func (e *Environment) ListenState(ctx context.Context, entityID string, opts ListenOptions, cb StateCallback) (*listener.Handle, error) {
	var sub ha.Subscription
	h := listener.NewHandle(listener.KindState, entityID, func(ctx context.Context) error {
		return sub.Unsubscribe()
	})
	deliver := func(oldValue, newValue condition.Value) {
		e.dispatcher.Submit("state:"+entityID, func(ctx context.Context) {
			if !h.Active() {
				return
			}
			cb(ctx, entityID, opts.Attribute, oldValue, newValue)
		})
	}

	var err error
	sub, err = e.client.SubscribeStateChanges(entityID, func(_ string, oldState, newState *ha.State) {
		oldValue := stateValue(oldState, opts.Attribute)
		newValue := stateValue(newState, opts.Attribute)
		if oldValue.Equal(newValue) {
			return
		}
		if !matches(opts.Old, oldValue) || !matches(opts.New, newValue) {
			return
		}
		deliver(oldValue, newValue)
	})
	if err != nil {
		return nil, fmt.Errorf("listen to %s: %w", entityID, err)
	}

	if opts.Immediate {
		current, err := e.GetState(ctx, entityID, opts.Attribute)
		if err != nil {
			e.logger.Warn("Failed to read state for immediate delivery",
				zap.String("entity_id", entityID),
				zap.Error(err))
		}
		if matches(opts.New, current) {
			deliver(condition.Null, current)
		}
	}

	e.logger.Debug("Listening to state",
		zap.String("entity_id", entityID),
		zap.String("attribute", opts.Attribute),
		zap.String("handle", h.ID()))
	return h, nil
}

// matches reports whether v passes filter. Null only matches a Null filter.
func matches(filter *condition.Value, v condition.Value) bool {
	if filter == nil {
		return true
	}
	if v.IsNull() || filter.IsNull() {
		return v.IsNull() && filter.IsNull()
	}
	eq, err := condition.Compare(v, condition.Equal, *filter)
	return err == nil && eq
}

// ListenEvent registers cb for an HA bus event, or an MQTT topic when the name
// starts with "mqtt:".
func (e *Environment) ListenEvent(ctx context.Context, eventName string, cb EventCallback) (*listener.Handle, error) {
	var unsubscribe func() error
	h := listener.NewHandle(listener.KindEvent, eventName, func(ctx context.Context) error {
		return unsubscribe()
	})
	deliver := func(data map[string]interface{}) {
		e.dispatcher.Submit("event:"+eventName, func(ctx context.Context) {
			if !h.Active() {
				return
			}
			cb(ctx, eventName, data)
		})
	}

	if topic, ok := strings.CutPrefix(eventName, MQTTEventPrefix); ok {
		if e.events == nil {
			return nil, fmt.Errorf("listen to %s: no MQTT broker configured", eventName)
		}
		var err error
		unsubscribe, err = e.events.Subscribe(topic, func(topic string, payload []byte) {
			deliver(decodePayload(topic, payload))
		})
		if err != nil {
			return nil, fmt.Errorf("listen to %s: %w", eventName, err)
		}
		return h, nil
	}

	sub, err := e.client.SubscribeEvents(eventName, func(_ string, data map[string]interface{}) {
		deliver(data)
	})
	if err != nil {
		return nil, fmt.Errorf("listen to %s: %w", eventName, err)
	}
	unsubscribe = sub.Unsubscribe
	return h, nil
}

// decodePayload returns a JSON object payload as is, anything else under "payload"
func decodePayload(topic string, payload []byte) map[string]interface{} {
	data := make(map[string]interface{})
	if err := json.Unmarshal(payload, &data); err != nil || data == nil {
		data = map[string]interface{}{"payload": string(payload)}
	}
	data["topic"] = topic
	return data
}

// RunIn calls cb once delay has elapsed on the Environment clock
func (e *Environment) RunIn(ctx context.Context, delay time.Duration, cb TimerCallback) (*listener.Handle, error) {
	var timer clock.Timer
	h := listener.NewHandle(listener.KindTimer, delay.String(), func(ctx context.Context) error {
		timer.Stop()
		return nil
	})
	timer = e.clock.AfterFunc(delay, func() {
		e.dispatcher.Submit("timer", func(ctx context.Context) {
			if !h.Active() {
				return
			}
			cb(ctx)
		})
	})
	return h, nil
}

// CallService calls an HA service, or logs the call in read-only mode
func (e *Environment) CallService(ctx context.Context, domain, service string, data map[string]interface{}) error {
	if e.readOnly {
		e.logger.Info("READ-ONLY: Would call service",
			zap.String("domain", domain),
			zap.String("service", service),
			zap.Any("data", data))
		return nil
	}
	return e.client.CallService(ctx, domain, service, data)
}

// FireEvent fires an event on the HA bus, or logs it in read-only mode
func (e *Environment) FireEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	if e.readOnly {
		e.logger.Info("READ-ONLY: Would fire event",
			zap.String("event_type", eventType),
			zap.Any("data", data))
		return nil
	}
	return e.client.FireEvent(ctx, eventType, data)
}
