package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HAClient defines the interface for the Home Assistant WebSocket client
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	// GetState returns the entity's state, or nil when the entity does not exist
	GetState(ctx context.Context, entityID string) (*State, error)
	GetAllStates(ctx context.Context) ([]*State, error)
	CallService(ctx context.Context, domain, service string, data map[string]interface{}) error
	FireEvent(ctx context.Context, eventType string, data map[string]interface{}) error
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SubscribeEvents(eventType string, handler EventHandler) (Subscription, error)
}

const requestTimeout = 10 * time.Second

// Client implements HAClient over the Home Assistant WebSocket API
type Client struct {
	url         string
	token       string
	logger      *zap.Logger
	conn        *websocket.Conn
	connected   bool
	connMu      sync.RWMutex
	msgID       int
	msgIDMu     sync.Mutex
	pending     map[int]chan Message
	pendingMu   sync.Mutex
	subscribers *subscribers
	ctx         context.Context
	cancel      context.CancelFunc
	reconnect   bool
	writeMu     sync.Mutex
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:         url,
		token:       token,
		logger:      logger.Named("ha"),
		pending:     make(map[int]chan Message),
		subscribers: newSubscribers(),
		ctx:         ctx,
		cancel:      cancel,
		reconnect:   true,
	}
}

// Connect establishes the WebSocket connection, authenticates and subscribes
// to state_changed plus every event type that already has handlers.
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant", zap.String("url", c.url))

	ctx := c.ctx
	go c.receiveMessages(ctx, conn)

	// subscribeEvents takes connMu through sendMessage
	c.connMu.Unlock()

	if err := c.subscribeEvents(ctx, EventStateChanged); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}
	for _, eventType := range c.subscribers.eventTypes() {
		if eventType == EventStateChanged {
			continue
		}
		if err := c.subscribeEvents(ctx, eventType); err != nil {
			c.logger.Warn("Failed to resubscribe to event",
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}

	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the WebSocket connection and drops every subscription
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.subscribers.clear()
	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage writes a request with the given id and waits for its result
func (c *Client) sendMessage(ctx context.Context, msgID int, msg interface{}) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	conn := c.conn
	clientCtx := c.ctx
	c.connMu.RUnlock()

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response to message %d", msgID)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-clientCtx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == msgTypeEvent {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}
	dispatchEvent(c.logger, c.subscribers, msg.Event)
}

// dispatchEvent routes an event to entity handlers (state_changed) and to
// handlers of its event type
func dispatchEvent(logger *zap.Logger, subs *subscribers, event *Event) {
	if event.EventType == EventStateChanged {
		var changed StateChangedEvent
		if err := json.Unmarshal(event.Data, &changed); err != nil {
			logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
			return
		}
		for _, handler := range subs.stateHandlers(changed.EntityID) {
			handler(changed.EntityID, changed.OldState, changed.NewState)
		}
	}

	handlers := subs.eventHandlers(event.EventType)
	if len(handlers) == 0 {
		return
	}
	data := make(map[string]interface{})
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &data); err != nil {
			logger.Error("Failed to unmarshal event data",
				zap.String("event_type", event.EventType),
				zap.Error(err))
			return
		}
	}
	for _, handler := range handlers {
		handler(event.EventType, data)
	}
}

func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")

	if !reconnect {
		return
	}
	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		time.Sleep(backoff)

		c.connMu.RLock()
		stop := !c.reconnect || c.connected
		c.connMu.RUnlock()
		if stop {
			return
		}

		c.logger.Info("Attempting to reconnect...")
		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

func (c *Client) subscribeEvents(ctx context.Context, eventType string) error {
	msgID := c.nextMsgID()
	_, err := c.sendMessage(ctx, msgID, &SubscribeEventsRequest{
		ID:        msgID,
		Type:      msgTypeSubscribeEvents,
		EventType: eventType,
	})
	return err
}

// GetState retrieves the state of an entity, nil when it does not exist
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	states, err := c.GetAllStates(ctx)
	if err != nil {
		return nil, err
	}

	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}
	return nil, nil
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates(ctx context.Context) ([]*State, error) {
	msgID := c.nextMsgID()
	resp, err := c.sendMessage(ctx, msgID, &GetStatesRequest{
		ID:   msgID,
		Type: msgTypeGetStates,
	})
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}
	return states, nil
}

// CallService calls a Home Assistant service
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]interface{}) error {
	msgID := c.nextMsgID()
	_, err := c.sendMessage(ctx, msgID, &CallServiceRequest{
		ID:          msgID,
		Type:        msgTypeCallService,
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	if err != nil {
		return fmt.Errorf("call %s.%s: %w", domain, service, err)
	}
	return nil
}

// FireEvent fires an event on the Home Assistant bus
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	msgID := c.nextMsgID()
	_, err := c.sendMessage(ctx, msgID, &FireEventRequest{
		ID:        msgID,
		Type:      msgTypeFireEvent,
		EventType: eventType,
		EventData: data,
	})
	if err != nil {
		return fmt.Errorf("fire %s: %w", eventType, err)
	}
	return nil
}

// SubscribeStateChanges subscribes to state changes for a specific entity
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	return c.subscribers.addState(entityID, handler), nil
}

// SubscribeEvents subscribes to events of eventType. The first handler for a
// type subscribes on the server when connected; later ones share it.
func (c *Client) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	sub, first := c.subscribers.addEvent(eventType, handler)
	if !first || eventType == EventStateChanged || !c.IsConnected() {
		return sub, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := c.subscribeEvents(ctx, eventType); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to subscribe to %s events: %w", eventType, err)
	}
	return sub, nil
}
