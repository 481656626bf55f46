package notify

import (
	"context"
	"fmt"

	"homerules/internal/host"
	"homerules/internal/listener"

	"go.uber.org/zap"
)

// Events carrying notification action replies from the companion apps
const (
	EventMobileAppAction = "mobile_app_notification_action"
	EventIOSAction       = "ios.notification_action_fired"
	EventHTML5Clicked    = "html5_notification.clicked"

	// AcknowledgeEventPrefix is fired for actions without a service
	AcknowledgeEventPrefix = "notification_action."
)

// ActionProcessor calls the service behind a notification action when a
// person taps it
type ActionProcessor struct {
	host       host.Host
	registry   *Registry
	listenMQTT bool
	handles    *listener.Set
	logger     *zap.Logger
}

// NewActionProcessor creates a processor. With listenMQTT it also accepts
// replies published on ActionTopic.
func NewActionProcessor(h host.Host, registry *Registry, listenMQTT bool, logger *zap.Logger) *ActionProcessor {
	return &ActionProcessor{
		host:       h,
		registry:   registry,
		listenMQTT: listenMQTT,
		handles:    listener.NewSet(),
		logger:     logger.Named("notify_actions"),
	}
}

// Start listens for action events
func (p *ActionProcessor) Start(ctx context.Context) error {
	events := []string{EventIOSAction, EventMobileAppAction, EventHTML5Clicked}
	if p.listenMQTT {
		events = append(events, host.MQTTEventPrefix+ActionTopic)
	}

	for _, event := range events {
		h, err := p.host.ListenEvent(ctx, event, p.handleEvent)
		if err != nil {
			_ = p.handles.CancelAll(ctx)
			return fmt.Errorf("failed to listen for %s: %w", event, err)
		}
		p.handles.Add(ctx, h)
		p.logger.Debug("Listening for notification actions", zap.String("event", event))
	}
	p.logger.Info("Notification action processor started")
	return nil
}

// Stop cancels every listener
func (p *ActionProcessor) Stop(ctx context.Context) error {
	return p.handles.CancelAll(ctx)
}

func (p *ActionProcessor) handleEvent(ctx context.Context, eventName string, data map[string]interface{}) {
	p.logger.Debug("Notification action received",
		zap.String("event", eventName),
		zap.Any("data", data))

	name, _ := data["actionName"].(string)
	if name == "" {
		name, _ = data["action"].(string)
	}
	action, ok := p.registry.Action(name)
	if !ok {
		p.logger.Warn("No action found", zap.String("action", name), zap.Any("data", data))
		return
	}

	payload := data
	if eventName == EventHTML5Clicked {
		payload, _ = data["data"].(map[string]interface{})
	}
	var replyData map[string]interface{}
	if payload != nil {
		replyData, _ = payload["action_data"].(map[string]interface{})
	}

	if action.Service == "" {
		p.acknowledge(ctx, action, replyData)
		return
	}

	entityID, _ := replyData["entity_id"].(string)
	if entityID == "" {
		p.logger.Warn("Action reply has no entity", zap.String("action", action.Name))
		return
	}
	domain, service, _ := action.Split()
	p.logger.Info("Calling service for notification action",
		zap.String("action", action.Name),
		zap.String("service", action.Service),
		zap.String("entity_id", entityID))
	if err := p.host.CallService(ctx, domain, service, map[string]interface{}{"entity_id": entityID}); err != nil {
		p.logger.Error("Failed to call service for notification action",
			zap.String("action", action.Name),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

func (p *ActionProcessor) acknowledge(ctx context.Context, action Action, replyData map[string]interface{}) {
	ackID, _ := replyData["acknowledge_id"].(string)
	if ackID == "" {
		ackID, _ = replyData["category"].(string)
	}
	if ackID == "" {
		p.logger.Debug("Acknowledge action without id", zap.String("action", action.Name))
		return
	}

	event := AcknowledgeEventPrefix + ackID
	p.logger.Info("Firing acknowledge event", zap.String("event", event))
	if err := p.host.FireEvent(ctx, event, map[string]interface{}{"action": action.Key()}); err != nil {
		p.logger.Error("Failed to fire acknowledge event", zap.String("event", event), zap.Error(err))
	}
}
