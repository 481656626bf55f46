package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"homerules/internal/metrics"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// TopicFormat is the MQTT topic a person's notifications are published to
	TopicFormat = "/notify/%s"
	// ActionTopic is where MQTT clients publish action replies
	ActionTopic = "/service/call"

	attrImageURL = "image_url"
)

// Request asks for a notification of Category. ResponseEntityID is the entity
// that action replies operate on.
type Request struct {
	Category         string                 `yaml:"category"`
	ResponseEntityID string                 `yaml:"response_entity_id"`
	Replacers        map[string]interface{} `yaml:"replacers"`
}

// Notifier sends notifications. Rules depend on this rather than on Service.
type Notifier interface {
	Notify(ctx context.Context, req Request) error
}

// Person receives notifications for the channels they subscribe to
type Person struct {
	Name string `yaml:"name"`
	// Service is the HA notify service, e.g. mobile_app_pixel
	Service string `yaml:"service"`
	// MQTT also publishes to /notify/<name>
	MQTT     bool      `yaml:"mqtt"`
	Channels []Channel `yaml:"channels"`
}

// Subscribed reports whether p receives notifications on c. No channels means all.
func (p Person) Subscribed(c Channel) bool {
	if len(p.Channels) == 0 {
		return true
	}
	for _, ch := range p.Channels {
		if strings.EqualFold(string(ch), string(c)) {
			return true
		}
	}
	return false
}

// ServiceCaller calls HA services. host.Environment implements it.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]interface{}) error
}

// Publisher publishes MQTT messages. *mqtt.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}, retained bool) error
}

// Service delivers notifications to the configured people
type Service struct {
	registry  *Registry
	people    []Person
	caller    ServiceCaller
	publisher Publisher
	readOnly  bool
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithPublisher enables MQTT delivery
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithReadOnly logs MQTT publications instead of sending them. Service calls
// go through the caller, which handles read-only mode itself.
func WithReadOnly(readOnly bool) Option {
	return func(s *Service) { s.readOnly = readOnly }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service delivering to people
func NewService(registry *Registry, people []Person, caller ServiceCaller, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		people:   people,
		caller:   caller,
		logger:   logger.Named("notify"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify sends req to every person subscribed to the category's channel. A
// failed delivery does not stop the others; all errors are returned together.
func (s *Service) Notify(ctx context.Context, req Request) error {
	category, ok := s.registry.Category(req.Category)
	if !ok {
		return fmt.Errorf("unknown notification category %q", req.Category)
	}

	var errs error
	for _, person := range s.people {
		if !person.Subscribed(category.Channel) {
			s.logger.Debug("Person not subscribed to channel",
				zap.String("person", person.Name),
				zap.String("channel", string(category.Channel)))
			continue
		}
		s.logger.Info("Notifying person",
			zap.String("person", person.Name),
			zap.String("category", category.Name),
			zap.String("channel", string(category.Channel)))

		if person.Service != "" {
			err := s.caller.CallService(ctx, "notify", person.Service, s.serviceData(category, req))
			s.record(category, "ha", err)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("notify %s via %s: %w", person.Name, person.Service, err))
			}
		}
		if person.MQTT {
			err := s.publish(ctx, person, category, req)
			s.record(category, "mqtt", err)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("notify %s via mqtt: %w", person.Name, err))
			}
		}
	}
	return errs
}

func (s *Service) record(category Category, transport string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Error("Failed to deliver notification",
			zap.String("category", category.Name),
			zap.String("transport", transport),
			zap.Error(err))
	}
	s.metrics.Notification(category.Name, transport, result)
}

// actionData is echoed back by clients when an action is chosen
func actionData(category Category, req Request) map[string]interface{} {
	data := map[string]interface{}{
		"category":  category.Key(),
		"entity_id": req.ResponseEntityID,
	}
	for k, v := range req.Replacers {
		if k == attrImageURL {
			continue
		}
		data[k] = v
	}
	return data
}

// serviceData builds the notify service payload understood by the HA
// companion apps
func (s *Service) serviceData(category Category, req Request) map[string]interface{} {
	sound := map[string]interface{}{"name": "default", "critical": 0, "volume": 0.0}
	presentation := []string{"alert"}
	if category.Critical {
		sound["critical"] = 1
		sound["volume"] = 1.0
		presentation = append(presentation, "sound")
	}

	actions := make([]map[string]interface{}, 0, len(category.Actions))
	for _, a := range s.registry.Actions(category) {
		actions = append(actions, map[string]interface{}{"action": a.Key(), "title": a.Text})
	}

	data := map[string]interface{}{
		"tag":   category.Key(),
		"group": string(category.Channel),
		"push": map[string]interface{}{
			"category":  category.Key(),
			"thread-id": category.Key(),
			"sound":     sound,
		},
		"presentation_options": presentation,
		"action_data":          actionData(category, req),
		"actions":              actions,
	}
	if category.Importance != "" {
		data["importance"] = strings.ToLower(category.Importance)
	}
	if url, ok := req.Replacers[attrImageURL].(string); ok && url != "" {
		data["image"] = url
	}

	return map[string]interface{}{
		"title":   category.Channel.Title(),
		"message": Format(category.Body, req.Replacers),
		"data":    data,
	}
}

type mqttAction struct {
	Text    string `json:"text"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

type mqttPayload struct {
	Channel  ChannelDescriptor `json:"channel"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	ImageURL *string           `json:"imageUrl"`
	Critical bool              `json:"critical"`
	Actions  []mqttAction      `json:"actions"`
}

func (s *Service) mqttPayload(category Category, req Request) (mqttPayload, error) {
	p := mqttPayload{
		Channel:  category.Channel.Info(),
		Title:    category.Channel.Title(),
		Body:     Format(category.Body, req.Replacers),
		Critical: category.Critical,
		Actions:  []mqttAction{},
	}
	if category.Importance != "" {
		p.Channel.Importance = strings.ToUpper(category.Importance)
	}
	if url, ok := req.Replacers[attrImageURL].(string); ok && url != "" {
		p.ImageURL = &url
	}

	for _, a := range s.registry.Actions(category) {
		reply, err := json.Marshal(map[string]interface{}{
			"actionName":  a.Key(),
			"action_data": actionData(category, req),
		})
		if err != nil {
			return p, fmt.Errorf("encode action %s: %w", a.Name, err)
		}
		p.Actions = append(p.Actions, mqttAction{Text: a.Text, Topic: ActionTopic, Payload: string(reply)})
	}
	return p, nil
}

func (s *Service) publish(ctx context.Context, person Person, category Category, req Request) error {
	if s.publisher == nil {
		return fmt.Errorf("no MQTT broker configured")
	}
	payload, err := s.mqttPayload(category, req)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf(TopicFormat, strings.ToLower(person.Name))
	if s.readOnly {
		s.logger.Info("READ-ONLY: Would publish notification",
			zap.String("topic", topic),
			zap.Any("payload", payload))
		return nil
	}
	return s.publisher.Publish(ctx, topic, payload, false)
}
