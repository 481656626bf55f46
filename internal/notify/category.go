// Package notify delivers categorised notifications to people through the HA
// notify service and MQTT, and turns notification action replies back into
// service calls.
package notify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Channel groups categories; people subscribe to channels
type Channel string

const (
	ChannelSecurity   Channel = "SECURITY"
	ChannelPresence   Channel = "PRESENCE"
	ChannelTraining   Channel = "TRAINING"
	ChannelWarning    Channel = "WARNING"
	ChannelImportant  Channel = "IMPORTANT"
	ChannelJamesAlert Channel = "JAMES_ALERT"
	ChannelSafety     Channel = "SAFETY"
	ChannelInfo       Channel = "INFO"
)

// ChannelDescriptor describes a channel to clients that render notifications
type ChannelDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Visibility  string `json:"visibility"`
	Description string `json:"description"`
	Importance  string `json:"importance"`
}

const (
	visibilityPrivate = "PRIVATE"
	visibilityPublic  = "PUBLIC"

	ImportanceHigh = "HIGH"
	ImportanceMid  = "MID"
	ImportanceLow  = "LOW"
)

var channels = map[Channel]ChannelDescriptor{
	ChannelSecurity:   {Visibility: visibilityPrivate, Description: "Security event notifications", Importance: ImportanceHigh},
	ChannelPresence:   {Visibility: visibilityPublic, Description: "Presence detection notifications", Importance: ImportanceMid},
	ChannelTraining:   {Visibility: visibilityPrivate, Description: "Reinforcement training", Importance: ImportanceLow},
	ChannelWarning:    {Visibility: visibilityPublic, Description: "Warning messages", Importance: ImportanceMid},
	ChannelImportant:  {Visibility: visibilityPrivate, Description: "Important messages", Importance: ImportanceHigh},
	ChannelJamesAlert: {Visibility: visibilityPrivate, Description: "Personal alerts", Importance: ImportanceHigh},
	ChannelSafety:     {Visibility: visibilityPublic, Description: "Safety alerts", Importance: ImportanceHigh},
	ChannelInfo:       {Visibility: visibilityPublic, Description: "Informational messages", Importance: ImportanceLow},
}

// Valid reports whether c is a known channel, ignoring case
func (c Channel) Valid() bool {
	_, ok := channels[Channel(strings.ToUpper(string(c)))]
	return ok
}

// Title is the channel name as shown in a notification title
func (c Channel) Title() string {
	words := strings.Split(strings.ToLower(string(c)), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Info returns the channel descriptor sent with MQTT notifications
func (c Channel) Info() ChannelDescriptor {
	info := channels[c]
	info.ID = string(c)
	info.Name = c.Title()
	return info
}

// AllChannels returns every known channel in a stable order
func AllChannels() []Channel {
	out := make([]Channel, 0, len(channels))
	for c := range channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Action is a button attached to a notification. Service is "domain/service";
// actions without one only acknowledge.
type Action struct {
	Name    string `yaml:"name"`
	Text    string `yaml:"text"`
	Service string `yaml:"service"`
}

// Key is the identifier sent to clients and matched on replies
func (a Action) Key() string {
	return normalize(a.Name)
}

// Split returns the domain and service of the action's service call
func (a Action) Split() (domain, service string, ok bool) {
	return strings.Cut(a.Service, "/")
}

// Category is a kind of notification: its channel, body template and actions
type Category struct {
	Name       string   `yaml:"name"`
	Channel    Channel  `yaml:"channel"`
	Body       string   `yaml:"body"`
	Actions    []string `yaml:"actions"`
	Importance string   `yaml:"importance"`
	Critical   bool     `yaml:"critical"`
}

// Key identifies the category to clients (thread ids, action data)
func (c Category) Key() string {
	return normalize(c.Name)
}

func normalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "")
}

var builtinActions = []Action{
	{Name: "close_cover", Text: "Close", Service: "cover/close_cover"},
	{Name: "open_cover", Text: "Open", Service: "cover/open_cover"},
	{Name: "lock", Text: "Lock", Service: "lock/lock"},
	{Name: "unlock", Text: "Unlock", Service: "lock/unlock"},
	{Name: "timeout_delay_acknowledge", Text: "Acknowledge"},
	{Name: "timeout_delay_silence", Text: "Silence Temporarily"},
	{Name: "alarm_disarm", Text: "Disarm", Service: "alarm_control_panel/alarm_disarm"},
	{Name: "alarm_arm_away", Text: "Arm Away", Service: "alarm_control_panel/alarm_arm_away"},
	{Name: "alarm_arm_home", Text: "Arm Home", Service: "alarm_control_panel/alarm_arm_home"},
	{Name: "train_good", Text: "Good", Service: "training/good"},
	{Name: "train_bad", Text: "Bad", Service: "training/bad"},
}

var builtinCategories = []Category{
	{Name: "security_cover_opened", Channel: ChannelSecurity, Body: "Opened {entity_name} for {person_name}", Actions: []string{"close_cover"}},
	{Name: "security_cover_closed", Channel: ChannelSecurity, Body: "Closed {entity_name} for {person_name}", Actions: []string{"open_cover"}},
	{Name: "security_cover_closed_timeout", Channel: ChannelSecurity, Body: "Closed {entity_name}", Actions: []string{"open_cover"}},
	{Name: "security_locked", Channel: ChannelSecurity, Body: "Locked {entity_name} for {person_name}", Actions: []string{"unlock"}},
	{Name: "security_lock_timeout", Channel: ChannelSecurity, Body: "Locked {entity_name}", Actions: []string{"unlock"}},
	{Name: "security_lock_timeout_delay", Channel: ChannelSecurity, Body: "Locking of {entity_name} delayed", Actions: []string{"timeout_delay_acknowledge", "timeout_delay_silence"}},
	{Name: "security_unlocked", Channel: ChannelSecurity, Body: "Unlocked {entity_name} for {person_name}", Actions: []string{"lock"}},
	{Name: "security_alarm_disarmed", Channel: ChannelSecurity, Body: "Disarmed alarm", Actions: []string{"alarm_arm_away", "alarm_arm_home"}},
	{Name: "security_alarm_arm_home", Channel: ChannelSecurity, Body: "Armed while home", Actions: []string{"alarm_disarm", "alarm_arm_away"}},
	{Name: "security_alarm_arm_away", Channel: ChannelSecurity, Body: "Armed while away", Actions: []string{"alarm_disarm", "alarm_arm_home"}},
	{Name: "security_alarm_trigger", Channel: ChannelSecurity, Body: "Alarm triggered", Actions: []string{"alarm_disarm"}},
	{Name: "presence_person_arrived", Channel: ChannelPresence, Body: "{person_name} has arrived"},
	{Name: "presence_person_departed", Channel: ChannelPresence, Body: "{person_name} has left"},
	{Name: "presence_person_detected", Channel: ChannelPresence, Body: "Someone is at {location}", Actions: []string{"lock", "unlock"}},
	{Name: "train", Channel: ChannelTraining, Body: "I performed $action on {entity_name}", Actions: []string{"train_good", "train_bad"}},
	{Name: "info_laundry_done", Channel: ChannelInfo, Body: "{laundry_machine} is done"},
	{Name: "info_appliance_done", Channel: ChannelInfo, Body: "The {appliance_name} is done."},
	{Name: "warning_low_battery", Channel: ChannelWarning, Body: "Time to replace {entity_name}'s battery"},
}

// Registry resolves category and action names. Lookups are case-insensitive.
type Registry struct {
	mu         sync.RWMutex
	categories map[string]Category
	actions    map[string]Action
}

// NewRegistry returns a registry holding the built-in categories and actions
func NewRegistry() *Registry {
	r := &Registry{
		categories: make(map[string]Category),
		actions:    make(map[string]Action),
	}
	for _, a := range builtinActions {
		r.actions[a.Key()] = a
	}
	for _, c := range builtinCategories {
		r.categories[strings.ToLower(c.Name)] = c
	}
	return r
}

// RegisterAction adds or replaces an action
func (r *Registry) RegisterAction(a Action) error {
	if a.Name == "" {
		return fmt.Errorf("action name is required")
	}
	if a.Text == "" {
		a.Text = a.Name
	}
	if a.Service != "" {
		if domain, service, ok := a.Split(); !ok || domain == "" || service == "" {
			return fmt.Errorf("action %s: service %q must be domain/service", a.Name, a.Service)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.Key()] = a
	return nil
}

// Register adds or replaces a category. Its channel and actions must be known.
func (r *Registry) Register(c Category) error {
	if c.Name == "" {
		return fmt.Errorf("category name is required")
	}
	c.Channel = Channel(strings.ToUpper(string(c.Channel)))
	if !c.Channel.Valid() {
		return fmt.Errorf("category %s: unknown channel %q", c.Name, c.Channel)
	}
	if c.Body == "" {
		return fmt.Errorf("category %s: body is required", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range c.Actions {
		if _, ok := r.actions[normalize(name)]; !ok {
			return fmt.Errorf("category %s: unknown action %q", c.Name, name)
		}
	}
	r.categories[strings.ToLower(c.Name)] = c
	return nil
}

func (r *Registry) Category(name string) (Category, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.categories[strings.ToLower(name)]
	return c, ok
}

// Action looks an action up by name or by its key ("close_cover" or "closecover")
func (r *Registry) Action(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[normalize(name)]
	return a, ok
}

// Actions returns the actions attached to category c
func (r *Registry) Actions(c Category) []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Action, 0, len(c.Actions))
	for _, name := range c.Actions {
		if a, ok := r.actions[normalize(name)]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Categories returns the registered category names, sorted
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.categories))
	for name := range r.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// Format substitutes {name} placeholders in body. A placeholder without a
// replacer renders as its own name.
func Format(body string, replacers map[string]interface{}) string {
	return placeholder.ReplaceAllStringFunc(body, func(match string) string {
		key := match[1 : len(match)-1]
		v, ok := replacers[key]
		if !ok || v == nil {
			return key
		}
		return fmt.Sprint(v)
	})
}
