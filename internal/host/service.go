package host

import (
	"context"
	"fmt"
)

// ServiceCall is a configured HA service invocation
type ServiceCall struct {
	Domain  string                 `yaml:"domain"`
	Service string                 `yaml:"service"`
	Data    map[string]interface{} `yaml:"service_data"`
}

func (s ServiceCall) String() string {
	return s.Domain + "/" + s.Service
}

// Validate checks that domain and service are set
func (s ServiceCall) Validate() error {
	if s.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if s.Service == "" {
		return fmt.Errorf("service is required")
	}
	return nil
}

// Call issues the service call on h. A nil Data is sent as an empty map.
func (s ServiceCall) Call(ctx context.Context, h Host) error {
	data := s.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	return h.CallService(ctx, s.Domain, s.Service, data)
}

// SafeCall is Call with panics from the host returned as errors
func (s ServiceCall) SafeCall(ctx context.Context, h Host) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", s, r)
		}
	}()
	return s.Call(ctx, h)
}
