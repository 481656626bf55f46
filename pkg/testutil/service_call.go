package testutil

import "time"

// ServiceCall is a call_service request received by MockHAServer
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// Is reports whether c targets domain/service
func (c ServiceCall) Is(domain, service string) bool {
	return c.Domain == domain && c.Service == service
}

// Target returns the entity_id of the call, empty when absent or not a string
func (c ServiceCall) Target() string {
	id, _ := c.ServiceData["entity_id"].(string)
	return id
}

// FilterServiceCalls keeps the calls to domain/service in order
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var out []ServiceCall
	for _, c := range calls {
		if c.Is(domain, service) {
			out = append(out, c)
		}
	}
	return out
}

// LastServiceCall returns the newest call to domain/service for which match
// returns true. A nil match accepts every call.
func LastServiceCall(calls []ServiceCall, domain, service string, match func(ServiceCall) bool) *ServiceCall {
	for i := len(calls) - 1; i >= 0; i-- {
		c := calls[i]
		if c.Is(domain, service) && (match == nil || match(c)) {
			return &c
		}
	}
	return nil
}
