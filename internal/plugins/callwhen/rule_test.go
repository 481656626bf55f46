package callwhen

import (
	"context"
	"errors"
	"testing"
	"time"

	"homerules/internal/clock"
	"homerules/internal/condition"
	"homerules/internal/config"
	"homerules/internal/ha"
	"homerules/internal/host"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func parse(t *testing.T, doc string) (Config, error) {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(doc), &node))
	return ParseConfig("porch", &node)
}

func setup(t *testing.T, doc string) (*Rule, *host.Environment, *ha.MockClient) {
	t.Helper()
	cfg, err := parse(t, doc)
	require.NoError(t, err)

	client := ha.NewMockClient()
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 21, 30, 0, 0, time.UTC))
	env := host.NewEnvironment(client, clk, zap.NewNop())
	t.Cleanup(env.Close)

	r := New("porch", cfg, env, condition.NewEvaluator(env, env.Now, zap.NewNop()), nil, zap.NewNop())
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r, env, client
}

func TestParseConfig(t *testing.T) {
	cfg, err := parse(t, `
trigger:
  entity_id: binary_sensor.porch_motion
condition:
  - entity_id: sun.sun
    value: below_horizon
call:
  domain: light
  service: turn_on
  service_data:
    entity_id: light.porch
`)
	require.NoError(t, err)

	require.Len(t, cfg.Triggers, 1)
	assert.Equal(t, condition.String("on"), cfg.Triggers[0].State)
	require.Len(t, cfg.Calls, 1)
	assert.Equal(t, "light/turn_on", cfg.Calls[0].String())
	and, ok := cfg.Condition.(condition.AndCondition)
	require.True(t, ok)
	assert.Len(t, and.Conditions, 1)

	cfg, err = parse(t, `
trigger:
  - event: zha_event
    event_data: {command: "on"}
  - entity_id: input_boolean.movie_mode
    state: false
call: [{domain: scene, service: turn_on}]
`)
	require.NoError(t, err)
	require.Len(t, cfg.Triggers, 2)
	assert.Equal(t, "event:zha_event", cfg.Triggers[0].String())
	assert.Equal(t, condition.String("on"), cfg.Triggers[0].EventData["command"])
	assert.Equal(t, condition.Bool(false), cfg.Triggers[1].State)
	assert.Equal(t, condition.AndCondition{}, cfg.Condition)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"missing trigger", "call: {domain: light, service: turn_on}", "trigger"},
		{"empty trigger", "trigger: {}\ncall: {domain: light, service: turn_on}", "trigger[0]"},
		{"both kinds", "trigger: {entity_id: light.a, event: e}\ncall: {domain: light, service: turn_on}", "trigger[0]"},
		{"bad entity", "trigger: {entity_id: porch}\ncall: {domain: light, service: turn_on}", "trigger[0]"},
		{"scalar trigger", "trigger: light.a\ncall: {domain: light, service: turn_on}", "trigger"},
		{"missing call", "trigger: {entity_id: light.a}", "call"},
		{"bad call", "trigger: {entity_id: light.a}\ncall: [{service: turn_on}]", "call[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.doc)
			var cfgErr *config.ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	_, err := parse(t, "trigger: {entity_id: light.a}\ncondition: {entity_id: light.b, comparator: '~'}\ncall: {domain: light, service: turn_on}")
	assert.Error(t, err)
}

const porchRule = `
trigger:
  entity_id: binary_sensor.porch_motion
condition:
  - entity_id: input_boolean.night
    value: "on"
call:
  - domain: light
    service: turn_on
    service_data:
      entity_id: light.porch
  - domain: notify
    service: log
`

func TestRule_FiresWhenConditionsHold(t *testing.T) {
	r, env, client := setup(t, porchRule)
	client.SetState("binary_sensor.porch_motion", "off", nil)
	client.SetState("input_boolean.night", "off", nil)

	require.NoError(t, r.Start(context.Background()))
	env.Flush()
	assert.Empty(t, client.GetServiceCalls())

	client.SetState("binary_sensor.porch_motion", "on", nil)
	env.Flush()
	assert.Empty(t, client.GetServiceCalls(), "condition not met")

	client.SetState("binary_sensor.porch_motion", "off", nil)
	client.SetState("input_boolean.night", "on", nil)
	client.SetState("binary_sensor.porch_motion", "on", nil)
	env.Flush()

	calls := client.GetServiceCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "turn_on", calls[0].Service)
	assert.Equal(t, "light.porch", calls[0].Data["entity_id"])
	assert.Equal(t, "log", calls[1].Service)

	status := r.Status()
	assert.Equal(t, "listening", status.State)
	assert.Equal(t, 1, status.Detail["fired"])
	assert.Equal(t, 1, status.Detail["blocked"])
	assert.Equal(t, env.Now(), status.LastTransition)
}

func TestRule_FiresAtStartWhenTriggerHolds(t *testing.T) {
	r, env, client := setup(t, porchRule)
	client.SetState("binary_sensor.porch_motion", "on", nil)
	client.SetState("input_boolean.night", "on", nil)

	require.NoError(t, r.Start(context.Background()))
	env.Flush()
	assert.Len(t, client.GetServiceCalls(), 2)
}

func TestRule_FailedCallDoesNotStopOthers(t *testing.T) {
	r, env, client := setup(t, porchRule)
	client.SetState("input_boolean.night", "on", nil)
	client.SetServiceError("light", "turn_on", errors.New("bulb offline"))

	require.NoError(t, r.Start(context.Background()))
	client.SetState("binary_sensor.porch_motion", "on", nil)
	env.Flush()

	calls := client.GetServiceCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "log", calls[1].Service)
}

func TestRule_EventTrigger(t *testing.T) {
	r, env, client := setup(t, `
trigger:
  event: zha_event
  event_data:
    device: hallway_button
    command: toggle
call:
  domain: light
  service: toggle
  service_data: {entity_id: light.hallway}
`)
	require.NoError(t, r.Start(context.Background()))

	client.SimulateEvent("zha_event", map[string]interface{}{"device": "kitchen_button", "command": "toggle"})
	client.SimulateEvent("zha_event", map[string]interface{}{"device": "hallway_button"})
	env.Flush()
	assert.Empty(t, client.GetServiceCalls())

	client.SimulateEvent("zha_event", map[string]interface{}{"device": "hallway_button", "command": "toggle"})
	env.Flush()
	require.Len(t, client.GetServiceCalls(), 1)
	assert.Equal(t, "toggle", client.GetServiceCalls()[0].Service)
}

func TestRule_StopCancelsListeners(t *testing.T) {
	r, env, client := setup(t, porchRule)
	ctx := context.Background()
	client.SetState("input_boolean.night", "on", nil)

	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 1, r.Status().Listeners)

	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx))
	client.SetState("binary_sensor.porch_motion", "on", nil)
	env.Flush()

	assert.Empty(t, client.GetServiceCalls())
	assert.Equal(t, "stopped", r.Status().State)
	assert.Equal(t, 0, r.Status().Listeners)
}
