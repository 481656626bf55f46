package integration

import (
	"context"
	"testing"
	"time"

	"homerules/internal/notify"
	"homerules/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPorchLightOnMotionAtNight(t *testing.T) {
	env := setupTest(t, map[string]string{
		"binary_sensor.porch_motion": "off",
		"input_boolean.night":        "off",
		"light.porch":                "off",
	}, `
rules:
  - name: porch
    kind: call_when
    trigger:
      entity_id: binary_sensor.porch_motion
    condition:
      - entity_id: input_boolean.night
        value: "on"
    call:
      domain: light
      service: turn_on
      service_data:
        entity_id: light.porch
`)
	assert.Equal(t, "listening", ruleState(env, "porch"))

	env.Server.SetState("binary_sensor.porch_motion", "on", nil)
	require.Eventually(t, func() bool {
		return plugin.StatusOf(env.Rules.Get("porch")).Detail["blocked"] == 1
	}, waitFor, tick)
	assert.Zero(t, env.Server.CountServiceCalls("light", "turn_on"))

	env.Server.SetState("binary_sensor.porch_motion", "off", nil)
	env.Server.SetState("input_boolean.night", "on", nil)
	env.Server.SetState("binary_sensor.porch_motion", "on", nil)
	waitForServiceCall(t, env, "light", "turn_on", "light.porch")
	assert.Eventually(t, func() bool {
		return env.Server.GetState("light.porch").State == "on"
	}, waitFor, tick)
}

func TestButtonEventTogglesLight(t *testing.T) {
	env := setupTest(t, map[string]string{"light.hallway": "off"}, `
rules:
  - name: hallway_button
    kind: call_when
    trigger:
      event: zha_event
      event_data:
        device: hallway_button
        command: "on"
    call:
      domain: light
      service: turn_on
      service_data: {entity_id: light.hallway}
`)

	env.Server.FireEvent("zha_event", map[string]interface{}{"device": "kitchen_button", "command": "on"})
	env.Server.FireEvent("other_event", map[string]interface{}{"device": "hallway_button", "command": "on"})
	time.Sleep(50 * time.Millisecond)
	env.Host.Flush()
	assert.Zero(t, env.Server.CountServiceCalls("light", "turn_on"))

	env.Server.FireEvent("zha_event", map[string]interface{}{"device": "hallway_button", "command": "on"})
	waitForServiceCall(t, env, "light", "turn_on", "light.hallway")
	assert.Eventually(t, func() bool {
		return env.Server.GetState("light.hallway").State == "on"
	}, waitFor, tick)
}

func TestLaundryDoneNotification(t *testing.T) {
	env := setupTest(t, map[string]string{"sensor.washer_power": "0"}, `
notify:
  people:
    - name: alex
      service: mobile_app_pixel
      channels: [INFO]
    - name: sam
      service: mobile_app_iphone
      channels: [SECURITY]
rules:
  - name: washer_done
    kind: notify_when
    entity_id: sensor.washer_power
    from: {comparator: ">", value: 10}
    to: {comparator: "<", value: 5}
    notify:
      category: info_laundry_done
      replacers:
        laundry_machine: Washer
`)

	// Idle to idle is not a transition out of a running cycle
	env.Server.SetState("sensor.washer_power", "3", nil)
	env.Server.SetState("sensor.washer_power", "250", nil)
	env.Server.SetState("sensor.washer_power", "120", nil)
	time.Sleep(50 * time.Millisecond)
	env.Host.Flush()
	assert.Zero(t, env.Server.CountServiceCalls("notify", "mobile_app_pixel"))

	env.Server.SetState("sensor.washer_power", "1.5", nil)
	var message interface{}
	require.Eventually(t, func() bool {
		call := env.Server.FindServiceCall("notify", "mobile_app_pixel", "")
		if call == nil {
			return false
		}
		message = call.ServiceData["message"]
		return true
	}, waitFor, tick)
	assert.Equal(t, "Washer is done", message)
	assert.Zero(t, env.Server.CountServiceCalls("notify", "mobile_app_iphone"), "not subscribed to INFO")
}

func TestStoppedRulesIgnoreChanges(t *testing.T) {
	env := setupTest(t, map[string]string{"binary_sensor.porch_motion": "off"}, `
rules:
  - name: porch
    kind: call_when
    trigger: {entity_id: binary_sensor.porch_motion}
    call: {domain: light, service: turn_on, service_data: {entity_id: light.porch}}
`)

	require.NoError(t, env.Rules.Stop(context.Background()))
	assert.Equal(t, "stopped", ruleState(env, "porch"))

	env.Server.SetState("binary_sensor.porch_motion", "on", nil)
	time.Sleep(50 * time.Millisecond)
	env.Host.Flush()
	assert.Zero(t, env.Server.CountServiceCalls("light", "turn_on"))
}

func TestAcknowledgeActionFiresEventForRules(t *testing.T) {
	env := setupTest(t, map[string]string{"input_boolean.lock_delay_alerts": "on"}, `
rules:
  - name: silence_delay_alerts
    kind: call_when
    trigger:
      event: notification_action.securitylocktimeoutdelay
    call:
      domain: input_boolean
      service: turn_off
      service_data: {entity_id: input_boolean.lock_delay_alerts}
`)

	env.Server.FireEvent(notify.EventMobileAppAction, map[string]interface{}{
		"action":      "timeout_delay_acknowledge",
		"action_data": map[string]interface{}{"category": "securitylocktimeoutdelay", "entity_id": "lock.front"},
	})

	waitForServiceCall(t, env, "input_boolean", "turn_off", "input_boolean.lock_delay_alerts")
	fired := env.Server.GetFiredEvents()
	require.Len(t, fired, 1)
	assert.Equal(t, "notification_action.securitylocktimeoutdelay", fired[0].EventType)
	assert.Equal(t, "timeoutdelayacknowledge", fired[0].Data["action"])
	assert.Eventually(t, func() bool {
		return env.Server.GetState("input_boolean.lock_delay_alerts").State == "off"
	}, waitFor, tick)
}
