package notifywhen

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
	"homerules/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type fakeNotifier struct {
	requests []notify.Request
	err      error
}

func (f *fakeNotifier) Notify(ctx context.Context, req notify.Request) error {
	f.requests = append(f.requests, req)
	return f.err
}

const laundryRule = `
entity_id: sensor.washer_power
from:
  comparator: ">"
  value: 10
to:
  comparator: "<"
  value: 5
notify:
  category: info_laundry_done
  replacers:
    laundry_machine: Washer
`

func parse(t *testing.T, doc string) (Config, error) {
	t.Helper()
	var node yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(doc), &node))
	return ParseConfig("laundry", &node, notify.NewRegistry())
}

func setup(t *testing.T, doc string) (*Rule, *host.Environment, *ha.MockClient, *fakeNotifier) {
	t.Helper()
	cfg, err := parse(t, doc)
	require.NoError(t, err)

	client := ha.NewMockClient()
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	env := host.NewEnvironment(client, clk, zap.NewNop())
	t.Cleanup(env.Close)

	notifier := &fakeNotifier{}
	r := New("laundry", cfg, env, notifier, condition.NewEvaluator(env, env.Now, zap.NewNop()), nil, zap.NewNop())
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r, env, client, notifier
}

func TestParseConfig(t *testing.T) {
	cfg, err := parse(t, laundryRule)
	require.NoError(t, err)
	assert.Equal(t, Match{Comparator: condition.GreaterThan, Value: condition.Number(10)}, cfg.From)
	assert.Equal(t, Match{Comparator: condition.LessThan, Value: condition.Number(5)}, cfg.To)
	assert.Equal(t, "Washer", cfg.Notify.Replacers["laundry_machine"])

	cfg, err = parse(t, `
entity_id: person.sam
from: {value: home}
to: {value: not_home}
notify: {category: presence_person_departed}
`)
	require.NoError(t, err)
	assert.Equal(t, condition.Equal, cfg.From.Comparator)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"bad entity", "entity_id: washer\nfrom: {value: 1}\nto: {value: 2}\nnotify: {category: train}", "entity_id"},
		{"missing from", "entity_id: sensor.w\nto: {value: 2}\nnotify: {category: train}", "from"},
		{"missing to value", "entity_id: sensor.w\nfrom: {value: 1}\nto: {comparator: '<'}\nnotify: {category: train}", "to.value"},
		{"bad comparator", "entity_id: sensor.w\nfrom: {value: 1, comparator: '=~'}\nto: {value: 2}\nnotify: {category: train}", "from.comparator"},
		{"missing notify", "entity_id: sensor.w\nfrom: {value: 1}\nto: {value: 2}", "notify.category"},
		{"unknown category", "entity_id: sensor.w\nfrom: {value: 1}\nto: {value: 2}\nnotify: {category: nope}", "notify.category"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.doc)
			var cfgErr *config.ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, "laundry", cfgErr.Rule)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestRule_NotifiesOnMatchingTransition(t *testing.T) {
	r, env, client, notifier := setup(t, laundryRule)
	client.SetState("sensor.washer_power", "2", nil)
	require.NoError(t, r.Start(context.Background()))

	for _, power := range []string{"250", "12", "7", "3"} {
		client.SetState("sensor.washer_power", power, nil)
	}
	env.Flush()
	assert.Empty(t, notifier.requests, "12 -> 7 and 7 -> 3 do not leave the running range in one step")

	client.SetState("sensor.washer_power", "180", nil)
	client.SetState("sensor.washer_power", "1.5", nil)
	env.Flush()

	require.Len(t, notifier.requests, 1)
	req := notifier.requests[0]
	assert.Equal(t, "info_laundry_done", req.Category)
	assert.Equal(t, "Washer", req.Replacers["laundry_machine"])
	assert.Equal(t, "180", req.Replacers[ReplacerOld])
	assert.Equal(t, "1.5", req.Replacers[ReplacerNew])

	status := r.Status()
	assert.Equal(t, "listening", status.State)
	assert.Equal(t, 1, status.Detail["sent"])
	assert.Equal(t, env.Now(), status.LastTransition)
}

func TestRule_ConfiguredReplacerWins(t *testing.T) {
	r, env, client, notifier := setup(t, `
entity_id: person.sam
from: {value: home}
to: {value: not_home}
notify:
  category: presence_person_departed
  replacers: {person_name: Sam, new_state: away}
`)
	client.SetState("person.sam", "home", nil)
	require.NoError(t, r.Start(context.Background()))

	client.SetState("person.sam", "not_home", nil)
	env.Flush()

	require.Len(t, notifier.requests, 1)
	assert.Equal(t, "away", notifier.requests[0].Replacers[ReplacerNew])
	assert.Equal(t, "home", notifier.requests[0].Replacers[ReplacerOld])
}

func TestRule_Attribute(t *testing.T) {
	r, env, client, notifier := setup(t, `
entity_id: sensor.remote
attribute: battery
from: {comparator: ">=", value: 20}
to: {comparator: "<", value: 20}
notify:
  category: warning_low_battery
  replacers: {entity_name: Remote}
`)
	client.SetState("sensor.remote", "idle", map[string]interface{}{"battery": 25})
	require.NoError(t, r.Start(context.Background()))

	client.SetState("sensor.remote", "active", map[string]interface{}{"battery": 25})
	client.SetState("sensor.remote", "idle", map[string]interface{}{"battery": 19})
	env.Flush()

	require.Len(t, notifier.requests, 1)
	assert.Equal(t, "25", notifier.requests[0].Replacers[ReplacerOld])
}

func TestRule_NotifyFailureIsLogged(t *testing.T) {
	r, env, client, notifier := setup(t, laundryRule)
	notifier.err = errors.New("push gateway down")
	client.SetState("sensor.washer_power", "100", nil)
	require.NoError(t, r.Start(context.Background()))

	client.SetState("sensor.washer_power", "0", nil)
	env.Flush()

	assert.Len(t, notifier.requests, 1)
	assert.Equal(t, 0, r.Status().Detail["sent"])
}

func TestRule_Stop(t *testing.T) {
	r, env, client, notifier := setup(t, laundryRule)
	ctx := context.Background()
	client.SetState("sensor.washer_power", "100", nil)
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx))

	client.SetState("sensor.washer_power", "0", nil)
	env.Flush()
	assert.Empty(t, notifier.requests)
	assert.Equal(t, "stopped", r.Status().State)
}
