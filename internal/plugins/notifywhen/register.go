package notifywhen

import (
	"homerules/pkg/plugin"

	"gopkg.in/yaml.v3"
)

func init() {
	plugin.Register(plugin.KindInfo{
		Kind:        Kind,
		Description: "Sends a notification when an entity changes between matching values",
		Priority:    plugin.PriorityDefault,
		Factory:     createRule,
	})
}

func createRule(ctx *plugin.Context, name string, node *yaml.Node) (plugin.Rule, error) {
	cfg, err := ParseConfig(name, node, ctx.Categories)
	if err != nil {
		return nil, err
	}
	return New(name, cfg, ctx.Host, ctx.Notifier, ctx.Evaluator(ctx.Logger.Named(name)), ctx.Metrics, ctx.Logger), nil
}
