package callwhen

import (
	"homerules/pkg/plugin"

	"gopkg.in/yaml.v3"
)

func init() {
	plugin.Register(plugin.KindInfo{
		Kind:        Kind,
		Description: "Runs service calls when a state or event trigger fires and conditions hold",
		Priority:    plugin.PriorityDefault,
		Factory:     createRule,
	})
}

func createRule(ctx *plugin.Context, name string, node *yaml.Node) (plugin.Rule, error) {
	cfg, err := ParseConfig(name, node)
	if err != nil {
		return nil, err
	}
	return New(name, cfg, ctx.Host, ctx.Evaluator(ctx.Logger.Named(name)), ctx.Metrics, ctx.Logger), nil
}
