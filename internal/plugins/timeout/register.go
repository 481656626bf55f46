package timeout

import (
	"homerules/pkg/plugin"

	"gopkg.in/yaml.v3"
)

func init() {
	plugin.Register(plugin.KindInfo{
		Kind:        Kind,
		Description: "Runs service calls once a trigger has held its state for a duration, with pause conditions",
		Priority:    plugin.PriorityDefault,
		Factory:     createRule,
	})
}

// createRule builds a timeout rule from its rules file entry.
func createRule(ctx *plugin.Context, name string, node *yaml.Node) (plugin.Rule, error) {
	cfg, err := ParseConfig(name, node, ctx.Categories)
	if err != nil {
		return nil, err
	}
	logger := ctx.Logger.Named(name)
	return New(name, cfg, ctx.Host, ctx.Notifier, ctx.Evaluator(logger), ctx.Metrics, ctx.Logger), nil
}
