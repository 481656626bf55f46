package main

import (
	"fmt"
	"time"

	"homerules/internal/config"
	"homerules/pkg/plugin"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var validateCmd = &cobra.Command{
	Use:   "validate [rules-file]",
	Short: "Check a rules file without connecting to Home Assistant",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runValidate,
}

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the rule kinds this build supports",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range plugin.List() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", k.Kind, k.Description)
		}
		return nil
	},
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	path := rulesPath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		path = "rules.yaml"
	}

	rules, err := config.NewLoader(path, logger).Load()
	if err != nil {
		return err
	}
	categories, err := rules.Notify.Registry()
	if err != nil {
		return err
	}
	loc := time.Local
	if rules.Timezone != "" {
		if loc, err = time.LoadLocation(rules.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", rules.Timezone, err)
		}
	}

	// Rules are built but never started, so no host is needed
	ctx := plugin.NewContext(nil, nil, zap.NewNop(), true, loc)
	ctx.Categories = categories
	built, err := plugin.CreateAll(ctx, specs(rules.Rules))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range built {
		fmt.Fprintf(out, "ok  %-12s %s\n", r.Kind(), r.Name())
	}
	fmt.Fprintf(out, "%d rules, %d people\n", len(built), len(rules.Notify.People))
	return nil
}
