package main

import (
	"fmt"
	"os"

	"homerules/internal/config"
	"homerules/pkg/plugin"

	// Rule kinds register themselves with the plugin registry
	_ "homerules/internal/plugins/callwhen"
	_ "homerules/internal/plugins/notifywhen"
	_ "homerules/internal/plugins/timeout"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	rulesPath string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "homerules",
	Short: "Home Assistant rule engine",
	Long: `homerules watches Home Assistant entities, bus events and MQTT topics and
runs the rules configured in a rules file: timeouts with pause conditions,
conditional service calls and transition notifications.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rulesPath, "rules", "", "Rules file (overrides RULES_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", os.Getenv("LOG_LEVEL"), "Log level: debug enables development logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(kindsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if logLevel == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// specs turns rules file entries into registry build specs
func specs(rules []config.RuleConfig) []plugin.Spec {
	out := make([]plugin.Spec, 0, len(rules))
	for i := range rules {
		out = append(out, plugin.Spec{
			Name: rules[i].Name,
			Kind: rules[i].Kind,
			Node: &rules[i].Node,
		})
	}
	return out
}
