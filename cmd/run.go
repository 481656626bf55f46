package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"homerules/internal/api"
	"homerules/internal/clock"
	"homerules/internal/config"
	"homerules/internal/ha"
	"homerules/internal/host"
	"homerules/internal/metrics"
	"homerules/internal/mqtt"
	"homerules/internal/notify"
	"homerules/pkg/plugin"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var forceReadOnly bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Home Assistant and run the configured rules",
	RunE:  runRules,
}

func runRules(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	env, err := config.LoadEnv(logger)
	if err != nil {
		return err
	}
	if rulesPath != "" {
		env.RulesFile = rulesPath
	}
	if forceReadOnly {
		env.ReadOnly = true
	}

	rules, err := config.NewLoader(env.RulesFile, logger).Load()
	if err != nil {
		return err
	}
	categories, err := rules.Notify.Registry()
	if err != nil {
		return err
	}
	loc, err := env.Location(rules.Timezone)
	if err != nil {
		return err
	}

	logger.Info("Starting homerules",
		zap.String("url", env.HAURL),
		zap.Bool("read_only", env.ReadOnly),
		zap.String("rules_file", env.RulesFile),
		zap.String("timezone", loc.String()))

	client := ha.NewClient(env.HAURL, env.HAToken, logger)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Home Assistant: %w", err)
	}
	defer client.Disconnect()

	hostOpts := []host.Option{host.WithReadOnly(env.ReadOnly)}
	notifyOpts := []notify.Option{notify.WithReadOnly(env.ReadOnly)}

	var broker *mqtt.Client
	if env.MQTTBroker != "" {
		broker = mqtt.NewClient(mqtt.Config{
			Broker:   env.MQTTBroker,
			ClientID: env.MQTTClientID,
			Username: env.MQTTUsername,
			Password: env.MQTTPassword,
			QoS:      1,
		}, logger)
		if err := broker.Connect(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer broker.Disconnect()
		hostOpts = append(hostOpts, host.WithEventSource(broker))
		notifyOpts = append(notifyOpts, notify.WithPublisher(broker))
	} else {
		logger.Info("No MQTT broker configured, MQTT events and notifications disabled")
	}

	environment := host.NewEnvironment(client, clock.NewRealClockIn(loc), logger, hostOpts...)
	defer environment.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	notifyOpts = append(notifyOpts, notify.WithMetrics(m))

	notifier := notify.NewService(categories, rules.Notify.People, environment, logger, notifyOpts...)
	actions := notify.NewActionProcessor(environment, categories, broker != nil, logger)

	ruleCtx := plugin.NewContext(environment, notifier, logger, env.ReadOnly, loc)
	ruleCtx.Categories = categories
	ruleCtx.Metrics = m

	built, err := plugin.CreateAll(ruleCtx, specs(rules.Rules))
	if err != nil {
		return err
	}
	group := plugin.NewGroup(built, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := actions.Start(ctx); err != nil {
		return err
	}
	if err := group.Start(ctx); err != nil {
		logger.Warn("Some rules failed to start", zap.Error(err))
	}

	server := api.NewServer(group, categories, registry, logger, env.APIPort)
	if err := server.Start(); err != nil {
		return err
	}

	if env.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
	}
	logger.Info("Application running. Press Ctrl+C to exit.", zap.Int("rules", len(built)))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := group.Stop(shutdownCtx); err != nil {
		logger.Warn("Errors while stopping rules", zap.Error(err))
	}
	if err := actions.Stop(shutdownCtx); err != nil {
		logger.Warn("Errors while stopping action processor", zap.Error(err))
	}
	environment.Flush()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&forceReadOnly, "read-only", false, "Log service calls instead of sending them (same as READ_ONLY=true)")
}
