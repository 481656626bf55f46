package testutil

import (
	"context"
	"fmt"
	"time"

	"homerules/internal/clock"
	"homerules/internal/config"
	"homerules/internal/ha"
	"homerules/internal/host"
	"homerules/internal/notify"
	"homerules/pkg/plugin"

	"go.uber.org/zap"
)

// TestEnv wires a mock HA server to a real client and host environment. The
// host runs on a mock clock so timers fire only when the test advances it.
//
// Rule kinds must be registered by the caller, usually with blank imports
// of the plugin packages.
type TestEnv struct {
	Server *MockHAServer
	Client *ha.Client
	Host   *host.Environment
	Clock  *clock.MockClock
	Logger *zap.Logger

	// Set by LoadRules
	Notifier *notify.Service
	Rules    *plugin.Group

	actions *notify.ActionProcessor
}

// NewTestEnv starts a mock server on a free port and connects a client to it.
//
//	env, err := testutil.NewTestEnv("test_token")
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(token string) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockHAServer("127.0.0.1:0", token)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock server: %w", err)
	}

	client := ha.NewClient(server.URL(), token, logger)
	if err := client.Connect(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	clk := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return &TestEnv{
		Server: server,
		Client: client,
		Host:   host.NewEnvironment(client, clk, logger),
		Clock:  clk,
		Logger: logger,
	}, nil
}

// LoadRules parses a rules document, builds its rules against the host and
// starts them together with the notification action processor
func (e *TestEnv) LoadRules(ctx context.Context, doc string) error {
	rules, err := config.Parse([]byte(doc))
	if err != nil {
		return err
	}
	categories, err := rules.Notify.Registry()
	if err != nil {
		return err
	}

	e.Notifier = notify.NewService(categories, rules.Notify.People, e.Host, e.Logger)
	e.actions = notify.NewActionProcessor(e.Host, categories, false, e.Logger)
	if err := e.actions.Start(ctx); err != nil {
		return err
	}

	ruleCtx := plugin.NewContext(e.Host, e.Notifier, e.Logger, false, time.UTC)
	ruleCtx.Categories = categories

	specs := make([]plugin.Spec, 0, len(rules.Rules))
	for i := range rules.Rules {
		specs = append(specs, plugin.Spec{
			Name: rules.Rules[i].Name,
			Kind: rules.Rules[i].Kind,
			Node: &rules.Rules[i].Node,
		})
	}
	built, err := plugin.CreateAll(ruleCtx, specs)
	if err != nil {
		return err
	}
	e.Rules = plugin.NewGroup(built, e.Logger)
	return e.Rules.Start(ctx)
}

// Advance moves the mock clock forward and waits for the callbacks it fired
func (e *TestEnv) Advance(d time.Duration) {
	e.Clock.Advance(d)
	e.Host.Flush()
}

// Cleanup stops all components in reverse order. Always defer it after
// creating the TestEnv.
func (e *TestEnv) Cleanup() {
	ctx := context.Background()
	if e.Rules != nil {
		_ = e.Rules.Stop(ctx)
	}
	if e.actions != nil {
		_ = e.actions.Stop(ctx)
	}
	if e.Host != nil {
		e.Host.Close()
	}
	if e.Client != nil {
		e.Client.Disconnect()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

// GetServiceCalls returns all service calls made to the mock server
func (e *TestEnv) GetServiceCalls() []ServiceCall {
	return e.Server.GetServiceCalls()
}

// ClearServiceCalls clears the recorded service calls
func (e *TestEnv) ClearServiceCalls() {
	e.Server.ClearServiceCalls()
}
