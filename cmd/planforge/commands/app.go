package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/planforge/planforge/pkg/approval"
	"github.com/planforge/planforge/pkg/config"
	"github.com/planforge/planforge/pkg/device"
	"github.com/planforge/planforge/pkg/engine"
	"github.com/planforge/planforge/pkg/stores"
	"github.com/planforge/planforge/pkg/telemetry"
)

// app wires the configured engine for one command invocation. Every
// subcommand that touches plans or jobs goes through the same assembly so
// behavior cannot drift between commands.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	devices *device.Client
	planner *engine.PlanManager
	orch    *engine.Orchestrator
	tokens  *approval.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Storage.Path,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		LeaseMaxAge:     cfg.Storage.LeaseMaxAge,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}

	transport, err := device.NewHTTPTransport(device.HTTPTransportConfig{
		BaseURL:     cfg.Device.BaseURL,
		AuthToken:   cfg.Device.AuthToken,
		DialTimeout: cfg.Device.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	devices := device.NewClient(transport, device.Config{
		MaxRetries:    cfg.Device.MaxRetries,
		BackoffBase:   cfg.Device.BackoffBase,
		BackoffCap:    cfg.Device.BackoffCap,
		CallTimeout:   cfg.Device.CallTimeout,
		MaxInFlight:   cfg.Device.MaxInFlight,
		RatePerSecond: cfg.Device.RatePerSecond,
		RateBurst:     cfg.Device.RateBurst,
	}, tel.Logger, device.WithRecorder(device.NewAuditRecorder(store, tel.Logger)))

	// The watcher doubles as the policy provider. CLI invocations are
	// short-lived, so the reload goroutine only matters for `run`.
	policy := config.NewWatcher(configPath, cfg, tel.Logger)

	// The approval gate is optional per policy; the token service only
	// exists when a signing key is configured.
	var tokens *approval.Service
	if cfg.Approval.SigningKey != "" {
		tokens, err = approval.NewService(approval.Config{
			SigningKey: []byte(cfg.Approval.SigningKey),
			TTL:        cfg.Approval.TokenTTL,
		}, store, tel.Logger, approval.WithAudit(store))
		if err != nil {
			return nil, err
		}
	}

	events := engine.NewPublisherSink(tel.Events)
	eligibility := device.NewEligibilityChecker(devices)
	planner := engine.NewPlanManager(store, devices, eligibility, policy, events, tel.Logger)
	verifier := engine.NewController(devices, tel.Logger)

	var tokenSvc engine.TokenService
	if tokens != nil {
		tokenSvc = tokens
	}
	orch := engine.NewOrchestrator(store, devices, tokenSvc, verifier, policy, events, tel.Logger, tel.Metrics)

	return &app{
		cfg:     cfg,
		tel:     tel,
		store:   store,
		devices: devices,
		planner: planner,
		orch:    orch,
		tokens:  tokens,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.tel.Shutdown(ctx); err != nil {
		a.tel.Logger.WithError(err).Warn("telemetry shutdown failed")
	}
	if err := a.store.Close(); err != nil {
		a.tel.Logger.WithError(err).Warn("store close failed")
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
