package main

import (
	"context"
	"errors"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata" // Exchange timezone must resolve on hosts without zoneinfo

	"golang.org/x/sync/errgroup"

	"optionsBot/config"
	"optionsBot/internal/adapters/alpacaclient"
	"optionsBot/internal/adapters/binanceclient"
	"optionsBot/internal/adapters/httpapi"
	"optionsBot/internal/adapters/logger"
	"optionsBot/internal/adapters/paper"
	"optionsBot/internal/adapters/sqlite"
	"optionsBot/internal/adapters/telemetry"
	"optionsBot/internal/app"
	"optionsBot/internal/ports"
	"optionsBot/internal/scheduler"
	"optionsBot/internal/template"
)

// connector is a broker connector that needs a session before trading.
type connector interface {
	ports.BrokerConnector
	Connect(ctx context.Context) error
}

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel, cfg.LogPretty)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Load Templates
	templateConfigs, err := config.LoadTemplates(cfg.TemplatesFile)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to load templates", map[string]interface{}{"file": cfg.TemplatesFile})
		log.Fatalf("FATAL: Failed to load templates: %v", err)
	}
	registry, err := template.NewRegistry(templateConfigs)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Invalid template configuration")
		log.Fatalf("FATAL: Invalid template configuration: %v", err)
	}
	appLogger.Info(ctx, "Templates loaded", map[string]interface{}{"templates": registry.Names()})

	// 4. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger.With("sqlite"),
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized")

	// 5. Initialize Telemetry
	reporter, err := telemetry.NewReporter(telemetry.Config{
		URL:    cfg.TelemetryURL,
		Logger: appLogger.With("telemetry"),
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize telemetry reporter")
		log.Fatalf("FATAL: Failed to initialize telemetry reporter: %v", err)
	}

	// 6. Initialize Broker Connectors
	connectors, err := buildConnectors(ctx, cfg, registry.Accounts(), appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize broker connectors")
		log.Fatalf("FATAL: Failed to initialize broker connectors: %v", err)
	}

	// 7. Initialize Trade Manager
	sched := scheduler.New(appLogger.With("scheduler"), cfg.ExchangeLocation)
	manager, err := app.NewTradeManager(app.Config{
		TrackInterval:       cfg.TrackInterval,
		MonitorInterval:     cfg.MonitorInterval,
		TPSLDelay:           cfg.TPSLDelay,
		TelemetryAttempts:   cfg.TelemetryAttempts,
		TelemetryRetryDelay: cfg.TelemetryRetryDelay,
		EODTasksCron:        cfg.EODTasksCron,
		EODSettlementCron:   cfg.EODSettlementCron,
	}, appLogger.With("manager"), repo, reporter, sched, connectors)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize trade manager")
		log.Fatalf("FATAL: Failed to initialize trade manager: %v", err)
	}
	appLogger.Info(ctx, "Trade manager initialized", map[string]interface{}{"dryRun": cfg.DryRun})

	// 8. Start the Service
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })

	if cfg.HTTPAddr != "" {
		server, err := httpapi.NewServer(httpapi.Config{
			Addr:   cfg.HTTPAddr,
			Logger: appLogger.With("httpapi"),
		}, manager, repo, registry.Lookup)
		if err != nil {
			appLogger.Error(ctx, err, "FATAL: Failed to initialize status API")
			log.Fatalf("FATAL: Failed to initialize status API: %v", err)
		}
		g.Go(func() error { return server.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error(context.Background(), err, "Trade manager exited with error")
		log.Fatalf("FATAL: Trade manager exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

// buildConnectors maps every template account to a connector. In dry run all
// accounts share one paper connector.
func buildConnectors(ctx context.Context, cfg *config.Config, accounts []string, appLogger *logger.Logger) (map[string]ports.BrokerConnector, error) {
	newPaper := func() (*paper.Connector, error) {
		return paper.NewConnector(paper.Config{
			UseOCO:                cfg.PaperUseOCO,
			CommissionPerContract: cfg.PaperCommission,
			Prices:                cfg.PaperPrices,
			Logger:                appLogger.With("paper"),
		})
	}

	connectors := make(map[string]ports.BrokerConnector, len(accounts))
	if cfg.DryRun {
		p, err := newPaper()
		if err != nil {
			return nil, err
		}
		for _, account := range accounts {
			connectors[account] = p
		}
		return connectors, nil
	}

	var live []connector
	for _, account := range accounts {
		switch account {
		case cfg.BinanceAccount:
			c, err := binanceclient.New(binanceclient.Config{
				APIKey:               cfg.BinanceAPIKey,
				SecretKey:            cfg.BinanceSecretKey,
				UseTestnet:           cfg.IsTestnet,
				Logger:               appLogger.With("binance"),
				RequestsPerSecond:    cfg.BinanceRateLimit,
				ReconnectDelay:       cfg.ReconnectDelay,
				MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			})
			if err != nil {
				return nil, err
			}
			connectors[account] = c
			live = append(live, c)
		case cfg.AlpacaAccount:
			c, err := alpacaclient.New(alpacaclient.Config{
				APIKey:       cfg.AlpacaAPIKey,
				APISecret:    cfg.AlpacaSecretKey,
				BaseURL:      cfg.AlpacaBaseURL,
				PollInterval: cfg.AlpacaPollEvery,
				Logger:       appLogger.With("alpaca"),
			})
			if err != nil {
				return nil, err
			}
			connectors[account] = c
			live = append(live, c)
		case cfg.PaperAccount:
			p, err := newPaper()
			if err != nil {
				return nil, err
			}
			connectors[account] = p
		default:
			return nil, fmt.Errorf("%w: no connector configured for account %q", ports.ErrConfigurationError, account)
		}
	}

	for _, c := range live {
		if err := c.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connecting %s: %w", c.Name(), err)
		}
		appLogger.Info(ctx, "Broker connector connected", map[string]interface{}{"connector": c.Name()})
	}
	return connectors, nil
}
