package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/mail2slack/internal/config"
	"github.com/shineum/mail2slack/internal/forward"
	"github.com/shineum/mail2slack/internal/pipeline"
	"github.com/shineum/mail2slack/internal/provider"
	"github.com/shineum/mail2slack/internal/provider/graph"
	"github.com/shineum/mail2slack/internal/provider/ses"
	"github.com/shineum/mail2slack/internal/provider/stdout"
	"github.com/shineum/mail2slack/internal/routing"
	"github.com/shineum/mail2slack/internal/slackapi"
	"github.com/shineum/mail2slack/internal/smtp"
	"github.com/shineum/mail2slack/internal/target"
	"github.com/shineum/mail2slack/internal/telemetry"
	smtptls "github.com/shineum/mail2slack/internal/tls"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SMTP endpoint",
	Long: `Run the SMTP endpoint until SIGINT or SIGTERM.

On shutdown the server stops accepting connections, waits for open sessions
and then for Slack deliveries still in flight.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogger(cfg.Logging.Level)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	providers, err := telemetry.Init(ctx, cfg.Telemetry, "mail2slack", version, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer providers.Shutdown(context.WithoutCancel(ctx))

	store, err := cfg.OpenRoutes()
	if err != nil {
		return fmt.Errorf("failed to load routing table: %w", err)
	}
	if cfg.Routing.Watch && cfg.Routing.File != "" {
		go func() {
			if err := store.Watch(ctx); err != nil {
				slog.Error("routing table watcher stopped", "error", err)
			}
		}()
	}

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" {
		tlsMode = "file"
	}

	deps := pipeline.Deps{
		Routes: store,
		Router: routing.NewRouter(cfg.Routing.FallbackChannel),
	}
	wireSlack(cfg, &deps)

	fwd, err := selectForwarder(ctx, cfg)
	if err != nil {
		return err
	}
	if fwd != nil {
		deps.Forwarder = forward.NewDeliverer(fwd, forward.Config{
			Sender:           cfg.Forward.Sender,
			RewriteLocalPart: cfg.Forward.RewriteLocalPart,
		})
	}

	pipe := pipeline.New(pipeline.Config{
		MissPolicy: routing.MissPolicy(cfg.Routing.MissPolicy),
		Notify:     cfg.Slack.Notify,
		Archive:    cfg.Slack.Archive,
	}, deps)

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Handler:        pipe,
		Background:     pipe.Tracker(),
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	forwardProvider := "none"
	if fwd != nil {
		forwardProvider = fwd.Name()
	}
	slog.Info("starting mail2slack",
		"version", version,
		"listen", cfg.SMTP.Listen,
		"hostname", cfg.SMTP.Hostname,
		"routes", store.Table().Len(),
		"fallback", store.Table().Fallback() != nil || cfg.Routing.FallbackChannel != "",
		"miss_policy", cfg.Routing.MissPolicy,
		"slack_configured", deps.Resolver != nil,
		"forward_provider", forwardProvider,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	// Blocks until the context is cancelled.
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("mail2slack stopped")
	return nil
}

// wireSlack sets the Slack collaborators when a bot token is configured.
// Without one both Slack tasks are skipped for every event.
func wireSlack(cfg *config.Config, deps *pipeline.Deps) {
	client := slackapi.New(slackapi.Config{
		Token:       cfg.Slack.Token,
		BaseURL:     cfg.Slack.APIURL,
		MaxAttempts: cfg.Slack.MaxAttempts,
	})
	if !client.Configured() {
		slog.Warn("no Slack bot token configured, Slack deliveries are disabled")
		return
	}

	resolver := target.NewResolver(client)
	resolver.AllowCreate = cfg.Slack.AllowCreate
	resolver.CreatePrivate = cfg.Slack.CreatePrivate

	deps.Resolver = resolver
	deps.Notifier = client
	deps.Archiver = slackapi.NewUploader(client)
}

// selectForwarder builds the forwarding backend named by forward.provider.
// It returns nil when forwarding is not configured.
func selectForwarder(ctx context.Context, cfg *config.Config) (provider.Forwarder, error) {
	switch cfg.Forward.Provider {
	case config.ProviderSES:
		slog.Info("using AWS SES forwarder", "region", cfg.SES.Region)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES forwarder: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph forwarder", "sender", cfg.Graph.Sender)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout forwarder")
		return stdout.New(), nil

	case config.ProviderNone:
		slog.Info("no forward provider configured, forward targets are skipped")
		return nil, nil

	default:
		return nil, errors.New("unknown forward provider " + cfg.Forward.Provider)
	}
}
