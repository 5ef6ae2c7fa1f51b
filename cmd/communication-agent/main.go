// Command communication-agent runs the multi-tenant communication worker:
// the job queue engine draining communication_jobs and the proactive
// scheduler refilling it from tenant DMS sweeps.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/waldenltd/communication-agent/internal/engine"
	"github.com/waldenltd/communication-agent/internal/genai"
	"github.com/waldenltd/communication-agent/internal/messaging"
	"github.com/waldenltd/communication-agent/internal/pdf"
	"github.com/waldenltd/communication-agent/internal/scheduler"
	"github.com/waldenltd/communication-agent/internal/store"
	"github.com/waldenltd/communication-agent/internal/template"
	"github.com/waldenltd/communication-agent/internal/tenant"
	"github.com/waldenltd/communication-agent/internal/util"
)

// DefaultCentralDBURL is used when CENTRAL_DB_URL is not set.
const DefaultCentralDBURL = "postgres://dms_agent@localhost:5432/dms_communications"

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	slog.Info("Starting communication agent worker")

	centralStore, err := store.New(
		store.WithDSN(*flags.centralDBURL),
		store.WithDefaultMaxRetries(*flags.maxRetries),
	)
	if err != nil {
		slog.Error("Failed to open central store", "error", err)
		os.Exit(1)
	}

	gateway := tenant.NewGateway(centralStore)

	var enhancer template.Enhancer
	if config.DeepseekKey != "" {
		client, err := genai.NewClient(genai.WithAPIKey(config.DeepseekKey))
		if err != nil {
			slog.Warn("GenAI enhancement disabled", "error", err)
		} else {
			enhancer = client
		}
	}
	renderer := template.NewStoreRenderer(centralStore, enhancer)

	processor := engine.NewProcessor(
		engine.Deps{
			Store:       centralStore,
			Tenants:     gateway,
			Email:       messaging.NewEmailService(),
			SMS:         messaging.NewTwilioSMS(),
			Attachments: pdf.NewHTTPFetcher(),
		},
		engine.Config{
			PollInterval:      config.PollInterval,
			MaxConcurrentJobs: *flags.maxConcurrentJobs,
			RetryDelay:        time.Duration(*flags.retryDelayMinutes) * time.Minute,
			StaleJobTimeout:   time.Duration(config.StaleJobTimeoutMinutes) * time.Minute,
		},
	)

	sweeps := scheduler.New(centralStore, gateway, renderer, scheduler.Config{
		ServiceReminderHourUTC:          config.ServiceReminderHourUTC,
		InvoiceReminderHourUTC:          config.InvoiceReminderHourUTC,
		AppointmentConfirmationInterval: config.AppointmentInterval,
	})

	processor.Start()
	sweeps.Start()

	// Graceful drain: stop claiming, let in-flight handlers finish, then
	// close every pool.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down communication agent", "signal", sig.String())

	sweeps.Stop()
	processor.Stop()
	gateway.Close()
	if err := centralStore.Close(); err != nil {
		slog.Error("Failed to close central store", "error", err)
	}
	slog.Info("Communication agent exited")
}

// Config holds environment configuration.
type Config struct {
	CentralDBURL           string
	PollInterval           time.Duration
	MaxConcurrentJobs      int
	RetryDelayMinutes      int
	MaxRetries             int
	ServiceReminderHourUTC int
	InvoiceReminderHourUTC int
	AppointmentInterval    time.Duration
	StaleJobTimeoutMinutes int
	DeepseekKey            string
}

// Flags holds command line flag values.
type Flags struct {
	centralDBURL      *string
	maxConcurrentJobs *int
	retryDelayMinutes *int
	maxRetries        *int
}

// initializeLogger sets up structured logging; LOG_LEVEL selects the level.
func initializeLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		CentralDBURL:           os.Getenv("CENTRAL_DB_URL"),
		PollInterval:           util.ParseMillisEnv("POLL_INTERVAL_MS", 5*time.Second),
		MaxConcurrentJobs:      util.ParseIntEnv("MAX_CONCURRENT_JOBS", 5),
		RetryDelayMinutes:      util.ParseIntEnv("RETRY_DELAY_MINUTES", 5),
		MaxRetries:             util.ParseIntEnv("MAX_RETRIES", 3),
		ServiceReminderHourUTC: util.ParseIntEnv("SERVICE_REMINDER_HOUR_UTC", scheduler.DefaultServiceReminderHourUTC),
		InvoiceReminderHourUTC: util.ParseIntEnv("INVOICE_REMINDER_HOUR_UTC", scheduler.DefaultInvoiceReminderHourUTC),
		AppointmentInterval:    util.ParseMillisEnv("APPOINTMENT_CONFIRMATION_INTERVAL_MS", time.Hour),
		StaleJobTimeoutMinutes: util.ParseIntEnv("STALE_JOB_TIMEOUT_MINUTES", 15),
		DeepseekKey:            os.Getenv("DEEPSEEK_API_KEY"),
	}
	if config.CentralDBURL == "" {
		config.CentralDBURL = DefaultCentralDBURL
		slog.Debug("No CENTRAL_DB_URL set, using default", "default_url_set", true)
	}

	slog.Debug("environment variables loaded",
		"CENTRAL_DB_URL_SET", config.CentralDBURL != "",
		"POLL_INTERVAL", config.PollInterval,
		"MAX_CONCURRENT_JOBS", config.MaxConcurrentJobs,
		"RETRY_DELAY_MINUTES", config.RetryDelayMinutes,
		"MAX_RETRIES", config.MaxRetries,
		"SERVICE_REMINDER_HOUR_UTC", config.ServiceReminderHourUTC,
		"INVOICE_REMINDER_HOUR_UTC", config.InvoiceReminderHourUTC,
		"APPOINTMENT_CONFIRMATION_INTERVAL", config.AppointmentInterval,
		"STALE_JOB_TIMEOUT_MINUTES", config.StaleJobTimeoutMinutes,
		"DEEPSEEK_API_KEY_SET", config.DeepseekKey != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		centralDBURL:      flag.String("central-db-url", config.CentralDBURL, "central database connection string (overrides $CENTRAL_DB_URL)"),
		maxConcurrentJobs: flag.Int("max-concurrent-jobs", config.MaxConcurrentJobs, "maximum jobs processed in parallel (overrides $MAX_CONCURRENT_JOBS)"),
		retryDelayMinutes: flag.Int("retry-delay-minutes", config.RetryDelayMinutes, "delay between retry attempts in minutes (overrides $RETRY_DELAY_MINUTES)"),
		maxRetries:        flag.Int("max-retries", config.MaxRetries, "maximum delivery attempts per job (overrides $MAX_RETRIES)"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"centralDBURL_set", *flags.centralDBURL != "",
		"maxConcurrentJobs", *flags.maxConcurrentJobs,
		"retryDelayMinutes", *flags.retryDelayMinutes,
		"maxRetries", *flags.maxRetries)

	return flags
}
