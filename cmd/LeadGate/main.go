package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/LeadGate/internal/api"
	"github.com/BTreeMap/LeadGate/internal/clarify"
	"github.com/BTreeMap/LeadGate/internal/gate"
	"github.com/BTreeMap/LeadGate/internal/genai"
	"github.com/BTreeMap/LeadGate/internal/lockfile"
	"github.com/BTreeMap/LeadGate/internal/metrics"
	"github.com/BTreeMap/LeadGate/internal/models"
	"github.com/BTreeMap/LeadGate/internal/notify"
	"github.com/BTreeMap/LeadGate/internal/ratelimit"
	"github.com/BTreeMap/LeadGate/internal/scheduler"
	"github.com/BTreeMap/LeadGate/internal/store"
	"github.com/BTreeMap/LeadGate/internal/util"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LeadGate state data
	DefaultStateDir = "/var/lib/leadgate"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "leadgate.db"
	// DefaultWorkerPollInterval is how often the outbox sender and job runner poll.
	DefaultWorkerPollInterval = 5 * time.Second
	// DefaultLLMTimeout bounds a single model call.
	DefaultLLMTimeout = 20 * time.Second
)

// LLM providers accepted by LLM_PROVIDER.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()

	if err := rootCmd(&config).Execute(); err != nil {
		slog.Error("LeadGate failed to run", "error", err)
		os.Exit(1)
	}
}

// Config holds environment configuration
type Config struct {
	StateDir     string
	DatabaseDSN  string
	APIAddr      string
	LogLevel     string
	LLMProvider  string
	LLMTimeout   time.Duration
	OpenAIKey    string
	OpenAIModel  string
	GeminiKey    string
	GeminiModel  string
	RedisURL     string
	TwilioSID    string
	TwilioToken  string
	TwilioFrom   string
	TwilioChan   string
	ReviewerTo   string
	RulesFile    string
	MaxQuestions int
	SessionTTL   time.Duration
	RateLimit    bool
	CORSOrigins  []string
	FormVersion  string
	RulesVersion string
	PollInterval time.Duration
	Maintenance  string
}

// initializeLogger sets up structured logging; level defaults to debug.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:     os.Getenv("LEADGATE_STATE_DIR"),
		DatabaseDSN:  util.FirstEnv("LEADGATE_DB_DSN", "DATABASE_URL"),
		APIAddr:      os.Getenv("API_ADDR"),
		LogLevel:     os.Getenv("LOG_LEVEL"),
		LLMProvider:  strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER"))),
		LLMTimeout:   util.ParseDurationEnv("LLM_TIMEOUT", DefaultLLMTimeout),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  os.Getenv("OPENAI_MODEL"),
		GeminiKey:    os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  os.Getenv("GEMINI_MODEL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		TwilioSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:   os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioChan:   os.Getenv("TWILIO_CHANNEL"),
		ReviewerTo:   os.Getenv("REVIEWER_PHONE"),
		RulesFile:    os.Getenv("GATE_RULES_FILE"),
		MaxQuestions: util.ParseIntEnv("CLARIFY_MAX_QUESTIONS", clarify.DefaultMaxQuestions),
		SessionTTL:   util.ParseDurationEnv("CLARIFY_SESSION_TTL", clarify.DefaultSessionTTL),
		RateLimit:    util.ParseBoolEnv("RATE_LIMIT_ENABLED", true),
		CORSOrigins:  util.ParseListEnv("CORS_ALLOWED_ORIGINS"),
		FormVersion:  os.Getenv("FORM_VERSION"),
		RulesVersion: os.Getenv("RULES_VERSION"),
		PollInterval: util.ParseDurationEnv("WORKER_POLL_INTERVAL", DefaultWorkerPollInterval),
		Maintenance:  os.Getenv("MAINTENANCE_SCHEDULE"),
	}

	if config.Maintenance == "" {
		config.Maintenance = scheduler.DefaultMaintenanceSchedule
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LEADGATE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Pick a provider from whichever key is present.
	if config.LLMProvider == "" {
		switch {
		case config.OpenAIKey != "":
			config.LLMProvider = ProviderOpenAI
		case config.GeminiKey != "":
			config.LLMProvider = ProviderGemini
		default:
			config.LLMProvider = ProviderNone
		}
	}

	slog.Debug("environment variables loaded",
		"LEADGATE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"API_ADDR", config.APIAddr,
		"LLM_PROVIDER", config.LLMProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"TWILIO_CONFIGURED", config.TwilioSID != "" && config.TwilioToken != "",
		"GATE_RULES_FILE", config.RulesFile,
		"RATE_LIMIT_ENABLED", config.RateLimit)

	return config
}

// rootCmd builds the command tree. Persistent flags override config values.
func rootCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "leadgate",
		Short:         "Lead qualification gate with adaptive clarification",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("log-level") {
				initializeLogger(config.LogLevel)
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for LeadGate data (overrides $LEADGATE_STATE_DIR)")
	flags.StringVar(&config.DatabaseDSN, "db-dsn", config.DatabaseDSN, "database DSN, a SQLite path or a Postgres URL (overrides $LEADGATE_DB_DSN or $DATABASE_URL)")
	flags.StringVar(&config.RulesFile, "rules", config.RulesFile, "YAML gate rules override (overrides $GATE_RULES_FILE)")
	flags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")

	cmd.AddCommand(serveCmd(config), evaluateCmd(config))
	return cmd
}

func serveCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the outbox sender and job runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			slog.Info("Bootstrapping LeadGate with configured modules")
			if err := runServe(ctx, *config); err != nil {
				return err
			}
			slog.Info("LeadGate exited successfully")
			return nil
		},
	}
	cmd.Flags().StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	cmd.Flags().StringVar(&config.LLMProvider, "llm-provider", config.LLMProvider, "LLM provider: openai, gemini or none (overrides $LLM_PROVIDER)")
	return cmd
}

func evaluateCmd(config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <form.json|->",
		Short: "Evaluate an intake form offline and print the gate evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(*config, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runServe wires every module and blocks until ctx is canceled or a worker fails.
func runServe(ctx context.Context, config Config) error {
	dsn := resolveDSN(config)
	postgres := store.IsPostgresDSN(dsn)

	if !postgres {
		if err := ensureDirectoriesExist(dsn); err != nil {
			return err
		}
		lock, err := lockfile.AcquireLock(config.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("runServe: failed to close store", "error", err)
		}
	}()

	engine, err := buildGateEngine(config)
	if err != nil {
		return err
	}
	gen, err := buildGenerator(ctx, config)
	if err != nil {
		return err
	}
	m := metrics.New()

	svc := clarify.NewService(st, engine, gen, buildClarifyOptions(config, st, m)...)

	limiter, closeLimiter, err := buildRateLimiter(ctx, config)
	if err != nil {
		return err
	}
	defer closeLimiter()

	sender, err := buildSender(config)
	if err != nil {
		return err
	}

	server := api.NewServer(svc, engine, buildAPIOptions(config, limiter, m)...)

	outbox := store.NewOutboxSender(st, notify.OutboxSendFunc(sender), config.PollInterval,
		store.WithOutcomeHook(func(_, outcome string) { m.Notification(outcome) }))
	if err := outbox.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("runServe: outbox recovery failed", "error", err)
	}
	runner := store.NewJobRunner(st, config.PollInterval, store.WithOutcomeHook(m.Job))
	runner.RegisterHandler(clarify.JobKindAbandonmentCheck, svc.HandleAbandonmentCheck)
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("runServe: job recovery failed", "error", err)
	}

	maint, err := buildMaintenanceScheduler(config, outbox, runner, limiter)
	if err != nil {
		return err
	}

	slog.Debug("Final configuration", "dsn_postgres", postgres, "llm_provider", config.LLMProvider, "api_addr", config.APIAddr, "rate_limit", limiter != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		outbox.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		maint.Run(gctx)
		return nil
	})
	return g.Wait()
}

// runEvaluate reads a form from path ("-" for in) and writes its evaluation as JSON.
func runEvaluate(config Config, path string, in io.Reader, out io.Writer) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(in)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read form: %w", err)
	}

	var form models.IntakeForm
	if err := json.Unmarshal(data, &form); err != nil {
		return fmt.Errorf("%w: invalid JSON format: %v", models.ErrValidation, err)
	}
	form = form.Normalize()
	if err := form.Validate(); err != nil {
		return err
	}

	engine, err := buildGateEngine(config)
	if err != nil {
		return err
	}
	eval := engine.Evaluate(form)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		models.GateEvaluation
		Message string `json:"message"`
	}{eval, gate.RoutingMessage(eval.Routing)})
}

// resolveDSN defaults to a SQLite file in the state directory.
func resolveDSN(config Config) string {
	if config.DatabaseDSN != "" {
		return config.DatabaseDSN
	}
	return filepath.Join(config.StateDir, DefaultDBFileName)
}

// ensureDirectoriesExist creates the directory holding a SQLite database file
func ensureDirectoriesExist(dsn string) error {
	stateDir := filepath.Dir(dsn)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// buildGateEngine loads the rules file when one is configured.
func buildGateEngine(config Config) (*gate.Engine, error) {
	var opts []gate.Option
	if config.RulesFile != "" {
		rules, err := gate.LoadRulesFile(config.RulesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, gate.WithRules(rules))
	}
	return gate.NewEngine(opts...)
}

// buildGenerator returns a nil Generator for the "none" provider, which
// leaves detection and question planning to the built-in rules.
func buildGenerator(ctx context.Context, config Config) (genai.Generator, error) {
	switch config.LLMProvider {
	case ProviderOpenAI:
		opts := []genai.Option{genai.WithTimeout(config.LLMTimeout)}
		if config.OpenAIKey != "" {
			opts = append(opts, genai.WithAPIKey(config.OpenAIKey))
		}
		if config.OpenAIModel != "" {
			opts = append(opts, genai.WithModel(config.OpenAIModel))
		}
		client, err := genai.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return client, nil
	case ProviderGemini:
		opts := []genai.Option{genai.WithTimeout(config.LLMTimeout)}
		if config.GeminiKey != "" {
			opts = append(opts, genai.WithAPIKey(config.GeminiKey))
		}
		if config.GeminiModel != "" {
			opts = append(opts, genai.WithModel(config.GeminiModel))
		}
		client, err := genai.NewGeminiClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		return client, nil
	case ProviderNone, "":
		slog.Info("buildGenerator: no LLM provider configured, using rule-based clarification only")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q (want openai, gemini or none)", config.LLMProvider)
	}
}

// buildClarifyOptions constructs clarification service options
func buildClarifyOptions(config Config, st store.Store, m *metrics.Metrics) []clarify.Option {
	opts := []clarify.Option{
		clarify.WithMaxQuestions(config.MaxQuestions),
		clarify.WithSessionTTL(config.SessionTTL),
		clarify.WithAbandonmentJobs(st),
		clarify.WithMetrics(m),
		clarify.WithVersions(config.FormVersion, config.RulesVersion),
	}
	if config.ReviewerTo != "" {
		opts = append(opts, clarify.WithReviewerAlerts(st, config.ReviewerTo))
	} else {
		slog.Debug("No REVIEWER_PHONE set, reviewer alerts disabled")
	}
	return opts
}

// buildRateLimiter returns a nil limiter when rate limiting is disabled. The
// returned close function is always safe to call.
func buildRateLimiter(ctx context.Context, config Config) (*ratelimit.Limiter, func(), error) {
	if !config.RateLimit {
		slog.Info("buildRateLimiter: rate limiting disabled")
		return nil, func() {}, nil
	}
	if config.RedisURL == "" {
		return ratelimit.New(ratelimit.NewMemoryStore()), func() {}, nil
	}
	rs, err := ratelimit.NewRedisStoreFromURL(ctx, config.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Debug("buildRateLimiter: using Redis rate limit store")
	return ratelimit.New(rs), func() {
		if err := rs.Close(); err != nil {
			slog.Warn("buildRateLimiter: failed to close Redis client", "error", err)
		}
	}, nil
}

// buildSender picks Twilio when credentials are set, otherwise the log sender.
func buildSender(config Config) (notify.Sender, error) {
	if config.TwilioSID == "" || config.TwilioToken == "" {
		return notify.LogSender{}, nil
	}
	opts := []notify.Option{
		notify.WithAccountSID(config.TwilioSID),
		notify.WithAuthToken(config.TwilioToken),
		notify.WithFrom(config.TwilioFrom),
	}
	if config.TwilioChan != "" {
		opts = append(opts, notify.WithChannel(notify.Channel(config.TwilioChan)))
	}
	client, err := notify.NewTwilioClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}
	return client, nil
}

// buildMaintenanceScheduler requeues outbox messages and jobs left claimed by a
// stalled worker on the configured schedule, and drops idle rate limit keys.
func buildMaintenanceScheduler(config Config, outbox *store.OutboxSender, runner *store.JobRunner, limiter *ratelimit.Limiter) (*scheduler.Scheduler, error) {
	s := scheduler.NewScheduler()
	if err := s.AddTask("recover_outbox", config.Maintenance, outbox.RecoverStaleMessages); err != nil {
		return nil, err
	}
	if err := s.AddTask("recover_jobs", config.Maintenance, runner.RecoverStaleJobs); err != nil {
		return nil, err
	}
	if limiter != nil {
		if err := s.AddTask("sweep_rate_limits", config.Maintenance, limiter.Sweep); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, limiter *ratelimit.Limiter, m *metrics.Metrics) []api.Option {
	apiOpts := []api.Option{api.WithMetrics(m)}
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	if len(config.CORSOrigins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(config.CORSOrigins))
	}
	if limiter != nil {
		apiOpts = append(apiOpts, api.WithRateLimiter(limiter))
	}
	return apiOpts
}
