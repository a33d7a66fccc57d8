package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoachPipe state data
	DefaultStateDir = "/var/lib/coachpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "coachpipe.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Build module options
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping CoachPipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := api.Run(storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("CoachPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CoachPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseDSN     string
	DatabaseURL     string
	StateDir        string
	OpenAIKey       string
	APIAddr         string
	DetectionCron   string
	RedisURL        string
	SnapshotBaseURL string
	RecordsBaseURL  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	openaiKey       *string
	apiAddr         *string
	detectionCron   *string
	redisURL        *string
	snapshotBaseURL *string
	recordsBaseURL  *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseDSN:     os.Getenv("DATABASE_DSN"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("COACHPIPE_STATE_DIR"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		APIAddr:         os.Getenv("API_ADDR"),
		DetectionCron:   os.Getenv("DETECTION_SCHEDULE"),
		RedisURL:        os.Getenv("REDIS_URL"),
		SnapshotBaseURL: os.Getenv("SNAPSHOT_BASE_URL"),
		RecordsBaseURL:  os.Getenv("RECORDS_BASE_URL"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COACHPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("COACHPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Default to DATABASE_URL if no specific DSN is set
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = config.DatabaseURL
		if config.DatabaseURL != "" {
			slog.Debug("Using DATABASE_URL as DATABASE_DSN", "dsn_set", true)
		}
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"COACHPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"DETECTION_SCHEDULE", config.DetectionCron,
		"REDIS_URL_SET", config.RedisURL != "",
		"SNAPSHOT_BASE_URL", config.SnapshotBaseURL,
		"RECORDS_BASE_URL", config.RecordsBaseURL)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for CoachPipe data (overrides $COACHPIPE_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseDSN, "database DSN for the prompt store (overrides $DATABASE_DSN or $DATABASE_URL)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		detectionCron:   flag.String("detection-cron", config.DetectionCron, "cron schedule for timing detection cycles (overrides $DETECTION_SCHEDULE)"),
		redisURL:        flag.String("redis-url", config.RedisURL, "Redis URL for the cross-instance event broker (overrides $REDIS_URL)"),
		snapshotBaseURL: flag.String("snapshot-base-url", config.SnapshotBaseURL, "base URL of the activity snapshot service (overrides $SNAPSHOT_BASE_URL)"),
		recordsBaseURL:  flag.String("records-base-url", config.RecordsBaseURL, "base URL of the habit records service (overrides $RECORDS_BASE_URL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"detectionCron", *flags.detectionCron,
		"redisURL_set", *flags.redisURL != "",
		"snapshotBaseURL", *flags.snapshotBaseURL,
		"recordsBaseURL", *flags.recordsBaseURL)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.IsPostgresDSN(*flags.dbDSN) {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		}
		storeOpts = append(storeOpts, store.WithDSN(*flags.dbDSN))
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.detectionCron != "" {
		apiOpts = append(apiOpts, api.WithDetectionCron(*flags.detectionCron))
	}
	if *flags.redisURL != "" {
		apiOpts = append(apiOpts, api.WithRedisURL(*flags.redisURL))
	}
	if *flags.snapshotBaseURL != "" {
		apiOpts = append(apiOpts, api.WithSnapshotBaseURL(*flags.snapshotBaseURL))
	}
	if *flags.recordsBaseURL != "" {
		apiOpts = append(apiOpts, api.WithRecordsBaseURL(*flags.recordsBaseURL))
	}
	if *flags.stateDir != "" {
		apiOpts = append(apiOpts, api.WithStateDir(*flags.stateDir))
	}
	return apiOpts
}
