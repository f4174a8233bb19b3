package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/MPBridge/internal/channel"
	"github.com/BTreeMap/MPBridge/internal/genai"
	"github.com/BTreeMap/MPBridge/internal/imageapi"
	"github.com/BTreeMap/MPBridge/internal/responder"
	"github.com/BTreeMap/MPBridge/internal/store"
	"github.com/BTreeMap/MPBridge/internal/util"
	"github.com/BTreeMap/MPBridge/internal/wechat"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MPBridge state data
	DefaultStateDir = "/var/lib/mpbridge"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "mpbridge.db"
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
	wechatOpts := buildWeChatOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	imageOpts := buildImageAPIOptions(flags, config)
	serverOpts, err := buildServerOptions(flags, config)
	if err != nil {
		slog.Error("Failed to build server options", "error", err)
		os.Exit(1)
	}
	runOpts := buildRunOptions(flags, config)

	// Start the service
	slog.Info("Bootstrapping MPBridge with configured modules")
	slog.Debug("Module options counts", "wechat", len(wechatOpts), "store", len(storeOpts), "genai", len(genaiOpts), "imageapi", len(imageOpts), "server", len(serverOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "addr", *flags.addr)
	if err := channel.Run(wechatOpts, storeOpts, genaiOpts, imageOpts, serverOpts, runOpts...); err != nil {
		slog.Error("MPBridge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MPBridge exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseDSN    string
	Addr           string
	OpenAIKey      string
	ChatModel      string
	SystemPrompt   string
	Token          string
	AppID          string
	AppSecret      string
	AESKey         string
	ImageAPIURL    string
	ImageSubject   string
	ImageGrade     string
	RequireKeyword bool
	Keywords       string
	ChatPrefixes   string
	SubscribeReply string
	VoiceReply     bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	addr        *string
	openaiKey   *string
	token       *string
	appID       *string
	appSecret   *string
	aesKey      *string
	imageAPIURL *string
}

// initializeLogger sets up structured logging; MPBRIDGE_DEBUG enables debug level
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("MPBRIDGE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		StateDir:       os.Getenv("MPBRIDGE_STATE_DIR"),
		DatabaseDSN:    os.Getenv("DATABASE_DSN"),
		Addr:           os.Getenv("MPBRIDGE_ADDR"),
		ChatModel:      os.Getenv("OPENAI_MODEL"),
		SystemPrompt:   os.Getenv("CHARACTER_DESC"),
		Token:          os.Getenv("WECHAT_TOKEN"),
		AppID:          os.Getenv("WECHAT_APP_ID"),
		ImageAPIURL:    os.Getenv("IMAGE_API_URL"),
		ImageSubject:   os.Getenv("IMAGE_API_SUBJECT"),
		ImageGrade:     os.Getenv("IMAGE_API_GRADE"),
		RequireKeyword: util.ParseBoolEnv("IMAGE_API_REQUIRE_KEYWORD", true),
		Keywords:       os.Getenv("IMAGE_API_TRIGGER_KEYWORDS"),
		ChatPrefixes:   os.Getenv("SINGLE_CHAT_PREFIX"),
		SubscribeReply: os.Getenv("SUBSCRIBE_REPLY"),
		VoiceReply:     util.ParseBoolEnv("VOICE_REPLY", false),
	}

	// Secrets honor the _FILE indirection used in container deployments.
	for _, secret := range []struct {
		key  string
		dest *string
	}{
		{"OPENAI_API_KEY", &config.OpenAIKey},
		{"WECHAT_APP_SECRET", &config.AppSecret},
		{"WECHAT_AES_KEY", &config.AESKey},
	} {
		val, err := util.ReadSecretEnv(secret.key)
		if err != nil {
			slog.Warn("Failed to read secret, leaving unset", "key", secret.key, "error", err)
			continue
		}
		*secret.dest = val
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MPBRIDGE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("MPBRIDGE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Legacy DATABASE_URL is honored when DATABASE_DSN is not set
	if config.DatabaseDSN == "" {
		if legacy := os.Getenv("DATABASE_URL"); legacy != "" {
			config.DatabaseDSN = legacy
			slog.Debug("Using DATABASE_URL as DATABASE_DSN", "dsn_set", true)
		}
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	slog.Debug("environment variables loaded",
		"MPBRIDGE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"MPBRIDGE_ADDR", config.Addr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"WECHAT_TOKEN_SET", config.Token != "",
		"WECHAT_APP_ID_SET", config.AppID != "",
		"WECHAT_AES_KEY_SET", config.AESKey != "",
		"IMAGE_API_URL_SET", config.ImageAPIURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for MPBridge data (overrides $MPBRIDGE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseDSN, "history database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		addr:        flag.String("addr", config.Addr, "webhook listen address (overrides $MPBRIDGE_ADDR)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		token:       flag.String("wechat-token", config.Token, "callback verification token (overrides $WECHAT_TOKEN)"),
		appID:       flag.String("wechat-app-id", config.AppID, "official account app id (overrides $WECHAT_APP_ID)"),
		appSecret:   flag.String("wechat-app-secret", config.AppSecret, "official account app secret (overrides $WECHAT_APP_SECRET)"),
		aesKey:      flag.String("wechat-aes-key", config.AESKey, "EncodingAESKey for safe-mode callbacks (overrides $WECHAT_AES_KEY)"),
		imageAPIURL: flag.String("image-api-url", config.ImageAPIURL, "picture analysis endpoint (overrides $IMAGE_API_URL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"addr", *flags.addr,
		"openaiKeySet", *flags.openaiKey != "",
		"tokenSet", *flags.token != "",
		"appIDSet", *flags.appID != "",
		"aesKeySet", *flags.aesKey != "",
		"imageAPIURL", *flags.imageAPIURL)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	slog.Debug("Creating state directory", "state_dir", *flags.stateDir)
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if store.DetectBackend(*flags.dbDSN) == store.BackendSQLite {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "db_dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// buildWeChatOptions constructs platform client configuration options
func buildWeChatOptions(flags Flags) []wechat.Option {
	var opts []wechat.Option
	if *flags.appID != "" {
		opts = append(opts, wechat.WithAppID(*flags.appID))
	}
	if *flags.appSecret != "" {
		opts = append(opts, wechat.WithAppSecret(*flags.appSecret))
	}
	opts = append(opts, wechat.WithTempDir(*flags.stateDir))
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var opts []store.Option
	if *flags.dbDSN != "" {
		backend := store.DetectBackend(*flags.dbDSN)
		slog.Debug("Detected history store backend", "backend", backend, "dsn_set", true)
		opts = append(opts, store.WithDSN(*flags.dbDSN))
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	return opts
}

// buildImageAPIOptions constructs picture analysis client options
func buildImageAPIOptions(flags Flags, config Config) []imageapi.Option {
	var opts []imageapi.Option
	if *flags.imageAPIURL != "" {
		opts = append(opts, imageapi.WithEndpoint(*flags.imageAPIURL))
	}
	if config.ImageSubject != "" {
		opts = append(opts, imageapi.WithSubject(config.ImageSubject))
	}
	if config.ImageGrade != "" {
		opts = append(opts, imageapi.WithGrade(config.ImageGrade))
	}
	return opts
}

// buildServerOptions constructs webhook server configuration options
func buildServerOptions(flags Flags, config Config) ([]channel.Option, error) {
	var opts []channel.Option
	if *flags.token != "" {
		opts = append(opts, channel.WithToken(*flags.token))
	}
	if *flags.aesKey != "" {
		crypto, err := wechat.NewCrypto(*flags.aesKey, *flags.appID)
		if err != nil {
			return nil, err
		}
		opts = append(opts, channel.WithCrypto(crypto))
	}
	opts = append(opts, channel.WithImageAnalysis(*flags.imageAPIURL != ""))
	opts = append(opts, channel.WithKeywordGate(config.RequireKeyword))
	if keywords := splitList(config.Keywords); len(keywords) > 0 {
		opts = append(opts, channel.WithTriggerKeywords(keywords))
	}
	if prefixes := splitList(config.ChatPrefixes); len(prefixes) > 0 {
		opts = append(opts, channel.WithChatPrefixes(prefixes))
	}
	if config.SubscribeReply != "" {
		opts = append(opts, channel.WithSubscribeReply(config.SubscribeReply))
	}
	if config.VoiceReply {
		opts = append(opts, channel.WithVoiceReply(true))
	}
	return opts, nil
}

// buildRunOptions constructs service-level options
func buildRunOptions(flags Flags, config Config) []channel.RunOption {
	opts := []channel.RunOption{
		channel.WithStateDir(*flags.stateDir),
	}
	if *flags.addr != "" {
		opts = append(opts, channel.WithAddr(*flags.addr))
	}
	if config.SystemPrompt != "" {
		opts = append(opts, channel.WithResponderOptions(responder.WithSystemPrompt(config.SystemPrompt)))
	}
	return opts
}

// splitList splits a comma-separated environment value into trimmed entries.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
