package main

import (
	"context"
	"crypto/tls"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/net/http2"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultUsageURL = "https://api.anthropic.com/api/oauth/usage"

type config struct {
	listenAddr      string
	credentialsPath string
	dbPath          string
	claudeBase      string
	tokenURL        string
	usageURL        string
	maxRetries      int
	usageRefresh    time.Duration
	flushInterval   time.Duration
	debug           bool
	logFile         string
	watchCreds      bool
}

func buildConfig() config {
	configFile, err := loadConfigFile("config.toml")
	if err != nil {
		log.Printf("warning: failed to load config.toml: %v", err)
	}
	if configFile == nil {
		configFile = &ConfigFile{}
	}

	return config{
		listenAddr:      getConfigString("POOL_LISTEN_ADDR", configFile.ListenAddr, ":8094"),
		credentialsPath: getConfigString("POOL_CREDENTIALS", configFile.CredentialsPath, defaultCredentialsPath()),
		dbPath:          getConfigString("POOL_DB", configFile.DBPath, "pool_history.db"),
		claudeBase:      getConfigString("POOL_CLAUDE_BASE", configFile.ClaudeBase, defaultClaudeBase),
		tokenURL:        getConfigString("POOL_TOKEN_URL", configFile.TokenURL, oauthTokenURL),
		usageURL:        getConfigString("POOL_USAGE_URL", configFile.UsageURL, defaultUsageURL),
		maxRetries:      getConfigInt("POOL_MAX_RETRIES", configFile.MaxRetries, defaultMaxRetries),
		usageRefresh:    getConfigDuration("POOL_USAGE_TTL", configFile.UsageTTLSeconds, usageTTL),
		flushInterval:   100 * time.Millisecond,
		debug:           getConfigBool("POOL_DEBUG", configFile.Debug, false),
		logFile:         getConfigString("POOL_LOG_FILE", configFile.LogFile, ""),
		watchCreds:      getConfigBool("POOL_WATCH_CREDENTIALS", configFile.WatchCreds, true),
	}
}

func main() {
	_ = godotenv.Load()
	cfg := buildConfig()

	if cfg.logFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}))
	}

	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Printf("warning: http2 configure: %v", err)
	}
	client := &http.Client{Transport: transport}

	store := NewCredentialStore(cfg.credentialsPath)
	log.Printf("loaded %d account(s) from %s", store.Count(), cfg.credentialsPath)

	history, err := NewHistoryStore(cfg.dbPath, 30)
	if err != nil {
		log.Printf("warning: history db unavailable: %v", err)
		history = nil
	}
	defer history.Close()

	refresher := NewTokenRefresher(store, cfg.tokenURL, client)
	usage := NewUsageCache(refresher, cfg.usageURL, client, log.Printf)
	usage.ttl = cfg.usageRefresh
	manager := NewAccountManager(store, usage, refresher, log.Printf)
	provider := NewPoolProvider(manager, newAnthropicStreamFunc(cfg.claudeBase, client), history, cfg.maxRetries, log.Printf)

	if cfg.watchCreds {
		go func() {
			if err := store.Watch(); err != nil {
				log.Printf("warning: credentials watch stopped: %v", err)
			}
		}()
	}

	// Keep usage warm and cooldowns tidy in the background so selection
	// rarely has to fetch inline.
	go func() {
		ticker := time.NewTicker(cfg.usageRefresh)
		defer ticker.Stop()
		for range ticker.C {
			store.ClearExpiredExhaustion(time.Now())
			usage.RefreshStale(context.Background(), store.List())
		}
	}()

	handler := &proxyHandler{
		store:         store,
		usage:         usage,
		manager:       manager,
		refresher:     refresher,
		provider:      provider,
		history:       history,
		debug:         cfg.debug,
		flushInterval: cfg.flushInterval,
	}

	server := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("claude-pool-proxy listening on %s", cfg.listenAddr)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("server: %v", err)
	}
}
