package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all mailflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	AgentEndpoint   string `json:"agent_endpoint"`
	MailboxEndpoint string `json:"mailbox_endpoint"`
	SchedulerOff    bool   `json:"scheduler_off"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4300",
		DBPath:     filepath.Join(mailflowDir(), "mailflow.db"),
		LogLevel:   "info",
	}
}

func mailflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailflow"
	}
	return filepath.Join(home, ".mailflow")
}

func settingsPath() string {
	return filepath.Join(mailflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("MAILFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MAILFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MAILFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAILFLOW_AGENT_ENDPOINT"); v != "" {
		cfg.AgentEndpoint = v
	}
	if v := os.Getenv("MAILFLOW_MAILBOX_ENDPOINT"); v != "" {
		cfg.MailboxEndpoint = v
	}
	if v := os.Getenv("MAILFLOW_SCHEDULER_OFF"); v != "" {
		cfg.SchedulerOff = v == "true" || v == "1"
	}

	return cfg
}
