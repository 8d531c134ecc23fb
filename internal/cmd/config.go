package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Transport struct {
		Kind      string `yaml:"kind"`
		WebSocket struct {
			URL string `yaml:"url"`
		} `yaml:"websocket"`
		NATS struct {
			URL           string `yaml:"url"`
			SubjectPrefix string `yaml:"subject_prefix"`
		} `yaml:"nats"`
	} `yaml:"transport"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func defaultConfig() *Config {
	var config Config
	config.API.BaseURL = getEnv("API_BASE_URL", "http://localhost:3000")
	config.Transport.Kind = getEnv("TRANSPORT", "websocket")
	config.Transport.WebSocket.URL = getEnv("WS_URL", "ws://localhost:3000/ws")
	config.Transport.NATS.URL = getEnv("NATS_URL", "nats://localhost:4222")
	config.Transport.NATS.SubjectPrefix = "feed.user"
	return &config
}

func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
