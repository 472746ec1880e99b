// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator runs the Haven chat orchestrator.
//
// Configuration comes from the environment, with an optional .env file for
// development. See envConfig for the accepted variables.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/havenmind/haven/services/orchestrator"
)

func main() {
	// Missing .env is fine; production injects real environment.
	_ = godotenv.Load()

	svc, err := orchestrator.New(envConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

// envConfig reads the configuration surface from the environment.
func envConfig() orchestrator.Config {
	return orchestrator.Config{
		ListenAddr:               os.Getenv("HAVEN_LISTEN_ADDR"),
		DataDir:                  os.Getenv("HAVEN_DATA_DIR"),
		OpenAIKey:                os.Getenv("HAVEN_OPENAI_API_KEY"),
		OpenAIModel:              os.Getenv("HAVEN_OPENAI_MODEL"),
		OllamaURL:                os.Getenv("HAVEN_OLLAMA_URL"),
		OllamaModel:              os.Getenv("HAVEN_OLLAMA_MODEL"),
		FirstTokenTimeout:        envDuration("HAVEN_FIRST_TOKEN_TIMEOUT"),
		MaxConcurrentPerProvider: envInt("HAVEN_MAX_STREAMS_PER_PROVIDER"),
		Heartbeat:                envDuration("HAVEN_HEARTBEAT"),
		TurnTimeout:              envDuration("HAVEN_TURN_TIMEOUT"),
		HistoryLimit:             envInt("HAVEN_HISTORY_LIMIT"),
		LookupTimeout:            envDuration("HAVEN_LOOKUP_TIMEOUT"),
		TokenBudget:              envInt("HAVEN_TOKEN_BUDGET"),
		KnowledgeFile:            os.Getenv("HAVEN_KNOWLEDGE_FILE"),
		MinEmpathy:               envFloat("HAVEN_MIN_EMPATHY"),
		MinActionability:         envFloat("HAVEN_MIN_ACTIONABILITY"),
		CommitRetries:            envInt("HAVEN_COMMIT_RETRIES"),
		CommitBackoff:            envDuration("HAVEN_COMMIT_BACKOFF"),
		LogLevel:                 os.Getenv("HAVEN_LOG_LEVEL"),
		LogDir:                   os.Getenv("HAVEN_LOG_DIR"),
		OTLPEndpoint:             os.Getenv("HAVEN_OTLP_ENDPOINT"),
	}
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: ignoring %s=%q: %v\n", key, v, err)
		return 0
	}
	return d
}

func envFloat(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: ignoring %s=%q: %v\n", key, v, err)
		return 0
	}
	return f
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: ignoring %s=%q: %v\n", key, v, err)
		return 0
	}
	return n
}
