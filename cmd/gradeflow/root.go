// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/internal/log"
	"github.com/teradata-labs/gradeflow/internal/version"
)

var (
	cfgFile string
	config  *Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:     "gradeflow",
	Short:   "Batched AI grading orchestrator",
	Long:    `gradeflow runs checkpointed grading workflows: rubric parsing and review, fan-out grading with deterministic finalization, logic review, human adjudication, export, and rule upgrades.`,
	Version: version.Get(),
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gradeflow.yaml)")

	// LLM flags
	rootCmd.PersistentFlags().String("anthropic-key", "", "Anthropic API key (or ANTHROPIC_API_KEY)")
	rootCmd.PersistentFlags().String("anthropic-model", "", "Anthropic model")
	rootCmd.PersistentFlags().Int("max-tokens", 0, "Maximum tokens per request")
	rootCmd.PersistentFlags().Float64("temperature", 0, "LLM sampling temperature")

	// Storage flags
	rootCmd.PersistentFlags().String("db", "gradeflow.db", "SQLite database path")
	rootCmd.PersistentFlags().String("export-dir", "exports", "JSON artifact directory")
	rootCmd.PersistentFlags().String("files-dir", "", "Blob storage directory (empty disables image recovery)")
	rootCmd.PersistentFlags().String("rules-dir", "rules", "Deployed rule-set directory")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")

	_ = viper.BindPFlag("llm.anthropic_api_key", rootCmd.PersistentFlags().Lookup("anthropic-key"))
	_ = viper.BindPFlag("llm.anthropic_model", rootCmd.PersistentFlags().Lookup("anthropic-model"))
	_ = viper.BindPFlag("llm.max_tokens", rootCmd.PersistentFlags().Lookup("max-tokens"))
	_ = viper.BindPFlag("llm.temperature", rootCmd.PersistentFlags().Lookup("temperature"))

	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("storage.export_dir", rootCmd.PersistentFlags().Lookup("export-dir"))
	_ = viper.BindPFlag("storage.files_dir", rootCmd.PersistentFlags().Lookup("files-dir"))
	_ = viper.BindPFlag("storage.rules_dir", rootCmd.PersistentFlags().Lookup("rules-dir"))

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads the config file and environment, then builds the
// process logger.
func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err = buildLogger(config.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	log.SetLogger(logger)
}

func buildLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
