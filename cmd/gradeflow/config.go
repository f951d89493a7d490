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
	"strings"

	"github.com/spf13/viper"

	"github.com/teradata-labs/gradeflow/pkg/grading"
	"github.com/teradata-labs/gradeflow/pkg/upgrade"
)

// Config is the resolved process configuration. Precedence: flags >
// environment (GRADEFLOW_*) > config file > defaults.
type Config struct {
	LLM      LLMConfig       `mapstructure:"llm"`
	Database DatabaseConfig  `mapstructure:"database"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Grading  grading.Options `mapstructure:"grading"`
	Upgrade  upgrade.Options `mapstructure:"upgrade"`
}

// LLMConfig configures the Anthropic client.
type LLMConfig struct {
	AnthropicAPIKey string  `mapstructure:"anthropic_api_key"`
	AnthropicModel  string  `mapstructure:"anthropic_model"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig locates the filesystem stores.
type StorageConfig struct {
	ExportDir string `mapstructure:"export_dir"`
	FilesDir  string `mapstructure:"files_dir"`
	RulesDir  string `mapstructure:"rules_dir"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig resolves the configuration. A missing config file is not
// an error; flags and environment still apply.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("gradeflow")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.gradeflow")
		}
	}

	viper.SetEnvPrefix("GRADEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// An explicit file must load; a missing default file is fine.
		if _, notFound := err.(viper.ConfigFileNotFoundError); path != "" || !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.LLM.AnthropicAPIKey == "" {
		cfg.LLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return &cfg, nil
}
