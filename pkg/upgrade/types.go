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

// Package upgrade implements the rule-upgrade control loop: mine
// grading rules from recent runs, generate patches, regression-test
// them, gate on approval, deploy under a distributed lock, and monitor
// the deployed version. It runs on the same workflow engine as the
// grading pipeline.
package upgrade

import (
	"context"
	"time"
)

// MinedRule is one grading rule extracted from historical runs.
type MinedRule struct {
	RuleID       string    `json:"rule_id"`
	Description  string    `json:"description"`
	Pattern      string    `json:"pattern,omitempty"`
	Confidence   float64   `json:"confidence"`
	SupportCount int       `json:"support_count,omitempty"`
	MinedAt      time.Time `json:"mined_at,omitempty"`
}

// RulePatch is a generated change to the rule set.
type RulePatch struct {
	PatchID     string `json:"patch_id"`
	RuleID      string `json:"rule_id"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
}

// TestResult is one regression run over a patch.
type TestResult struct {
	PatchID    string `json:"patch_id"`
	Passed     bool   `json:"passed"`
	Regression bool   `json:"regression"`
	Details    string `json:"details,omitempty"`
}

// HealthReport is one monitor observation of the deployed version.
type HealthReport struct {
	Version   string    `json:"version"`
	Healthy   bool      `json:"healthy"`
	Details   string    `json:"details,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// RuleMiner extracts rules from grading history over a time window.
type RuleMiner interface {
	MineRules(ctx context.Context, window time.Duration) ([]MinedRule, error)
}

// PatchGenerator turns rule candidates into deployable patches.
type PatchGenerator interface {
	GeneratePatches(ctx context.Context, rules []MinedRule) ([]RulePatch, error)
}

// RegressionRunner replays the regression suite against patches.
type RegressionRunner interface {
	RunRegression(ctx context.Context, patches []RulePatch) ([]TestResult, error)
}

// Deployer applies patches and can restore a previous version.
type Deployer interface {
	// Deploy applies the patches and returns the new version label.
	Deploy(ctx context.Context, patches []RulePatch) (string, error)

	// CurrentVersion returns the active version label.
	CurrentVersion(ctx context.Context) (string, error)

	// Rollback restores the given version.
	Rollback(ctx context.Context, version string) error

	// CheckHealth probes the deployed version.
	CheckHealth(ctx context.Context, version string) error
}
