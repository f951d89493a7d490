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
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/gradeflow/pkg/upgrade"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Rule-upgrade pipeline",
	Long: `Mine grading rules from recent runs, generate and regression-test
patches, and deploy them as a new rule-set version.`,
}

var rulesRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the rule-upgrade pipeline",
	Long: `Run one rule-upgrade cycle: mine rules from the grading history,
generate patches for candidates above the confidence threshold,
regression-test them, and deploy under the distributed lock.

With --require-approval the pipeline suspends before deploy; answer the
"rule_upgrade_approval" interrupt with 'gradeflow respond'.

Examples:
  gradeflow rules run
  gradeflow rules run --window 168h --require-approval
  gradeflow rules run --regression-cases cases.yaml`,
	RunE: runRulesUpgrade,
}

var rulesRollbackCmd = &cobra.Command{
	Use:   "rollback [upgrade-id]",
	Short: "Roll back a deployed rule upgrade",
	Long: `Restore the version that was active before the given upgrade and mark
the upgrade rolled back.`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesRollback,
}

var (
	rulesWindow          time.Duration
	rulesRequireApproval bool
	rulesCasesPath       string
)

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesRunCmd)
	rulesCmd.AddCommand(rulesRollbackCmd)

	rulesRunCmd.Flags().DurationVar(&rulesWindow, "window", 0, "Mining window (default from config, 168h)")
	rulesRunCmd.Flags().BoolVar(&rulesRequireApproval, "require-approval", false, "Gate deploy behind a human approval interrupt")
	rulesRunCmd.Flags().StringVar(&rulesCasesPath, "regression-cases", "", "YAML file of recorded regression cases")
}

func loadRegressionCases(path string) ([]upgrade.RegressionCase, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regression cases: %w", err)
	}
	var cases []upgrade.RegressionCase
	if err := yaml.Unmarshal(raw, &cases); err != nil {
		return nil, fmt.Errorf("parse regression cases: %w", err)
	}
	return cases, nil
}

func buildUpgradePipeline(deps *runDeps) (*upgrade.Pipeline, error) {
	deployer, err := upgrade.NewFileDeployer(config.Storage.RulesDir)
	if err != nil {
		return nil, err
	}
	cases, err := loadRegressionCases(rulesCasesPath)
	if err != nil {
		return nil, err
	}

	opts := config.Upgrade
	if rulesWindow > 0 {
		opts.TimeWindow = rulesWindow
	}
	if rulesRequireApproval {
		opts.RequireApproval = true
	}

	return upgrade.NewPipeline(upgrade.Config{
		Miner:       upgrade.NewHistoryMiner(deps.store, deps.scorer, logger.Named("miner")),
		Generator:   upgrade.NewLLMPatchGenerator(deps.scorer),
		Runner:      upgrade.NewReplayRunner(deps.scorer, cases, logger.Named("regression")),
		Deployer:    deployer,
		Lock:        deps.store,
		Checkpoints: deps.wf,
		Interrupter: workflow.NewStoreInterrupter(deps.wf, 2*time.Second),
		Logger:      logger,
		Options:     opts,
	})
}

func runRulesUpgrade(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if err := requireAPIKey(); err != nil {
		return err
	}
	deps, err := openRunDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	pipeline, err := buildUpgradePipeline(deps)
	if err != nil {
		return err
	}

	final, err := pipeline.Run(ctx)
	if err != nil {
		return fmt.Errorf("rule upgrade: %w", err)
	}

	fmt.Printf("Upgrade %s\n", final.GetString(upgrade.FieldUpgradeID))
	fmt.Printf("  Status:   %s\n", final.GetString(upgrade.FieldDeploymentStatus))
	if v := final.GetString(upgrade.FieldDeployedVersion); v != "" {
		fmt.Printf("  Version:  %s (was %s)\n", v, final.GetString(upgrade.FieldPreviousVersion))
	}
	return nil
}

func runRulesRollback(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	deps, err := openRunDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	pipeline, err := buildUpgradePipeline(deps)
	if err != nil {
		return err
	}
	if err := pipeline.Rollback(ctx, args[0]); err != nil {
		return fmt.Errorf("rollback %s: %w", args[0], err)
	}
	fmt.Printf("✓ Upgrade %s rolled back\n", args[0])
	return nil
}
