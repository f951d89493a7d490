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

package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/progress"
	"github.com/teradata-labs/gradeflow/pkg/retry"
	"github.com/teradata-labs/gradeflow/pkg/storage"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

// Stage labels.
const (
	StageMineRules       = "mine_rules"
	StageCandidateGate   = "candidate_gate"
	StageNoPatches       = "no_patches"
	StageGeneratePatches = "generate_patches"
	StageRegressionTest  = "regression_test"
	StageRegressionGate  = "regression_gate"
	StageAborted         = "aborted"
	StageApprovalGate    = "approval_gate"
	StageApproval        = "approval_interrupt"
	StagePostApproval    = "post_approval"
	StageRejected        = "rejected"
	StageDeploy          = "deploy"
	StageMonitor         = "monitor"
)

// State fields of a rule-upgrade run.
const (
	FieldUpgradeID          = "upgrade_id"
	FieldMinedRules         = "mined_rules"
	FieldRuleCandidates     = "rule_candidates"
	FieldGeneratedPatches   = "generated_patches"
	FieldTestResults        = "test_results"
	FieldRegressionDetected = "regression_detected"
	FieldApproved           = "approved"
	FieldPreviousVersion    = "previous_version"
	FieldDeployedVersion    = "deployed_version"
	FieldDeploymentStatus   = "deployment_status"
	FieldTerminalStage      = "terminal_stage"
	FieldMonitorReports     = "monitor_reports"
)

// Deployment statuses.
const (
	StatusNoPatches  = "no_patches"
	StatusAborted    = "aborted"
	StatusRejected   = "rejected"
	StatusDeployed   = "deployed"
	StatusMonitored  = "monitored"
	StatusRolledBack = "rolled_back"
)

// CandidateThreshold filters mined rules into candidates.
const CandidateThreshold = 0.8

// deployLockResource names the distributed deploy lock.
const deployLockResource = "rule-deploy"

// Options configures one upgrade run.
type Options struct {
	// TimeWindow bounds the mining lookback. Default 7 days.
	TimeWindow time.Duration `yaml:"time_window" mapstructure:"time_window"`

	// RequireApproval gates deploy behind a human interrupt.
	RequireApproval bool `yaml:"require_approval" mapstructure:"require_approval"`

	// ApprovalTimeout bounds the approval interrupt. Default 24h.
	ApprovalTimeout time.Duration `yaml:"approval_timeout" mapstructure:"approval_timeout"`

	// LockTTL bounds the deploy lock. Default 10m.
	LockTTL time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`

	// MonitorInterval is the cron cadence of health checks. Default 30s.
	MonitorInterval time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval"`

	// MonitorChecks is how many health observations the monitor stage
	// collects before terminating. Default 3.
	MonitorChecks int `yaml:"monitor_checks" mapstructure:"monitor_checks"`
}

func (o Options) withDefaults() Options {
	if o.TimeWindow <= 0 {
		o.TimeWindow = 7 * 24 * time.Hour
	}
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = 24 * time.Hour
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Minute
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 30 * time.Second
	}
	if o.MonitorChecks <= 0 {
		o.MonitorChecks = 3
	}
	return o
}

// Config wires an upgrade pipeline.
type Config struct {
	Miner     RuleMiner
	Generator PatchGenerator
	Runner    RegressionRunner
	Deployer  Deployer

	// Lock coordinates deploys across processes; nil skips locking.
	Lock storage.Lock

	Checkpoints workflow.CheckpointStore
	Interrupter workflow.Interrupter
	Sink        progress.Sink
	Logger      *zap.Logger

	Options Options
}

// Pipeline executes rule-upgrade runs.
type Pipeline struct {
	engine      *workflow.Engine
	graph       *workflow.Graph
	checkpoints workflow.CheckpointStore
	miner       RuleMiner
	generator   PatchGenerator
	runner      RegressionRunner
	deployer    Deployer
	lock        storage.Lock
	opts        Options
	logger      *zap.Logger
}

// NewPipeline builds the upgrade pipeline and validates its graph.
func NewPipeline(config Config) (*Pipeline, error) {
	if config.Miner == nil || config.Generator == nil || config.Runner == nil || config.Deployer == nil {
		return nil, fmt.Errorf("upgrade pipeline requires miner, generator, runner, and deployer")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Checkpoints == nil {
		config.Checkpoints = workflow.NewMemoryCheckpointStore()
	}

	p := &Pipeline{
		checkpoints: config.Checkpoints,
		miner:       config.Miner,
		generator:   config.Generator,
		runner:      config.Runner,
		deployer:    config.Deployer,
		lock:        config.Lock,
		opts:        config.Options.withDefaults(),
		logger:      config.Logger,
	}
	p.engine = workflow.NewEngine(workflow.Config{
		Checkpoints: config.Checkpoints,
		Interrupter: config.Interrupter,
		Sink:        config.Sink,
		Logger:      config.Logger,
	})

	g := workflow.NewGraph("rule_upgrade", StageMineRules, workflow.Schema{
		FieldMinedRules:     {Reducer: workflow.LastWriteWins},
		FieldMonitorReports: {Reducer: workflow.Append},
	})
	g.AddStage(StageMineRules, StageCandidateGate, 15, p.stageMineRules)
	g.AddRouter(StageCandidateGate, p.routeCandidates)
	g.AddStage(StageNoPatches, workflow.End, 100, p.stageNoPatches)
	g.AddStage(StageGeneratePatches, StageRegressionTest, 35, p.stageGeneratePatches)
	g.AddStage(StageRegressionTest, StageRegressionGate, 55, p.stageRegressionTest)
	g.AddRouter(StageRegressionGate, p.routeRegression)
	g.AddStage(StageAborted, workflow.End, 100, p.stageAborted)
	g.AddRouter(StageApprovalGate, p.routeApproval)
	g.AddStage(StageApproval, StagePostApproval, 65, p.stageApproval)
	g.AddRouter(StagePostApproval, p.routePostApproval)
	g.AddStage(StageRejected, workflow.End, 100, p.stageRejected)
	g.AddStage(StageDeploy, StageMonitor, 85, p.stageDeploy)
	g.AddStage(StageMonitor, workflow.End, 100, p.stageMonitor)
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("upgrade graph invalid: %w", err)
	}
	p.graph = g
	return p, nil
}

// Run starts a fresh upgrade run and returns its final state.
func (p *Pipeline) Run(ctx context.Context) (workflow.State, error) {
	upgradeID := uuid.NewString()
	return p.engine.Run(ctx, p.graph, upgradeID, workflow.State{
		FieldUpgradeID:        upgradeID,
		FieldDeploymentStatus: "pending",
	})
}

// Resume continues a checkpointed upgrade run.
func (p *Pipeline) Resume(ctx context.Context, upgradeID string) (workflow.State, error) {
	return p.engine.Resume(ctx, p.graph, upgradeID)
}

func (p *Pipeline) stageMineRules(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	var mined []MinedRule
	err := retry.Do(ctx, retry.Default(), run.Logger, func(ctx context.Context) error {
		var callErr error
		mined, callErr = p.miner.MineRules(ctx, p.opts.TimeWindow)
		return callErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("rule mining failed: %w", err)
	}

	candidates := make([]MinedRule, 0, len(mined))
	for _, rule := range mined {
		if rule.Confidence > CandidateThreshold {
			candidates = append(candidates, rule)
		}
	}
	run.Logger.Info("rules mined",
		zap.Int("mined", len(mined)),
		zap.Int("candidates", len(candidates)),
		zap.Duration("window", p.opts.TimeWindow))

	return workflow.Delta{
		FieldMinedRules:     mined,
		FieldRuleCandidates: candidates,
	}, nil, nil
}

func (p *Pipeline) routeCandidates(s workflow.State) string {
	var candidates []MinedRule
	if ok, err := stateSlice(s, FieldRuleCandidates, &candidates); err != nil || !ok || len(candidates) == 0 {
		return StageNoPatches
	}
	return StageGeneratePatches
}

// stageNoPatches is the no-candidate terminal: nothing downstream of
// mining ever runs.
func (p *Pipeline) stageNoPatches(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	run.Logger.Info("no rule candidates above threshold, terminating")
	return workflow.Delta{
		FieldDeploymentStatus: StatusNoPatches,
		FieldTerminalStage:    StageNoPatches,
	}, nil, nil
}

func (p *Pipeline) stageGeneratePatches(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	var candidates []MinedRule
	if _, err := stateSlice(run.State, FieldRuleCandidates, &candidates); err != nil {
		return nil, nil, err
	}

	var patches []RulePatch
	err := retry.Do(ctx, retry.Default(), run.Logger, func(ctx context.Context) error {
		var callErr error
		patches, callErr = p.generator.GeneratePatches(ctx, candidates)
		return callErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("patch generation failed: %w", err)
	}
	run.Logger.Info("patches generated", zap.Int("patches", len(patches)))
	return workflow.Delta{FieldGeneratedPatches: patches}, nil, nil
}

func (p *Pipeline) stageRegressionTest(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	var patches []RulePatch
	if _, err := stateSlice(run.State, FieldGeneratedPatches, &patches); err != nil {
		return nil, nil, err
	}

	results, err := p.runner.RunRegression(ctx, patches)
	if err != nil {
		return nil, nil, fmt.Errorf("regression run failed: %w", err)
	}
	regression := false
	for _, r := range results {
		if r.Regression {
			regression = true
			break
		}
	}
	run.Logger.Info("regression suite finished",
		zap.Int("results", len(results)),
		zap.Bool("regression_detected", regression))
	return workflow.Delta{
		FieldTestResults:        results,
		FieldRegressionDetected: regression,
	}, nil, nil
}

func (p *Pipeline) routeRegression(s workflow.State) string {
	if s.GetBool(FieldRegressionDetected) {
		return StageAborted
	}
	return StageApprovalGate
}

func (p *Pipeline) stageAborted(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	run.Logger.Warn("regression detected, skipping deploy")
	return workflow.Delta{
		FieldDeploymentStatus: StatusAborted,
		FieldTerminalStage:    StageAborted,
	}, nil, nil
}

func (p *Pipeline) routeApproval(s workflow.State) string {
	if p.opts.RequireApproval {
		return StageApproval
	}
	return StageDeploy
}

// approvalResponse is the payload accepted on the approval interrupt.
type approvalResponse struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

func (p *Pipeline) stageApproval(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	if run.Response == nil {
		var patches []RulePatch
		var results []TestResult
		if _, err := stateSlice(run.State, FieldGeneratedPatches, &patches); err != nil {
			return nil, nil, err
		}
		if _, err := stateSlice(run.State, FieldTestResults, &results); err != nil {
			return nil, nil, err
		}
		req := workflow.NewInterruptRequest(run.ID, StageApproval, "rule_upgrade_approval", map[string]interface{}{
			"patches":      patches,
			"test_results": results,
		})
		req.Timeout = p.opts.ApprovalTimeout
		return nil, req, nil
	}

	var resp approvalResponse
	if err := run.Response.DecodePayload(&resp); err != nil {
		return nil, nil, fmt.Errorf("approval payload invalid: %w", err)
	}
	approved := resp.Approved || run.Response.Action == workflow.ActionApprove
	if run.Response.Action == workflow.ActionReject {
		approved = false
	}
	run.Logger.Info("approval recorded",
		zap.Bool("approved", approved),
		zap.String("responded_by", run.Response.RespondedBy))
	return workflow.Delta{FieldApproved: approved}, nil, nil
}

func (p *Pipeline) routePostApproval(s workflow.State) string {
	if s.GetBool(FieldApproved) {
		return StageDeploy
	}
	return StageRejected
}

func (p *Pipeline) stageRejected(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	run.Logger.Info("upgrade rejected, skipping deploy")
	return workflow.Delta{
		FieldDeploymentStatus: StatusRejected,
		FieldTerminalStage:    StageRejected,
	}, nil, nil
}

func (p *Pipeline) stageDeploy(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	var patches []RulePatch
	if _, err := stateSlice(run.State, FieldGeneratedPatches, &patches); err != nil {
		return nil, nil, err
	}

	token := run.ID
	if p.lock != nil {
		acquired, err := p.lock.Acquire(ctx, deployLockResource, token, p.opts.LockTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("deploy lock error: %w", err)
		}
		if !acquired {
			return nil, nil, fmt.Errorf("deploy lock held by another upgrade")
		}
		defer func() {
			if err := p.lock.Release(context.WithoutCancel(ctx), deployLockResource, token); err != nil {
				run.Logger.Warn("deploy lock release failed", zap.Error(err))
			}
		}()
	}

	previous, err := p.deployer.CurrentVersion(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot determine current version: %w", err)
	}

	var version string
	err = retry.Do(ctx, retry.Default(), run.Logger, func(ctx context.Context) error {
		var callErr error
		version, callErr = p.deployer.Deploy(ctx, patches)
		return callErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("deploy failed: %w", err)
	}

	run.Logger.Info("rules deployed",
		zap.String("previous_version", previous),
		zap.String("deployed_version", version))
	return workflow.Delta{
		FieldPreviousVersion:  previous,
		FieldDeployedVersion:  version,
		FieldDeploymentStatus: StatusDeployed,
	}, nil, nil
}

// stageMonitor schedules periodic health checks on the deployed
// version and terminates after the configured number of observations.
// Failed checks are recorded, not fatal; rollback is an external
// decision.
func (p *Pipeline) stageMonitor(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	version := run.State.GetString(FieldDeployedVersion)
	if version == "" {
		return nil, nil, fmt.Errorf("monitor requires a deployed version")
	}

	reports := make(chan HealthReport, p.opts.MonitorChecks)
	scheduler := cron.New()
	spec := fmt.Sprintf("@every %s", p.opts.MonitorInterval)
	_, err := scheduler.AddFunc(spec, func() {
		report := HealthReport{Version: version, Healthy: true, CheckedAt: time.Now()}
		if err := p.deployer.CheckHealth(ctx, version); err != nil {
			report.Healthy = false
			report.Details = err.Error()
		}
		select {
		case reports <- report:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("monitor schedule invalid: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	collected := make([]interface{}, 0, p.opts.MonitorChecks)
	unhealthy := 0
	for len(collected) < p.opts.MonitorChecks {
		select {
		case report := <-reports:
			if !report.Healthy {
				unhealthy++
				run.Logger.Warn("health check failed",
					zap.String("version", version),
					zap.String("details", report.Details))
			}
			collected = append(collected, report)
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("monitor cancelled: %w", ctx.Err())
		}
	}

	run.Logger.Info("monitoring window closed",
		zap.Int("checks", len(collected)),
		zap.Int("unhealthy", unhealthy))
	return workflow.Delta{
		FieldMonitorReports:   collected,
		FieldDeploymentStatus: StatusMonitored,
	}, nil, nil
}

// Rollback is the external rollback signal: it restores the previous
// version recorded in the run's checkpoint and marks the run rolled
// back. It is valid only after a deploy.
func (p *Pipeline) Rollback(ctx context.Context, upgradeID string) error {
	cp, err := p.checkpoints.Load(ctx, upgradeID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		return fmt.Errorf("no checkpoint for upgrade %s", upgradeID)
	}
	state, err := workflow.UnmarshalState(cp.State)
	if err != nil {
		return fmt.Errorf("decode checkpoint state: %w", err)
	}

	previous := state.GetString(FieldPreviousVersion)
	if previous == "" || state.GetString(FieldDeployedVersion) == "" {
		return fmt.Errorf("upgrade %s has no deployed version to roll back", upgradeID)
	}
	if err := p.deployer.Rollback(ctx, previous); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	state[FieldDeployedVersion] = previous
	state[FieldDeploymentStatus] = StatusRolledBack
	encoded, err := workflow.MarshalState(state)
	if err != nil {
		return fmt.Errorf("encode rollback state: %w", err)
	}
	cp.State = encoded
	cp.UpdatedAt = time.Now()
	if err := p.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("save rollback checkpoint: %w", err)
	}
	p.logger.Info("upgrade rolled back",
		zap.String("upgrade_id", upgradeID),
		zap.String("restored_version", previous))
	return nil
}

// stateSlice decodes a state field into out via JSON round trip, so
// both in-process typed values and checkpoint-rehydrated generic JSON
// decode the same way.
func stateSlice(s workflow.State, key string, out interface{}) (bool, error) {
	v, ok := s[key]
	if !ok || v == nil {
		return false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode state field %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode state field %s: %w", key, err)
	}
	return true, nil
}
