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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// currentPointer names the file holding the active version label.
const currentPointer = "CURRENT"

// ruleSetDocument is the on-disk shape of one deployed rule-set
// version.
type ruleSetDocument struct {
	Version    string      `yaml:"version"`
	DeployedAt time.Time   `yaml:"deployed_at"`
	Patches    []RulePatch `yaml:"patches"`
}

// FileDeployer versions rule sets as YAML documents in a directory,
// with a pointer file naming the active version. Rollback rewrites the
// pointer; old versions are never deleted.
type FileDeployer struct {
	dir string
}

// NewFileDeployer creates the rules directory if needed.
func NewFileDeployer(dir string) (*FileDeployer, error) {
	if dir == "" {
		return nil, fmt.Errorf("rules directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rules directory: %w", err)
	}
	return &FileDeployer{dir: dir}, nil
}

func (d *FileDeployer) versionPath(version string) string {
	return filepath.Join(d.dir, version+".yaml")
}

// Deploy writes the patches as a new version and points CURRENT at it.
func (d *FileDeployer) Deploy(ctx context.Context, patches []RulePatch) (string, error) {
	version := fmt.Sprintf("v%d", time.Now().UnixMilli())
	doc := ruleSetDocument{
		Version:    version,
		DeployedAt: time.Now(),
		Patches:    patches,
	}
	encoded, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("encode rule set: %w", err)
	}
	if err := os.WriteFile(d.versionPath(version), encoded, 0o644); err != nil {
		return "", fmt.Errorf("write rule set %s: %w", version, err)
	}
	if err := d.setCurrent(version); err != nil {
		return "", err
	}
	return version, nil
}

// CurrentVersion returns the active version label; "none" before the
// first deploy.
func (d *FileDeployer) CurrentVersion(ctx context.Context) (string, error) {
	raw, err := os.ReadFile(filepath.Join(d.dir, currentPointer))
	if os.IsNotExist(err) {
		return "none", nil
	}
	if err != nil {
		return "", fmt.Errorf("read current version: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Rollback points CURRENT back at version. Rolling back to "none"
// clears the pointer.
func (d *FileDeployer) Rollback(ctx context.Context, version string) error {
	if version == "none" {
		if err := os.Remove(filepath.Join(d.dir, currentPointer)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear current version: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(d.versionPath(version)); err != nil {
		return fmt.Errorf("version %s not found: %w", version, err)
	}
	return d.setCurrent(version)
}

// CheckHealth verifies the version's document exists and decodes.
func (d *FileDeployer) CheckHealth(ctx context.Context, version string) error {
	raw, err := os.ReadFile(d.versionPath(version))
	if err != nil {
		return fmt.Errorf("rule set %s unreadable: %w", version, err)
	}
	var doc ruleSetDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("rule set %s corrupt: %w", version, err)
	}
	if doc.Version != version {
		return fmt.Errorf("rule set %s carries version %s", version, doc.Version)
	}
	return nil
}

// Load returns the patches of the given version.
func (d *FileDeployer) Load(version string) ([]RulePatch, error) {
	raw, err := os.ReadFile(d.versionPath(version))
	if err != nil {
		return nil, fmt.Errorf("read rule set %s: %w", version, err)
	}
	var doc ruleSetDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode rule set %s: %w", version, err)
	}
	return doc.Patches, nil
}

func (d *FileDeployer) setCurrent(version string) error {
	path := filepath.Join(d.dir, currentPointer)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(version+"\n"), 0o644); err != nil {
		return fmt.Errorf("write current pointer: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("swap current pointer: %w", err)
	}
	return nil
}

var _ Deployer = (*FileDeployer)(nil)
