// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package config loads the launcher configuration described in spec.md §6
// (formula file, timeout, base solver/partitioner paths, cluster topology)
// using viper, the same SetEnvPrefix/AutomaticEnv/ReadInConfig shape used
// elsewhere in the example pack, adapted to a JSON config file rather than
// YAML, per spec.md §6's explicit format.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
)

// Config is the fully resolved launcher configuration for one run.
type Config struct {
	FormulaFile string   `mapstructure:"formula_file"`
	FormulaGlob []string `mapstructure:"formula_files"` // EXPANSION: batch mode, see SPEC_FULL.md §6

	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	WorkerNodeIPs   []string `mapstructure:"worker_node_ips"`
	WorkerNodeCores []int    `mapstructure:"worker_node_cores"`

	BaseSolver  string            `mapstructure:"base_solver"`
	Partitioner string            `mapstructure:"partitioner"`
	LogicMap    map[string]string `mapstructure:"solver_logic_map"` // EXPANSION

	TempDir   string `mapstructure:"temp_dir"`
	OutputDir string `mapstructure:"output_dir"`

	RaceOriginal           bool `mapstructure:"race_original"`
	SimplifyBeforeSolve    bool `mapstructure:"simplify_before_solve"`
	PartitionerDrainLimit  int  `mapstructure:"partitioner_drain_limit"`
	SplitTabuSeconds       float64 `mapstructure:"split_tabu_seconds"`

	// GetModel is not read from the file; it is derived from FormulaFile's
	// contents by DetectGetModel, mirroring run_AriParti_with_json.py's
	// scan for a "(get-model)" command.
	GetModel bool `mapstructure:"-"`
}

// Default returns a Config with the same defaults the original launcher and
// spec.md §6 assume when a key is omitted.
func Default() *Config {
	return &Config{
		TimeoutSeconds:        0,
		OutputDir:             "./output",
		RaceOriginal:          true,
		SimplifyBeforeSolve:   false,
		PartitionerDrainLimit: 16,
		SplitTabuSeconds:      3.0,
	}
}

// Load reads the launcher JSON config at path, overlaying it on Default,
// with ARIPARTI_-prefixed environment variables able to override any key
// (e.g. ARIPARTI_WORKER_NODE_IPS), the same override mechanism
// internal/config is grounded on from perplext-LLMrecon's config loader.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("ARIPARTI")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	if err := cfg.resolveFormulaFiles(); err != nil {
		return nil, err
	}

	if cfg.FormulaFile != "" {
		getModel, err := DetectGetModel(cfg.FormulaFile)
		if err != nil {
			return nil, fmt.Errorf("config: detect get-model: %w", err)
		}
		cfg.GetModel = getModel
	}

	return cfg, nil
}

// resolveFormulaFiles expands FormulaGlob (a doublestar pattern list) into
// FormulaFile when the single-file field was left empty, supporting the
// EXPANSION batch-launch mode from SPEC_FULL.md §6.
func (c *Config) resolveFormulaFiles() error {
	if c.FormulaFile != "" || len(c.FormulaGlob) == 0 {
		return nil
	}
	var matches []string
	for _, pattern := range c.FormulaGlob {
		m, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return fmt.Errorf("config: glob %q: %w", pattern, err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		return fmt.Errorf("config: formula_files matched no files")
	}
	// Only the very first match becomes FormulaFile; the remaining matches
	// are not used by internal/config or by cmd/ariparti.
	c.FormulaFile = matches[0]
	return nil
}

// Timeout returns the configured timeout as a time.Duration, or 0 meaning
// no limit.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SolverFor resolves the base solver path for a formula's declared logic,
// falling back to BaseSolver when LogicMap has no entry (or the formula
// declares no logic), per SPEC_FULL.md §6's solver_logic_map EXPANSION.
func (c *Config) SolverFor(logic string) string {
	if path, ok := c.LogicMap[logic]; ok && path != "" {
		return path
	}
	return c.BaseSolver
}

// DetectGetModel scans an SMT-LIB file for a (get-model) command, the same
// heuristic run_AriParti_with_json.py uses to decide whether the base
// solver should be invoked in model-producing mode.
func DetectGetModel(formulaFile string) (bool, error) {
	f, err := os.Open(formulaFile)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "(get-model)") {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// DeclaredLogic scans an SMT-LIB file for a (set-logic ...) command and
// returns the logic name, or "" if none is declared.
func DeclaredLogic(formulaFile string) (string, error) {
	f, err := os.Open(formulaFile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "(set-logic") {
			fields := strings.Fields(strings.Trim(line, "()"))
			if len(fields) == 2 {
				return fields[1], nil
			}
		}
	}
	return "", scanner.Err()
}
