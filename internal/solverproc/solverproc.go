// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package solverproc wraps a base SMT solver subprocess: spawn it against a
// task file, poll it without blocking the owning coordinator's main loop,
// and parse its one-line verdict once it exits. This mirrors
// solve_original_task/check_original_task (leader.py) and
// check_base_solver_status (coordinator.py) from the system this control
// plane is modeled on.
package solverproc

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/ariparti/ariparti/internal/message"
)

// Proc manages one base solver subprocess run against a single task file.
type Proc struct {
	cmd *exec.Cmd
	out bytes.Buffer
	err bytes.Buffer

	mu     sync.Mutex
	exited bool
	result message.Result
	werr   error
}

// Start launches solverPath against taskFile and begins waiting for it in
// the background; the result becomes available via Poll once it exits.
func Start(solverPath, taskFile string) (*Proc, error) {
	cmd := exec.Command(solverPath, taskFile)
	p := &Proc{cmd: cmd}
	cmd.Stdout = &p.out
	cmd.Stderr = &p.err
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("solverproc: start: %w", err)
	}
	go p.wait()
	return p, nil
}

func (p *Proc) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
	p.werr = err
	if err != nil {
		p.result = message.ResultError
		return
	}
	p.result = parseVerdict(p.out.String())
}

func parseVerdict(out string) message.Result {
	line := strings.TrimSpace(out)
	if idx := strings.IndexByte(line, '\n'); idx != -1 {
		line = line[:idx]
	}
	switch strings.TrimSpace(line) {
	case "sat":
		return message.ResultSat
	case "unsat":
		return message.ResultUnsat
	case "unknown":
		return message.ResultUnknown
	default:
		return message.ResultError
	}
}

// Poll reports whether the process has exited yet and, if so, its parsed
// verdict. It never blocks.
func (p *Proc) Poll() (done bool, result message.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.result
}

// Err returns the process's wait error, if it exited non-zero or couldn't
// be waited on; nil otherwise (including while still running).
func (p *Proc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.werr
}

// Terminate kills the process if still running. It implements tree.Killer.
func (p *Proc) Terminate() error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
