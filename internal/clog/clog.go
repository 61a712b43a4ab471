// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package clog provides conditional structured logging for control-plane
// components (leader, interactive coordinators, the isolated coordinator).
package clog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

var enabled = false

// Enable turns on conditional log output process-wide.
func Enable() {
	enabled = true
}

// A CLogger wraps a zerolog.Logger scoped to one component (a role plus its
// rank or id) and distinguishes conditional output, gated by Enable, from
// unconditional error output.
type CLogger struct {
	logger zerolog.Logger
}

var baseWriter io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}

// New creates a logger for a component, identified by role and rank, with
// structured fields attached to every subsequent line it emits.
func New(role string, rank int) *CLogger {
	l := zerolog.New(baseWriter).With().Timestamp().Str("role", role).Int("rank", rank).Logger()
	return &CLogger{logger: l}
}

// WithRound returns a derived logger carrying an additional round field, used
// by a coordinator while it works a single tree round.
func (c *CLogger) WithRound(round int) *CLogger {
	return &CLogger{logger: c.logger.With().Int("round", round).Logger()}
}

// Printf logs output conditionally (only if Enable was called).
func (c *CLogger) Printf(format string, a ...any) {
	if !enabled {
		return
	}
	c.logger.Info().Msgf(format, a...)
}

// Errorf logs output unconditionally, regardless of Enable.
func (c *CLogger) Errorf(format string, a ...any) {
	c.logger.Error().Msgf(format, a...)
}
