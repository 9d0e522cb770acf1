// SPDX-License-Identifier: BSD-3-Clause

// Package logging wires the daemon's journal sink to a zerolog backend
// through slog, narrowed from pkg/log to the single backend this daemon
// needs: no OTel log bridge, no NATS-server/QUIC adapters.
package logging

import (
	"io"
	"log/slog"

	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"
)

// New returns a structured logger that renders to w (the process journal
// in production, a buffer in tests) with a timestamp on every record.
func New(w io.Writer, level slog.Level) *slog.Logger {
	zeroLogger := zerolog.New(w).With().Timestamp().Logger()
	handler := slogzerolog.Option{Level: level, Logger: &zeroLogger}.NewZerologHandler()
	return slog.New(handler)
}

// NewDefault returns a console-rendered logger at debug level, the
// default used by cmd/powerseqd when no explicit writer is configured.
func NewDefault() *slog.Logger {
	zeroLogger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	handler := slogzerolog.Option{Level: slog.LevelDebug, Logger: &zeroLogger}.NewZerologHandler()
	return slog.New(handler)
}
