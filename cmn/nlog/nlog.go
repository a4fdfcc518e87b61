// Package nlog wraps a structured logging sink behind the call surface the
// rest of racecore uses: Infoln, Warningln, Errorln, and their *Depth
// variants for logging on behalf of a caller (timers, FIFO workers).
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger zerolog.Logger
	level  atomic.Int32 // verbosity gate, see V()
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()
}

// SetOutput redirects the sink, e.g. to a rotating file in production.
func SetOutput(w io.Writer) {
	logger = logger.Output(w)
}

// SetVerbosity sets the package-wide verbosity gate consulted by V.
func SetVerbosity(v int32) { level.Store(v) }

// V reports whether logging at the given verbosity is enabled for module.
// Modeled on the teacher's cmn.Rom.V(level, module) gate seen throughout
// xact/xs and transport; racecore has no per-module table, only a single
// global threshold, since there's no multi-tenant log-spam problem here.
func V(v int32, _ string) bool { return level.Load() >= v }

func Infoln(v ...any)    { logger.Info().Msg(sprint(v...)) }
func Warningln(v ...any) { logger.Warn().Msg(sprint(v...)) }
func Errorln(v ...any)   { logger.Error().Msg(sprint(v...)) }

func Infof(format string, v ...any)    { logger.Info().Msg(fmt.Sprintf(format, v...)) }
func Warningf(format string, v ...any) { logger.Warn().Msg(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any)   { logger.Error().Msg(fmt.Sprintf(format, v...)) }

// *Depth variants exist for call-site symmetry with the teacher's nlog;
// racecore's sink is not frame-aware so depth is accepted and ignored.
func InfoDepth(_ int, v ...any)    { Infoln(v...) }
func WarningDepth(_ int, v ...any) { Warningln(v...) }
func ErrorDepth(_ int, v ...any)   { Errorln(v...) }

func sprint(v ...any) string {
	s := fmt.Sprintln(v...)
	return s[:len(s)-1]
}
