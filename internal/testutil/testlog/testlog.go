// Package testlog gives tests the test logging profile and brackets each test
// in the shared log so interleaved component output can be attributed.
package testlog

import (
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/headunit/internal/logging"
)

func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	start := time.Now()
	log.Debug().Str("test", t.Name()).Msg("start")
	t.Cleanup(func() {
		ev := log.Debug()
		if t.Failed() {
			ev = log.Warn()
		}
		ev.Str("test", t.Name()).Bool("failed", t.Failed()).Dur("elapsed", time.Since(start)).Msg("end")
	})
}
