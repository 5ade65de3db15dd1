package logging_test

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/SirClappington/cronq/internal/logging"
)

func TestNewHonoursLevel(t *testing.T) {
	log, err := logging.New(false, "warn")
	if err != nil {
		t.Fatal(err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !log.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := logging.New(true, "loud"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}
