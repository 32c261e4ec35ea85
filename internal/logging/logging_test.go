package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLevel(t *testing.T) {
	if l := New(false); l.Core().Enabled(zap.DebugLevel) || !l.Core().Enabled(zap.InfoLevel) {
		t.Fatal("non-verbose logger should log info but not debug")
	}
	if l := New(true); !l.Core().Enabled(zap.DebugLevel) {
		t.Fatal("verbose logger should log debug")
	}
}
