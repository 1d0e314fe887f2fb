package zaplog_test

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/getpup/txkit/txn/zaplog"
)

func TestForwardsToZap(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	logger := zaplog.New(zap.New(core))

	ctx := context.Background()
	logger.Debug(ctx, "debug msg", "k", "v")
	logger.Info(ctx, "info msg", "count", 2)
	logger.Error(ctx, "error msg")

	entries := recorded.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	if entries[0].Message != "debug msg" || entries[0].Level != zapcore.DebugLevel {
		t.Errorf("unexpected debug entry: %+v", entries[0].Entry)
	}
	if got := entries[0].ContextMap()["k"]; got != "v" {
		t.Errorf("expected field k=v, got %v", got)
	}
	if entries[1].Level != zapcore.InfoLevel {
		t.Errorf("expected info level, got %v", entries[1].Level)
	}
	if entries[2].Level != zapcore.ErrorLevel {
		t.Errorf("expected error level, got %v", entries[2].Level)
	}
}

func TestNewDevelopment(t *testing.T) {
	logger, err := zaplog.NewDevelopment()
	if err != nil {
		t.Fatalf("NewDevelopment() error: %v", err)
	}
	if logger == nil {
		t.Fatal("NewDevelopment() returned nil logger")
	}
}
