// Package zaplog adapts go.uber.org/zap to the txn.Logger interface.
package zaplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/getpup/txkit/txn"
)

// New wraps a zap logger as a txn.Logger.
func New(l *zap.Logger) txn.Logger {
	return &wrapper{base: l.Sugar()}
}

// NewDevelopment builds a development-configured zap logger, handy in
// examples and tests.
func NewDevelopment() (txn.Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return New(l), nil
}

type wrapper struct {
	base *zap.SugaredLogger
}

func (w *wrapper) Debug(_ context.Context, msg string, keyvals ...interface{}) {
	w.base.Debugw(msg, keyvals...)
}

func (w *wrapper) Info(_ context.Context, msg string, keyvals ...interface{}) {
	w.base.Infow(msg, keyvals...)
}

func (w *wrapper) Error(_ context.Context, msg string, keyvals ...interface{}) {
	w.base.Errorw(msg, keyvals...)
}
