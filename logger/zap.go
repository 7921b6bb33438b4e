package logger

import (
	"go.uber.org/zap"

	"github.com/alexhholmes/gendb"
)

// Zap wraps a zap.Logger to implement gendb.Logger.
type Zap struct {
	sugar *zap.SugaredLogger
}

// NewZap creates a gendb.Logger from a zap.Logger.
func NewZap(logger *zap.Logger) gendb.Logger {
	return &Zap{sugar: logger.Sugar()}
}

func (z *Zap) Error(msg string, args ...any) {
	z.sugar.Errorw(msg, args...)
}

func (z *Zap) Warn(msg string, args ...any) {
	z.sugar.Warnw(msg, args...)
}

func (z *Zap) Info(msg string, args ...any) {
	z.sugar.Infow(msg, args...)
}
