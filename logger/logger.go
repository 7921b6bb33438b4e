// Package logger adapts common logging libraries to gendb.Logger.
//
// The standard library's slog.Logger already satisfies gendb.Logger.
//
//	zl, _ := zap.NewProduction()
//	db, err := gendb.Open("data.db", gendb.WithLogger(logger.NewZap(zl)))
package logger
