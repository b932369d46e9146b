// Package logger provee un logger Zap singleton con scoping por contexto.
//
// Inicialización (una vez en main):
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel, ServiceName: "central"})
//	defer logger.Sync()
//
// En handlers/services:
//
//	log := logger.From(ctx)
//	log.Info("heartbeat applied", logger.ServerID(node.ServerID))
//
// Los componentes de larga vida (pusher, scheduler) reciben un *zap.Logger por constructor;
// si es nil usan logger.Named(component).
package logger
