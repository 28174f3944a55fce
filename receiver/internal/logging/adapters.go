package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// watermillAdapter пишет логи watermill в zerolog
type watermillAdapter struct {
	logger zerolog.Logger
}

// Watermill возвращает watermill.LoggerAdapter поверх zerolog
func Watermill() watermill.LoggerAdapter {
	return &watermillAdapter{logger: With("watermill")}
}

func (a *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (a *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{logger: a.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

// SutureHook логирует события супервизора
func SutureHook() suture.EventHook {
	logger := With("supervisor")
	return func(e suture.Event) {
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			logger.Error().Fields(e.Map()).Msg(e.String())
		case suture.EventTypeBackoff:
			logger.Warn().Fields(e.Map()).Msg(e.String())
		default:
			logger.Info().Fields(e.Map()).Msg(e.String())
		}
	}
}
