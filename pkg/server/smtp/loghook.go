package smtp

import "github.com/rs/zerolog"

// sessionLogHook counts warnings and errors emitted by session loggers into
// the package expvars, feeding the minute history published under "smtp".
type sessionLogHook struct{}

func (h sessionLogHook) Run(_ *zerolog.Event, level zerolog.Level, _ string) {
	switch level {
	case zerolog.WarnLevel:
		expWarnsTotal.Add(1)
	case zerolog.ErrorLevel, zerolog.FatalLevel:
		expErrorsTotal.Add(1)
	}
}
