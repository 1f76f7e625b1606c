package tools

import (
	"github.com/modfin/henry/mapz"
	"github.com/sirupsen/logrus"
)

// LoggerCloner wraps a configured logrus logger so each component can get
// its own copy stamped with a "who" field.
func LoggerCloner(l *logrus.Logger) *Logger {
	return &Logger{
		def: l,
	}
}

type Logger struct {
	def *logrus.Logger
}

func (l *Logger) New(name string) *logrus.Logger {

	hooks := mapz.Clone(l.def.Hooks)

	ll := &logrus.Logger{
		Out:          l.def.Out,
		Formatter:    l.def.Formatter,
		Hooks:        hooks,
		Level:        l.def.Level,
		ExitFunc:     l.def.ExitFunc,
		ReportCaller: l.def.ReportCaller,
	}

	ll.AddHook(LoggerWho{Name: name})
	return ll

}

// NewTagged is New plus a short random instance id on every entry, for
// components that run several identical copies, like the send workers.
func (l *Logger) NewTagged(name string) *logrus.Logger {
	ll := l.New(name)
	ll.AddHook(loggerInstance{id: RandStringRunes(5)})
	return ll
}

type LoggerWho struct {
	Name string
}

func (w LoggerWho) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (w LoggerWho) Fire(entry *logrus.Entry) error {
	entry.Data["who"] = w.Name
	return nil
}

type loggerInstance struct {
	id string
}

func (i loggerInstance) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (i loggerInstance) Fire(entry *logrus.Entry) error {
	entry.Data["instance"] = i.id
	return nil
}
