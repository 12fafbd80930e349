package diag

import (
	"fmt"
	"strings"

	"codeberg.org/mutker/radioguard/internal/logger"
)

// Recorder receives diagnostic event messages.
type Recorder interface {
	Record(msg string)
}

// SourceRecorder is implemented by sinks that keep the emitting component
// as a separate field instead of folding it into the message.
type SourceRecorder interface {
	Recorder
	RecordFrom(source, msg string)
}

// Nop discards every record.
type Nop struct{}

func (Nop) Record(string) {}

var _ Recorder = Nop{}

type tagged struct {
	next   Recorder
	source string
}

// Tagged labels every record passed through it with source.
func Tagged(next Recorder, source string) Recorder {
	if next == nil {
		next = Nop{}
	}
	return &tagged{next: next, source: source}
}

func (t *tagged) Record(msg string) {
	if sr, ok := t.next.(SourceRecorder); ok {
		sr.RecordFrom(t.source, msg)
		return
	}
	t.next.Record(fmt.Sprintf("%s: %s", t.source, msg))
}

// Multi fans records out to several sinks in order.
type Multi struct {
	sinks []Recorder
}

// NewMulti returns a Multi over the non-nil sinks.
func NewMulti(sinks ...Recorder) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Record(msg string) {
	m.RecordFrom("", msg)
}

func (m *Multi) RecordFrom(source, msg string) {
	for _, s := range m.sinks {
		if sr, ok := s.(SourceRecorder); ok {
			sr.RecordFrom(source, msg)
			continue
		}
		if source != "" {
			s.Record(fmt.Sprintf("%s: %s", source, msg))
			continue
		}
		s.Record(msg)
	}
}

var _ SourceRecorder = (*Multi)(nil)

// Log writes records to a structured logger at info level.
type Log struct {
	log logger.Logger
}

// NewLog returns a Log sink over l.
func NewLog(l logger.Logger) *Log {
	return &Log{log: l}
}

func (l *Log) Record(msg string) {
	l.RecordFrom("", msg)
}

func (l *Log) RecordFrom(source, msg string) {
	ev := l.log.Info().Event
	if source != "" {
		ev = ev.Str("source", source)
	}
	ev.Msg(strings.TrimSpace(msg))
}

var _ SourceRecorder = (*Log)(nil)
