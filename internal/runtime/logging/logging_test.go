package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryServiceLoggerDelegates(t *testing.T) {
	entry := &fakeEntry{recorder: &entryRecorder{}}
	logger := NewEntryServiceLogger(entry)

	logger.Info("boot", LogFields{"system": "test"})
	child := logger.With(LogFields{"base": "value"})
	child.Debug("child", LogFields{"child": "value"})
	boom := errors.New("boom")
	child.Error("child failed", boom, nil)

	logs := entry.recorder.logs
	require.Len(t, logs, 3)
	assert.Equal(t, "info", logs[0].level)
	assert.Equal(t, "test", logs[0].fields["system"])
	assert.Equal(t, "value", logs[1].fields["base"])
	assert.Equal(t, "value", logs[1].fields["child"])
	assert.Equal(t, boom, logs[2].err)
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
	assert.Panics(t, func() { NewEntryServiceLogger[EntryLogger](nil) })
}

func TestWatermillAdapterRoundTrip(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Info("info", watermill.LogFields{"k": "v"})
	adapter.Error("err", errors.New("boom"), nil)

	require.Len(t, base.entries, 2)
	assert.Equal(t, "v", base.entries[0].fields["k"])
	assert.Nil(t, base.entries[1].fields)
}

func TestOrAndComponent(t *testing.T) {
	assert.NotNil(t, Or(nil))

	base := &recordingServiceLogger{}
	assert.Same(t, base, Or(base))

	scoped := Component(base, "fabric")
	scoped.Info("ready", nil)
	rec := scoped.(*recordingServiceLogger)
	assert.Equal(t, "fabric", rec.fields["component"])
}

func TestSlogServiceLogger(t *testing.T) {
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotPanics(t, func() {
		logger.With(LogFields{"k": "v"}).Info("hello", nil)
		Nop().Error("discarded", errors.New("x"), nil)
	})
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

type recordingServiceLogger struct {
	fields  LogFields
	entries []loggedEntry
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	merged := LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingServiceLogger{fields: merged}
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) { r.add("debug", msg, fields, nil) }
func (r *recordingServiceLogger) Info(msg string, fields LogFields)  { r.add("info", msg, fields, nil) }
func (r *recordingServiceLogger) Trace(msg string, fields LogFields) { r.add("trace", msg, fields, nil) }
func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.add("error", msg, fields, err)
}

func (r *recordingServiceLogger) add(level, msg string, fields LogFields, err error) {
	r.entries = append(r.entries, loggedEntry{level: level, msg: msg, fields: fields, err: err})
}

type entryRecorder struct {
	logs []loggedEntry
}

type fakeEntry struct {
	recorder *entryRecorder
	fields   LogFields
	err      error
}

func (f *fakeEntry) clone() *fakeEntry {
	fields := LogFields{}
	for k, v := range f.fields {
		fields[k] = v
	}
	return &fakeEntry{recorder: f.recorder, fields: fields, err: f.err}
}

func (f *fakeEntry) Error(args ...any) { f.append("error", args...) }
func (f *fakeEntry) Info(args ...any)  { f.append("info", args...) }
func (f *fakeEntry) Debug(args ...any) { f.append("debug", args...) }
func (f *fakeEntry) Trace(args ...any) { f.append("trace", args...) }

func (f *fakeEntry) WithError(err error) *fakeEntry {
	c := f.clone()
	c.err = err
	return c
}

func (f *fakeEntry) WithField(key string, value any) *fakeEntry {
	c := f.clone()
	c.fields[key] = value
	return c
}

func (f *fakeEntry) append(level string, args ...any) {
	f.recorder.logs = append(f.recorder.logs, loggedEntry{
		level:  level,
		msg:    fmt.Sprint(args...),
		fields: f.clone().fields,
		err:    f.err,
	})
}
