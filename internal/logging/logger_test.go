package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel(" WARNING "))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel(""))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNopLoggerIsSilent(t *testing.T) {
	logger := Nop()
	// Must not panic with arbitrary format verbs and no args.
	logger.Debug("%d %s")
	logger.Info("%d %s")
	logger.Warn("%d %s")
	logger.Error("%d %s")
}

func TestWriterForSplitsLines(t *testing.T) {
	rec := &recordingLogger{}
	w := WriterFor(rec, INFO)

	n, err := w.Write([]byte("child stdout line\n"))
	assert.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Equal(t, []string{"child stdout line"}, rec.lines)

	// Blank writes produce no log entries.
	_, err = w.Write([]byte("\n"))
	assert.NoError(t, err)
	assert.Len(t, rec.lines, 1)
}

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.record(format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.record(format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.record(format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.record(format, args...) }

func (r *recordingLogger) record(format string, args ...any) {
	if len(args) == 1 {
		if s, ok := args[0].(string); ok && format == "%s" {
			r.lines = append(r.lines, s)
			return
		}
	}
	r.lines = append(r.lines, format)
}
