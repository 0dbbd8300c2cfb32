package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2025, 1, 26, 10, 16, 52, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "flush slow",
		Data:    logrus.Fields{"task_id": "01A", "batch": 500},
	}
	out, err := (&TextFormatter{}).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[2025/01/26 10:16:52] [WARNING] flush slow batch=500 task_id=01A\n", string(out))
}

func TestNewWithOutputRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("warn", &buf)

	l.Info("hidden")
	l.WithField("task_id", "01A").Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[WARNING] shown task_id=01A")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("verbose"))
}
