package log

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrapError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	old := Logger()
	SetLogger(zap.New(core))
	defer SetLogger(old)

	assert.NoError(t, WrapError(nil))
	err := errors.New("mock error")
	assert.Equal(t, err, WrapError(err))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "mock error", logs.All()[0].Message)
}

func TestNew(t *testing.T) {
	l, err := New("warn")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	_, err = New("loud")
	assert.Error(t, err)
}
