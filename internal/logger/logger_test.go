package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zap.InfoLevel, ParseLevel("verbose"))
}

func TestInitReplacesGlobal(t *testing.T) {
	l := Init("error")
	require.NotNil(t, l)
	assert.Same(t, l, Log)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
}
