package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dkls-node/internal/config"
)

func TestInitLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	require.NoError(t, InitLogger(config.LoggerConfig{Level: "debug", Format: "json", FilePath: path, MaxSize: 1}))
	t.Cleanup(func() { _ = InitLogger(config.LoggerConfig{Level: "info"}) })

	assert.Equal(t, logrus.DebugLevel, Log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, Log.Formatter)

	Log.Info("written to file")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written to file"`)
}

func TestInitLoggerBadLevel(t *testing.T) {
	assert.Error(t, InitLogger(config.LoggerConfig{Level: "loud"}))
}

func TestGoLogLevel(t *testing.T) {
	assert.Equal(t, "debug", goLogLevel(logrus.TraceLevel))
	assert.Equal(t, "warn", goLogLevel(logrus.WarnLevel))
	assert.Equal(t, "fatal", goLogLevel(logrus.PanicLevel))
}
