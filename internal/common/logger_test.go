package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOrNopFallsBackToProcessLogger(t *testing.T) {
	explicit := zap.NewExample()
	assert.Same(t, explicit, OrNop(explicit))

	path := filepath.Join(t.TempDir(), "tomorecon.log")
	l := InitLog(LogOptions{Level: "debug", Path: path, MaxSizeMB: 1})
	t.Cleanup(func() {
		loggerMu.Lock()
		logger = zap.NewNop()
		loggerMu.Unlock()
	})
	assert.Same(t, l, GetLogger())
	assert.Same(t, l, OrNop(nil))

	OrNop(nil).Debug("dataset ingested", zap.String("dataset", "d-1"))
	_ = l.Sync()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dataset ingested")
	assert.Contains(t, string(data), "d-1")
}
