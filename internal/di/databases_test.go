package di

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forager/internal/config"
)

func TestInitializeDatabases(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &config.Config{DataDir: tmpDir}
	log := zerolog.Nop()

	container := &Container{Log: log}
	require.NoError(t, InitializeDatabases(container, cfg, log))
	t.Cleanup(container.Close)

	require.NotNil(t, container.AgentDB)
	require.NotNil(t, container.HistoryDB)
	require.NotNil(t, container.Docs)
	require.NotNil(t, container.History)

	assert.FileExists(t, filepath.Join(tmpDir, "agent.db"))
	assert.FileExists(t, filepath.Join(tmpDir, "history.db"))

	// Smoke check both handles; full schema tests live in storage.
	_, err := container.AgentDB.Conn().Exec("SELECT 1")
	assert.NoError(t, err)
	_, err = container.HistoryDB.Exec("SELECT 1")
	assert.NoError(t, err)
}

func TestContainerCloseIsSafeWhenPartiallyBuilt(t *testing.T) {
	container := &Container{Log: zerolog.Nop()}
	container.Close()

	cfg := &config.Config{DataDir: t.TempDir()}
	require.NoError(t, InitializeDatabases(container, cfg, zerolog.Nop()))
	container.Close()
}
