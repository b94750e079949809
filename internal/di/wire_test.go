package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forager/internal/config"
	"github.com/aristath/forager/internal/domain"
)

// fakeVectorStore answers every collection call with 200 so wiring can
// complete without a real Qdrant running.
func fakeVectorStore(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","result":{}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, qdrantURL string) *config.Config {
	t.Helper()
	return &config.Config{
		CyclePeriod:         300 * time.Second,
		ObservationPeriod:   72 * time.Hour,
		MinPatternsToTrade:  8,
		ConfidenceFloor:     0.7,
		MinAPRForMemory:     20,
		MinVolumeForMemory:  decimal.NewFromInt(100000),
		MaxMemoriesPerCycle: 50,
		APRImprovementFloor: 5,
		CompoundMinValueUSD: decimal.NewFromInt(50),
		CompoundOptimalGas:  decimal.NewFromInt(30),
		DailyBudgetUSD:      decimal.NewFromInt(30),
		Stablecoins:         []string{"USDC", "DAI"},
		DataDir:             t.TempDir(),
		Chain:               "base",
		ProviderBaseURL:     "http://localhost:9",
		ProviderWSURL:       "ws://localhost:9/ws",
		QdrantURL:           qdrantURL,
		QdrantCollection:    "forager_memories",
		ExecutorMode:        "paper",
	}
}

func TestWire(t *testing.T) {
	vectors := fakeVectorStore(t)
	cfg := testConfig(t, vectors.URL)
	log := zerolog.Nop()

	container, err := Wire(context.Background(), cfg, log)
	require.NoError(t, err)
	require.NotNil(t, container)
	t.Cleanup(container.Close)

	assert.NotNil(t, container.AgentDB)
	assert.NotNil(t, container.HistoryDB)
	assert.NotNil(t, container.Docs)
	assert.NotNil(t, container.History)
	assert.NotNil(t, container.Events)
	assert.NotNil(t, container.Provider)
	assert.NotNil(t, container.Feed)
	assert.NotNil(t, container.Gateway)
	assert.NotNil(t, container.Prices)
	assert.NotNil(t, container.Profiles)
	assert.NotNil(t, container.Memories)
	assert.NotNil(t, container.Patterns)
	assert.NotNil(t, container.Governor)
	assert.NotNil(t, container.Planner)
	assert.NotNil(t, container.Rationale)
	assert.NotNil(t, container.Executor)
	assert.NotNil(t, container.Loop)
	assert.NotNil(t, container.Stream)
	assert.NotNil(t, container.Scheduler)

	// Backups stay unwired unless enabled.
	assert.Nil(t, container.Backups)

	// A fresh data dir means a fresh agent: observing, cycle zero.
	state := container.Loop.Snapshot()
	assert.Equal(t, domain.ModeObserve, state.Mode)
	assert.Equal(t, int64(0), state.CycleNumber)

	assert.Contains(t, container.Databases(), "agent")
}

func TestWireFailsWhenVectorStoreIsUnreachable(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close() // nothing listens on this URL anymore

	cfg := testConfig(t, down.URL)
	container, err := Wire(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Nil(t, container)
	assert.Contains(t, err.Error(), "vector collection")
}
