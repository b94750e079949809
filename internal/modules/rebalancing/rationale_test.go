package rebalancing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/modules/budget"
	foragertest "github.com/aristath/forager/internal/testing"
)

const templateText = "Rebalancing WETH/USDC → AERO/USDC: predicted APR 10.0% → 27.0%"

func newTestWriter(t *testing.T, llm domain.LLM) (*RationaleWriter, *budget.Governor) {
	t.Helper()
	governor := budget.NewGovernor(usd("30"),
		foragertest.NewMockDocStore(),
		foragertest.NewMockClock(testStart),
		events.NewManager(events.NewBus(), zerolog.Nop()),
		zerolog.Nop())
	return NewRationaleWriter(llm, governor, zerolog.Nop()), governor
}

func rebalanceDecision() domain.Decision {
	return domain.Decision{
		ID:            "d-1",
		Type:          domain.DecisionRebalance,
		PositionID:    "pos-1",
		SourcePool:    "pool-a",
		TargetPool:    "pool-b",
		AmountUSD:     usd("20000"),
		RationaleText: templateText,
		Confidence:    0.75,
	}
}

func TestRewriteReplacesTemplateRationale(t *testing.T) {
	llm := foragertest.NewMockLLM("Yield on the source pool is decaying while the target holds steady; the move pays for its own gas within a day.")
	w, governor := newTestWriter(t, llm)

	d := rebalanceDecision()
	w.Rewrite(context.Background(), &d)

	assert.Equal(t, "Yield on the source pool is decaying while the target holds steady; the move pays for its own gas within a day.", d.RationaleText)

	// The prompt carries the structured facts plus the draft.
	_, users := llm.Prompts()
	require.Len(t, users, 1)
	assert.Contains(t, users[0], "action: rebalance")
	assert.Contains(t, users[0], "target_pool: pool-b")
	assert.Contains(t, users[0], templateText)

	// The completion's actual cost lands on the llm budget line.
	snap := governor.Snapshot()
	require.Contains(t, snap.ByCategory, budget.CategoryLLM)
	assert.True(t, snap.ByCategory[budget.CategoryLLM].Equal(usd("0.003")))
}

func TestRewriteSkipsHolds(t *testing.T) {
	llm := foragertest.NewMockLLM("never used")
	w, governor := newTestWriter(t, llm)

	d := rebalanceDecision()
	d.Type = domain.DecisionHold
	d.RationaleText = "Holding WETH/USDC: no alternative cleared its gates"
	w.Rewrite(context.Background(), &d)

	assert.Equal(t, "Holding WETH/USDC: no alternative cleared its gates", d.RationaleText)
	_, users := llm.Prompts()
	assert.Empty(t, users)
	assert.True(t, governor.Remaining().Equal(usd("30")))
}

func TestRewriteSkipsWhenLLMDisabled(t *testing.T) {
	w, _ := newTestWriter(t, foragertest.NewDisabledLLM())

	d := rebalanceDecision()
	w.Rewrite(context.Background(), &d)

	assert.Equal(t, templateText, d.RationaleText)
}

func TestRewriteSkipsUnderBudgetPressure(t *testing.T) {
	llm := foragertest.NewMockLLM("never used")
	w, governor := newTestWriter(t, llm)

	// 70% of the daily budget spent puts the governor in emergency
	// mode; rationale polish is the first spend to go.
	require.NoError(t, governor.Charge(context.Background(), budget.CategoryGas, usd("21")))
	require.Equal(t, budget.ModeEmergency, governor.Mode())

	d := rebalanceDecision()
	w.Rewrite(context.Background(), &d)

	assert.Equal(t, templateText, d.RationaleText)
	_, users := llm.Prompts()
	assert.Empty(t, users)
}

func TestRewriteSkipsWhenUnaffordable(t *testing.T) {
	llm := foragertest.NewMockLLM("never used")
	governor := budget.NewGovernor(usd("0.01"),
		foragertest.NewMockDocStore(),
		foragertest.NewMockClock(testStart),
		events.NewManager(events.NewBus(), zerolog.Nop()),
		zerolog.Nop())
	w := NewRationaleWriter(llm, governor, zerolog.Nop())

	d := rebalanceDecision()
	w.Rewrite(context.Background(), &d)

	assert.Equal(t, templateText, d.RationaleText)
	_, users := llm.Prompts()
	assert.Empty(t, users)
}

func TestRewriteKeepsTemplateOnError(t *testing.T) {
	llm := foragertest.NewMockLLM("never returned")
	llm.SetError(errors.New("upstream 529"))
	w, governor := newTestWriter(t, llm)

	d := rebalanceDecision()
	w.Rewrite(context.Background(), &d)

	assert.Equal(t, templateText, d.RationaleText)
	assert.True(t, governor.Remaining().Equal(usd("30")), "a failed completion must not be charged")
}

func TestRewriteKeepsTemplateOnBlankCompletion(t *testing.T) {
	llm := foragertest.NewMockLLM("   \n\t ")
	w, _ := newTestWriter(t, llm)

	d := rebalanceDecision()
	w.Rewrite(context.Background(), &d)

	assert.Equal(t, templateText, d.RationaleText)
}

func TestRewriteTruncatesRunawayCompletions(t *testing.T) {
	llm := foragertest.NewMockLLM(strings.Repeat("yield decay ", 60))
	w, _ := newTestWriter(t, llm)

	d := rebalanceDecision()
	w.Rewrite(context.Background(), &d)

	assert.Len(t, d.RationaleText, rationaleMaxLen)
	assert.NotEqual(t, templateText, d.RationaleText)
}
