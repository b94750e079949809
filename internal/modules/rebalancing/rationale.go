package rebalancing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/modules/budget"
)

const (
	// rationaleTimeout bounds one LLM call.
	rationaleTimeout = 30 * time.Second

	// rationaleMaxLen truncates runaway completions.
	rationaleMaxLen = 500

	rationaleSystem = "You narrate the decisions of an autonomous liquidity-pool agent. " +
		"Rewrite the draft rationale as one or two plain sentences for a human operator. " +
		"Keep every number exactly as given. Do not add caveats, advice, or facts not present in the draft."
)

// llmRationaleEstimateUSD is the affordability estimate for one
// rationale completion.
var llmRationaleEstimateUSD = decimal.RequireFromString("0.02")

// RationaleWriter rephrases the planner's template rationales through
// the LLM. Every call path degrades to the template: a disabled LLM, a
// strained budget, or any completion failure leaves the decision as
// the planner wrote it.
type RationaleWriter struct {
	llm      domain.LLM
	governor *budget.Governor
	log      zerolog.Logger
}

// NewRationaleWriter creates a writer over the given LLM and governor.
func NewRationaleWriter(llm domain.LLM, governor *budget.Governor, log zerolog.Logger) *RationaleWriter {
	return &RationaleWriter{
		llm:      llm,
		governor: governor,
		log:      log.With().Str("module", "rationale").Logger(),
	}
}

// Rewrite replaces the decision's rationale in place. Holds are never
// rewritten; they are too frequent to be worth tokens.
func (w *RationaleWriter) Rewrite(ctx context.Context, d *domain.Decision) {
	if d.Type == domain.DecisionHold {
		return
	}
	if w.llm == nil || !w.llm.Enabled() {
		return
	}
	switch w.governor.Mode() {
	case budget.ModeEmergency, budget.ModeShutdown:
		return
	}
	if !w.governor.CanAfford(budget.CategoryLLM, llmRationaleEstimateUSD) {
		w.log.Debug().Str("decision", d.ID).Msg("Skipping rationale rewrite, budget headroom too low")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, rationaleTimeout)
	defer cancel()

	res, err := w.llm.Complete(ctx, rationaleSystem, rationalePrompt(d))
	if err != nil {
		w.log.Debug().Err(err).Str("decision", d.ID).Msg("Rationale rewrite failed, keeping template")
		return
	}
	if err := w.governor.Charge(ctx, budget.CategoryLLM, res.CostUSD); err != nil {
		w.log.Warn().Err(err).Msg("Failed to charge rationale completion")
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	if len(text) > rationaleMaxLen {
		text = text[:rationaleMaxLen]
	}
	d.RationaleText = text
}

func rationalePrompt(d *domain.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "action: %s\n", d.Type)
	if d.SourcePool != "" {
		fmt.Fprintf(&b, "source_pool: %s\n", d.SourcePool)
	}
	if d.TargetPool != "" {
		fmt.Fprintf(&b, "target_pool: %s\n", d.TargetPool)
	}
	fmt.Fprintf(&b, "amount_usd: %s\n", d.AmountUSD.StringFixed(2))
	fmt.Fprintf(&b, "predicted_net_usd_24h: %s\n", d.PredictedNetUSD24h.StringFixed(2))
	fmt.Fprintf(&b, "confidence: %.2f\n", d.Confidence)
	if d.DeferUntil != nil {
		fmt.Fprintf(&b, "defer_until: %s\n", d.DeferUntil.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "draft: %s\n", d.RationaleText)
	return b.String()
}
