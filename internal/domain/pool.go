// Package domain provides core domain models, error kinds, and the
// collaborator interfaces the cognitive loop depends on.
package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// APRSumTolerance is the maximum allowed drift between apr_total and
// apr_fee + apr_incentive.
const APRSumTolerance = 1e-6

// PoolMetric is one observed sample of a liquidity pool.
// Keyed by (PoolID, Timestamp).
type PoolMetric struct {
	Timestamp    time.Time                  `json:"timestamp"`
	Reserves     map[string]decimal.Decimal `json:"reserves"`
	PoolID       string                     `json:"pool_id"`
	Token0       string                     `json:"token0"`
	Token1       string                     `json:"token1"`
	TVLUSD       decimal.Decimal            `json:"tvl_usd"`
	Volume24hUSD decimal.Decimal            `json:"volume_24h_usd"`
	APRTotal     float64                    `json:"apr_total"`
	APRFee       float64                    `json:"apr_fee"`
	APRIncentive float64                    `json:"apr_incentive"`
	GasPriceGwei float64                    `json:"gas_price_gwei"`
	Stable       bool                       `json:"stable"`
}

// Pair returns the canonical "TOKEN0/TOKEN1" pair label.
func (m PoolMetric) Pair() string {
	return m.Token0 + "/" + m.Token1
}

// APRConsistent reports whether apr_total matches apr_fee + apr_incentive
// within APRSumTolerance.
func (m PoolMetric) APRConsistent() bool {
	return math.Abs(m.APRTotal-(m.APRFee+m.APRIncentive)) <= APRSumTolerance
}

// Quote is the provider's answer to a swap profitability check.
type Quote struct {
	Route            []string        `json:"route"`
	AmountOut        decimal.Decimal `json:"amount_out"`
	PriceImpact      float64         `json:"price_impact"` // fraction of notional, 0.01 = 1%
	EstimatedGasGwei float64         `json:"estimated_gas_gwei"`
}

// GasPrice is the current gas quote for a chain.
type GasPrice struct {
	Gwei      float64         `json:"gwei"`
	NativeUSD decimal.Decimal `json:"native_usd"` // USD price of one native token
}

// CostUSD converts a gas-unit estimate into USD at this gas price.
func (g GasPrice) CostUSD(gasUnits int64) decimal.Decimal {
	native := decimal.NewFromFloat(g.Gwei * 1e-9).Mul(decimal.NewFromInt(gasUnits))
	return native.Mul(g.NativeUSD)
}
