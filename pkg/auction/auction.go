// Package auction implements the Dutch auction pricing curve used to find the
// market clearing rate of an order. Everything here is a pure function of the
// auction config and a timestamp, so resolvers and the ledger always agree on
// the rate without coordination.
package auction

import (
	"math"
	"math/big"
	"time"

	"github.com/ferryfi/ferry/pkg/model"
)

// rateDecimals is the fixed point precision applied to rates before they
// touch token amounts.
const rateDecimals = 1_000_000

// CurrentRate returns the minimum acceptable exchange rate at time t. The
// decay is a stepped linear one: the rate only drops at interval boundaries,
// never continuously, and is clamped to [EndRate, StartRate].
func CurrentRate(cfg model.DutchAuctionConfig, t int64) float64 {
	if t < cfg.StartTimestamp {
		return cfg.StartRate
	}
	if t >= cfg.StartTimestamp+cfg.Duration {
		return cfg.EndRate
	}
	steps := (t - cfg.StartTimestamp) / cfg.DecrementInterval
	rate := cfg.StartRate - float64(steps)*cfg.DecrementAmount
	return math.Max(rate, cfg.EndRate)
}

// RateForFill applies the fill size bonus on top of the current rate. Larger
// slices get a marginally better rate so resolvers don't cherry-pick the most
// profitable thin slices. At a 100% fill the bonus works out to 0.1%.
func RateForFill(cfg model.DutchAuctionConfig, fillPercentage float64, t int64) float64 {
	bonus := math.Max(0, (fillPercentage-25)*0.001/75)
	return CurrentRate(cfg, t) * (1 + bonus)
}

// MinReturn is the minimum acceptable output amount for fromAmount at time t.
// The rate is truncated to six decimals of fixed point before it multiplies
// the amount, so every party derives the exact same integer.
func MinReturn(fromAmount *big.Int, cfg model.DutchAuctionConfig, t int64) *big.Int {
	fixed := big.NewInt(int64(math.Floor(CurrentRate(cfg, t) * rateDecimals)))
	out := new(big.Int).Mul(fromAmount, fixed)
	return out.Quo(out, big.NewInt(rateDecimals))
}

// IsAcceptableOffer reports whether an offered rate clears the auction at time t.
func IsAcceptableOffer(offeredRate float64, cfg model.DutchAuctionConfig, t int64) bool {
	return offeredRate >= CurrentRate(cfg, t)
}

// Status is a derived view of an auction at one point in time.
type Status struct {
	HasStarted      bool          `json:"hasStarted"`
	HasEnded        bool          `json:"hasEnded"`
	IsActive        bool          `json:"isActive"`
	TimeRemaining   time.Duration `json:"timeRemaining"`
	CurrentRate     float64       `json:"currentRate"`
	NextRateDropIn  time.Duration `json:"nextRateDropIn"`
	PercentComplete float64       `json:"percentComplete"`
}

// StatusAt derives the auction status at time t.
func StatusAt(cfg model.DutchAuctionConfig, t int64) Status {
	end := cfg.StartTimestamp + cfg.Duration
	status := Status{
		HasStarted:  t >= cfg.StartTimestamp,
		HasEnded:    t >= end,
		CurrentRate: CurrentRate(cfg, t),
	}
	status.IsActive = status.HasStarted && !status.HasEnded
	if status.IsActive {
		status.TimeRemaining = time.Duration(end-t) * time.Second
		sinceStart := t - cfg.StartTimestamp
		status.NextRateDropIn = time.Duration(cfg.DecrementInterval-sinceStart%cfg.DecrementInterval) * time.Second
	}
	if cfg.Duration > 0 {
		elapsed := float64(t-cfg.StartTimestamp) / float64(cfg.Duration) * 100
		status.PercentComplete = math.Min(math.Max(elapsed, 0), 100)
	}
	return status
}

// CompetitionScore ranks competing resolver offers off-chain. Earlier fills
// and larger slices score higher. It has no bearing on settlement.
func CompetitionScore(fillTimestamp int64, fillPercentage float64, cfg model.DutchAuctionConfig) float64 {
	elapsed := float64(fillTimestamp-cfg.StartTimestamp) / float64(cfg.Duration) * 100
	return 0.7*math.Max(0, 100-elapsed) + 0.3*fillPercentage
}
