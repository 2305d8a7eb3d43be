package resolver

import (
	"fmt"
	"math/big"

	"github.com/ferryfi/ferry/pkg/model"
)

// Strategies is a list of strategy for different order pairs.
type Strategies []Strategy

// Get returns the strategy of the given order pair.
func (s Strategies) Get(pair string) (Strategy, bool) {
	for _, strategy := range s {
		if strategy.OrderPair == pair {
			return strategy, true
		}
	}
	return Strategy{}, false
}

// Strategy defines which orders of one pair the resolver is willing to serve.
type Strategy struct {
	OrderPair string
	Makers    []string // whitelisted makers, nil means allowing any address
	MinAmount *big.Int // minimum amount, nil means no minimum requirement
	MaxAmount *big.Int // maximum amount, nil means no maximum requirement
	MarginBps int      // resolver margin in basis points (0.01%)
}

// NewStrategy validates the pair and returns a strategy.
func NewStrategy(orderPair string, makers []string, minAmount, maxAmount *big.Int, marginBps int) (Strategy, error) {
	if _, _, _, _, err := model.ParseOrderPair(orderPair); err != nil {
		return Strategy{}, err
	}
	if marginBps < 0 || marginBps >= 10_000 {
		return Strategy{}, fmt.Errorf("margin out of range: %v bps", marginBps)
	}
	return Strategy{
		OrderPair: orderPair,
		Makers:    makers,
		MinAmount: minAmount,
		MaxAmount: maxAmount,
		MarginBps: marginBps,
	}, nil
}

// Margin is the fraction of the market rate the resolver keeps.
func (strategy Strategy) Margin() float64 {
	return float64(strategy.MarginBps) / 10_000
}

// Match checks if the given order matches our strategy. It also gives an
// error to indicate the unmatched reason.
func (strategy Strategy) Match(order model.Order) (bool, error) {
	if order.Pair() != strategy.OrderPair {
		return false, fmt.Errorf("pair %v not served", order.Pair())
	}

	if len(strategy.Makers) != 0 {
		hasMaker := false
		for _, maker := range strategy.Makers {
			if maker == order.Maker {
				hasMaker = true
				break
			}
		}
		if !hasMaker {
			return false, fmt.Errorf("maker [%v] not whitelisted", order.Maker)
		}
	}

	orderAmount, err := order.FromAmountInt()
	if err != nil {
		return false, err
	}
	if strategy.MinAmount != nil && orderAmount.Cmp(strategy.MinAmount) < 0 {
		return false, fmt.Errorf("amount(%v) lower than minimum(%v)", orderAmount, strategy.MinAmount)
	}
	if strategy.MaxAmount != nil && orderAmount.Cmp(strategy.MaxAmount) > 0 {
		return false, fmt.Errorf("amount(%v) greater than maximum(%v)", orderAmount, strategy.MaxAmount)
	}
	return true, nil
}
