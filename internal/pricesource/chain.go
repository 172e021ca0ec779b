// Package pricesource converts an arbitrary currency amount to USD by
// chaining together the direct quote prices the engine already has order
// books for, rebasing through intermediate currencies when no direct
// pair to USD exists.
//
// Grounded on original_source/core/src/services/usd_convertion/
// price_source_service.rs and prices_calculator.rs: a registry of known
// direct conversion pairs, a greedy shortest-chain search to USD, and a
// RebasePriceStep list the caller walks to convert an amount.
package pricesource

import (
	"fmt"

	"tradingengine/internal/money"
)

const USD = "USD"

// Quoter supplies the current price for a direct currency pair, usually
// backed by the order book mid price for that pair.
type Quoter interface {
	Quote(pair money.CurrencyPair) (money.Decimal, bool)
}

// RebasePriceStep is one hop in a conversion chain: multiply by Price to
// go From -> To, or divide by Price if Invert is set (the registered pair
// was quote/base relative to the direction needed).
type RebasePriceStep struct {
	From   string
	To     string
	Pair   money.CurrencyPair
	Invert bool
}

// Chain is an ordered sequence of rebase steps that converts one currency
// to USD.
type Chain struct {
	Steps []RebasePriceStep
}

// Registry tracks which direct currency pairs are known (i.e. have an
// order book) so chains can be built without walking the whole universe
// of configured symbols on every conversion.
type Registry struct {
	pairs []money.CurrencyPair
}

func NewRegistry() *Registry {
	return &Registry{}
}

// AddPair registers a direct conversion pair as available, e.g. because a
// symbol for it is configured and has a live order book.
func (r *Registry) AddPair(pair money.CurrencyPair) {
	r.pairs = append(r.pairs, pair)
}

// BuildChain greedily searches (breadth-first, so the result is the
// shortest chain) for a sequence of registered pairs connecting currency
// to USD. It returns an error if no chain exists.
func (r *Registry) BuildChain(currency string) (Chain, error) {
	if currency == USD {
		return Chain{}, nil
	}

	type node struct {
		currency string
		steps    []RebasePriceStep
	}

	visited := map[string]bool{currency: true}
	queue := []node{{currency: currency}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, pair := range r.pairs {
			var next string
			var step RebasePriceStep
			switch {
			case pair.Base == cur.currency:
				next = pair.Quote
				step = RebasePriceStep{From: cur.currency, To: next, Pair: pair, Invert: false}
			case pair.Quote == cur.currency:
				next = pair.Base
				step = RebasePriceStep{From: cur.currency, To: next, Pair: pair, Invert: true}
			default:
				continue
			}

			if visited[next] {
				continue
			}
			visited[next] = true

			steps := append(append([]RebasePriceStep{}, cur.steps...), step)
			if next == USD {
				return Chain{Steps: steps}, nil
			}
			queue = append(queue, node{currency: next, steps: steps})
		}
	}

	return Chain{}, fmt.Errorf("pricesource: no conversion chain from %s to USD", currency)
}

// Convert walks chain's steps to turn amount (denominated in the chain's
// starting currency) into USD, querying quoter for each hop's current
// price.
func Convert(quoter Quoter, chain Chain, amount money.Decimal) (money.Decimal, error) {
	result := amount
	for _, step := range chain.Steps {
		price, ok := quoter.Quote(step.Pair)
		if !ok {
			return money.Zero, fmt.Errorf("pricesource: no live quote for %s", step.Pair)
		}
		if step.Invert {
			if price.IsZero() {
				return money.Zero, fmt.Errorf("pricesource: zero price for %s", step.Pair)
			}
			result = result.Div(price)
		} else {
			result = result.Mul(price)
		}
	}
	return result, nil
}
