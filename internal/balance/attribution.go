package balance

import (
	"sync"

	"tradingengine/internal/money"
)

// ServiceName identifies the strategy or subsystem a balance movement is
// attributed to (e.g. a market-making strategy's configured name).
type ServiceName string

// ServiceConfigurationKey distinguishes two deployments of the same
// ServiceName trading under different configuration (e.g. two instances of
// the same strategy quoting different risk parameters).
type ServiceConfigurationKey string

// ConfigDescriptor names the (ServiceName, ServiceConfigurationKey) pair a
// balance change is booked against, mirroring original_source's
// ConfigurationDescriptor used to key reservations in §4.6.
type ConfigDescriptor struct {
	ServiceName             ServiceName
	ServiceConfigurationKey ServiceConfigurationKey
}

// AttributionTree is the 5-level nested accounting structure from spec §3:
// ServiceName -> ServiceConfigurationKey -> ExchangeAccountId -> CurrencyPair
// -> CurrencyCode -> Decimal. It is additive bookkeeping kept alongside
// Tree's real per-account free balance: the free map is what an order
// actually draws against, while AttributionTree answers "how much of this
// account's balance movement came from which strategy config" without
// needing every strategy to hold its own sub-account. Grounded on
// original_source/core/src/misc/service_value_tree.rs, which keeps the same
// two structures side by side for the same reason.
type AttributionTree struct {
	mu   sync.Mutex
	root map[ServiceName]map[ServiceConfigurationKey]map[money.ExchangeAccountId]map[money.CurrencyPair]map[string]money.Decimal
}

func NewAttributionTree() *AttributionTree {
	return &AttributionTree{
		root: make(map[ServiceName]map[ServiceConfigurationKey]map[money.ExchangeAccountId]map[money.CurrencyPair]map[string]money.Decimal),
	}
}

// Add books delta against the leaf named by desc/account/pair/currency,
// creating intermediate maps on demand.
func (a *AttributionTree) Add(desc ConfigDescriptor, account money.ExchangeAccountId, pair money.CurrencyPair, currency string, delta money.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byKey, ok := a.root[desc.ServiceName]
	if !ok {
		byKey = make(map[ServiceConfigurationKey]map[money.ExchangeAccountId]map[money.CurrencyPair]map[string]money.Decimal)
		a.root[desc.ServiceName] = byKey
	}
	byAccount, ok := byKey[desc.ServiceConfigurationKey]
	if !ok {
		byAccount = make(map[money.ExchangeAccountId]map[money.CurrencyPair]map[string]money.Decimal)
		byKey[desc.ServiceConfigurationKey] = byAccount
	}
	byPair, ok := byAccount[account]
	if !ok {
		byPair = make(map[money.CurrencyPair]map[string]money.Decimal)
		byAccount[account] = byPair
	}
	byCurrency, ok := byPair[pair]
	if !ok {
		byCurrency = make(map[string]money.Decimal)
		byPair[pair] = byCurrency
	}
	byCurrency[currency] = byCurrency[currency].Add(delta)
}

// Get returns the currently attributed balance for the given leaf, or zero
// if nothing has been booked against it.
func (a *AttributionTree) Get(desc ConfigDescriptor, account money.ExchangeAccountId, pair money.CurrencyPair, currency string) money.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	byKey, ok := a.root[desc.ServiceName]
	if !ok {
		return money.Zero
	}
	byAccount, ok := byKey[desc.ServiceConfigurationKey]
	if !ok {
		return money.Zero
	}
	byPair, ok := byAccount[account]
	if !ok {
		return money.Zero
	}
	byCurrency, ok := byPair[pair]
	if !ok {
		return money.Zero
	}
	return byCurrency[currency]
}
