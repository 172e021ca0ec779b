// Package exchange is the venue-facing boundary: a REST client generic
// enough to front any CLOB-style exchange, and a facade (facade.go) that
// orchestrates it together with rate limiting, blocking, and the order
// pool.
//
// Grounded on the teacher's internal/exchange/client.go (resty client,
// retry policy, rate-limited REST calls, dry-run support), generalized
// from Polymarket's EIP-712/HMAC-signed, binary-outcome order format to a
// venue-agnostic CreateOrderRequest/CancelOrderRequest pair. The
// venue-specific signing in the teacher's auth.go has no home here — see
// DESIGN.md.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"tradingengine/internal/money"
	"tradingengine/internal/orders"
)

// CreateOrderRequest is what the facade sends to the venue to place one
// order.
type CreateOrderRequest struct {
	ClientOrderId money.ClientOrderId
	CurrencyPair  money.CurrencyPair
	Side          orders.Side
	Price         money.Decimal
	Amount        money.Decimal
	OrderType     orders.Type
}

// CreateOrderResponse is the venue's synchronous acknowledgement of a
// create request. A real fill/cancel confirmation still arrives later via
// the websocket feed or a fallback poll.
type CreateOrderResponse struct {
	ExchangeOrderId money.ExchangeOrderId
	Accepted        bool
	RejectReason    string
}

// CancelOrderResponse is the venue's synchronous acknowledgement of a
// cancel request.
type CancelOrderResponse struct {
	Accepted bool
	Reason   orders.CancelFailureReason
	Error    string
}

// BalanceEntry is one currency's free/reserved balance as reported by the
// venue.
type BalanceEntry struct {
	Currency string
	Free     money.Decimal
	Reserved money.Decimal
}

// OrderInfoQuery identifies the order a GetOrderInfo poll asks the venue
// about. A venue may support lookup by either id; the facade always has
// the client id and fills in the exchange id once known.
type OrderInfoQuery struct {
	ClientOrderId   money.ClientOrderId
	ExchangeOrderId money.ExchangeOrderId
}

// OrderInfo is a point-in-time snapshot of an order's state as the venue
// currently reports it, used by the create-order watchdog poll and the
// cancel-confirmation fallback path (spec.md §4.3's C8 contract).
type OrderInfo struct {
	Found           bool
	ExchangeOrderId money.ExchangeOrderId
	Status          string
	FilledAmount    money.Decimal
	Fills           []orders.Fill
}

// RestClient is the narrow HTTP surface a venue must implement. Each
// method corresponds to one REST call; the facade adds rate limiting,
// blocking, and order-pool bookkeeping around it.
type RestClient interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error)
	CancelOrder(ctx context.Context, exchangeId money.ExchangeOrderId) (CancelOrderResponse, error)
	GetOrderInfo(ctx context.Context, query OrderInfoQuery) (OrderInfo, error)
	GetBalances(ctx context.Context) ([]BalanceEntry, error)
}

// HTTPRestClient implements RestClient over a generic REST CLOB API using
// resty, with the teacher's retry policy (3 retries, exponential 500ms-5s
// backoff, retry on 5xx or transport error).
type HTTPRestClient struct {
	http   *resty.Client
	dryRun bool
	logger *slog.Logger
}

// NewHTTPRestClient builds a resty-backed client against baseURL.
func NewHTTPRestClient(baseURL string, dryRun bool, logger *slog.Logger) *HTTPRestClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &HTTPRestClient{http: httpClient, dryRun: dryRun, logger: logger.With("component", "exchange.rest")}
}

type createOrderWire struct {
	ClientOrderId string `json:"client_order_id"`
	Pair          string `json:"pair"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Amount        string `json:"amount"`
}

type createOrderReply struct {
	ExchangeOrderId string `json:"exchange_order_id"`
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason"`
}

func (c *HTTPRestClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would create order", "client_order_id", req.ClientOrderId)
		return CreateOrderResponse{ExchangeOrderId: money.ExchangeOrderId("dry-run-" + string(req.ClientOrderId)), Accepted: true}, nil
	}

	wire := createOrderWire{
		ClientOrderId: string(req.ClientOrderId),
		Pair:          req.CurrencyPair.String(),
		Side:          req.Side.String(),
		Price:         req.Price.String(),
		Amount:        req.Amount.String(),
	}

	var reply createOrderReply
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(wire).
		SetResult(&reply).
		Post("/orders")
	if err != nil {
		return CreateOrderResponse{}, fmt.Errorf("create order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return CreateOrderResponse{}, fmt.Errorf("create order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return CreateOrderResponse{
		ExchangeOrderId: money.ExchangeOrderId(reply.ExchangeOrderId),
		Accepted:        reply.Accepted,
		RejectReason:    reply.Reason,
	}, nil
}

type cancelOrderReply struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

func (c *HTTPRestClient) CancelOrder(ctx context.Context, exchangeId money.ExchangeOrderId) (CancelOrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "exchange_order_id", exchangeId)
		return CancelOrderResponse{Accepted: true}, nil
	}

	var reply cancelOrderReply
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&reply).
		Delete("/orders/" + string(exchangeId))
	if err != nil {
		return CancelOrderResponse{}, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return CancelOrderResponse{}, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}

	if reply.Accepted {
		return CancelOrderResponse{Accepted: true}, nil
	}

	reason := orders.ReasonOther
	switch reply.Reason {
	case "order_not_found":
		reason = orders.ReasonOrderNotFound
	case "order_completed":
		reason = orders.ReasonOrderCompleted
	}
	return CancelOrderResponse{Accepted: false, Reason: reason, Error: reply.Reason}, nil
}

type orderInfoFillWire struct {
	TradeId    string `json:"trade_id"`
	Price      string `json:"price"`
	Amount     string `json:"amount"`
	Commission string `json:"commission"`
	Role       string `json:"role"`
}

type orderInfoReply struct {
	Found           bool                 `json:"found"`
	ExchangeOrderId string               `json:"exchange_order_id"`
	Status          string               `json:"status"`
	FilledAmount    string               `json:"filled_amount"`
	Fills           []orderInfoFillWire `json:"fills"`
}

// GetOrderInfo polls the venue for an order's current status, used both as
// the create-order watchdog's race partner and as the
// check_order_fills fallback after a cancel confirms. A 404 is not an
// error: it means the venue has no record of the order (yet, or ever),
// which the caller decides how to interpret.
func (c *HTTPRestClient) GetOrderInfo(ctx context.Context, query OrderInfoQuery) (OrderInfo, error) {
	var reply orderInfoReply
	req := c.http.R().SetContext(ctx).SetResult(&reply)
	if query.ExchangeOrderId != "" {
		req = req.SetQueryParam("exchange_order_id", string(query.ExchangeOrderId))
	}
	if query.ClientOrderId != "" {
		req = req.SetQueryParam("client_order_id", string(query.ClientOrderId))
	}

	resp, err := req.Get("/orders/info")
	if err != nil {
		return OrderInfo{}, fmt.Errorf("get order info: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return OrderInfo{Found: false}, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return OrderInfo{}, fmt.Errorf("get order info: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !reply.Found {
		return OrderInfo{Found: false}, nil
	}

	filled, err := money.ParseDecimal(reply.FilledAmount)
	if err != nil {
		return OrderInfo{}, fmt.Errorf("parse filled amount: %w", err)
	}

	fills := make([]orders.Fill, 0, len(reply.Fills))
	for _, f := range reply.Fills {
		price, err := money.ParseDecimal(f.Price)
		if err != nil {
			return OrderInfo{}, fmt.Errorf("parse fill price: %w", err)
		}
		amount, err := money.ParseDecimal(f.Amount)
		if err != nil {
			return OrderInfo{}, fmt.Errorf("parse fill amount: %w", err)
		}
		commission := money.Zero
		if f.Commission != "" {
			commission, err = money.ParseDecimal(f.Commission)
			if err != nil {
				return OrderInfo{}, fmt.Errorf("parse fill commission: %w", err)
			}
		}
		role := orders.RoleUnknown
		switch f.Role {
		case "maker":
			role = orders.Maker
		case "taker":
			role = orders.Taker
		}
		fills = append(fills, orders.Fill{
			TradeId:    f.TradeId,
			Price:      price,
			Amount:     amount,
			Commission: commission,
			Role:       role,
		})
	}

	return OrderInfo{
		Found:           true,
		ExchangeOrderId: money.ExchangeOrderId(reply.ExchangeOrderId),
		Status:          reply.Status,
		FilledAmount:    filled,
		Fills:           fills,
	}, nil
}

type balanceReply struct {
	Currency string `json:"currency"`
	Free     string `json:"free"`
	Reserved string `json:"reserved"`
}

func (c *HTTPRestClient) GetBalances(ctx context.Context) ([]BalanceEntry, error) {
	var reply []balanceReply
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&reply).
		Get("/balances")
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balances: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]BalanceEntry, 0, len(reply))
	for _, r := range reply {
		free, err := money.ParseDecimal(r.Free)
		if err != nil {
			return nil, fmt.Errorf("parse free balance for %s: %w", r.Currency, err)
		}
		reserved, err := money.ParseDecimal(r.Reserved)
		if err != nil {
			return nil, fmt.Errorf("parse reserved balance for %s: %w", r.Currency, err)
		}
		out = append(out, BalanceEntry{Currency: r.Currency, Free: free, Reserved: reserved})
	}
	return out, nil
}
