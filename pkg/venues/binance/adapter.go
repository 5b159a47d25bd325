package binance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/execution/internal/venue"
	"github.com/mExOms/execution/pkg/types"
)

const venueName = "binance"

// Config holds the adapter's connection settings.
type Config struct {
	APIKey    string  `mapstructure:"api_key"`
	APISecret string  `mapstructure:"api_secret"`
	Testnet   bool    `mapstructure:"testnet"`
	FeeRate   float64 `mapstructure:"fee_rate"`
}

// Adapter is the Binance spot implementation of venue.Adapter. After
// every interaction it pushes a VenueSample to the profile store; the
// core reacts to pushed samples and never polls venue health itself.
type Adapter struct {
	client *binance.Client
	store  *venue.ProfileStore
	fee    float64
	log    *logrus.Entry

	mu        sync.Mutex
	symbols   map[string]string // child order id -> venue symbol
	latencies []float64
	calls     int
	errors    int
	submits   int
	fills     int
}

// New creates a Binance spot adapter reporting samples into store.
func New(config Config, store *venue.ProfileStore) *Adapter {
	client := binance.NewClient(config.APIKey, config.APISecret)
	if config.Testnet {
		client.BaseURL = "https://testnet.binance.vision/api"
	}
	if config.FeeRate <= 0 {
		config.FeeRate = 0.001
	}

	return &Adapter{
		client:  client,
		store:   store,
		fee:     config.FeeRate,
		log:     logrus.WithField("component", "binance-adapter"),
		symbols: make(map[string]string),
	}
}

func (a *Adapter) Name() string { return venueName }

// Quote returns the top-of-book price and size on the order's side.
func (a *Adapter) Quote(ctx context.Context, symbol string, side types.OrderSide, quantity decimal.Decimal) (types.Quote, error) {
	started := time.Now()
	depth, err := a.client.NewDepthService().Symbol(venueSymbol(symbol)).Limit(5).Do(ctx)
	a.observe(started, err)
	if err != nil {
		return types.Quote{}, fmt.Errorf("binance depth: %w", err)
	}

	var levels []common.PriceLevel
	if side == types.OrderSideBuy {
		levels = depth.Asks
	} else {
		levels = depth.Bids
	}
	if len(levels) == 0 {
		return types.Quote{}, fmt.Errorf("binance depth: empty book for %s", symbol)
	}

	price, err := decimal.NewFromString(levels[0].Price)
	if err != nil {
		return types.Quote{}, fmt.Errorf("binance depth: parse price: %w", err)
	}
	size := decimal.Zero
	for _, level := range levels {
		q, err := decimal.NewFromString(level.Quantity)
		if err != nil {
			continue
		}
		size = size.Add(q)
	}

	return types.Quote{
		Venue:     venueName,
		Symbol:    symbol,
		Price:     price,
		Size:      size,
		FeeRate:   a.fee,
		Timestamp: time.Now(),
	}, nil
}

// SubmitChildOrder places the child order and returns the venue's id.
func (a *Adapter) SubmitChildOrder(ctx context.Context, child *types.ChildOrder) (string, error) {
	svc := a.client.NewCreateOrderService().
		Symbol(venueSymbol(child.Symbol)).
		Side(binance.SideType(child.Side)).
		Type(orderType(child.Type)).
		Quantity(child.Quantity.String())

	switch child.Type {
	case types.OrderTypeLimit:
		svc.TimeInForce(binance.TimeInForceTypeGTC).Price(child.Price.String())
	case types.OrderTypeLimitMaker:
		svc.Price(child.Price.String())
	}

	started := time.Now()
	res, err := svc.Do(ctx)
	a.observe(started, err)
	if err != nil {
		return "", fmt.Errorf("binance create order: %w", err)
	}

	id := strconv.FormatInt(res.OrderID, 10)
	a.mu.Lock()
	a.symbols[id] = res.Symbol
	a.submits++
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"child_order": child.ID,
		"venue_order": id,
	}).Debug("child order submitted")

	return id, nil
}

// GetFill looks up a previously submitted child order. done is true
// once the order reached a final venue status.
func (a *Adapter) GetFill(ctx context.Context, childOrderID string) (types.Fill, bool, error) {
	a.mu.Lock()
	symbol, ok := a.symbols[childOrderID]
	a.mu.Unlock()
	if !ok {
		return types.Fill{}, false, fmt.Errorf("binance: unknown child order %s", childOrderID)
	}

	orderID, err := strconv.ParseInt(childOrderID, 10, 64)
	if err != nil {
		return types.Fill{}, false, fmt.Errorf("binance: bad order id %s: %w", childOrderID, err)
	}

	started := time.Now()
	order, err := a.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	a.observe(started, err)
	if err != nil {
		return types.Fill{}, false, fmt.Errorf("binance get order: %w", err)
	}

	switch order.Status {
	case binance.OrderStatusTypeFilled:
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		// Final with no (or partial) execution.
	default:
		return types.Fill{}, false, nil
	}

	executed, _ := decimal.NewFromString(order.ExecutedQuantity)
	quote, _ := decimal.NewFromString(order.CummulativeQuoteQuantity)
	price := decimal.Zero
	if executed.IsPositive() {
		price = quote.Div(executed)
	}

	a.mu.Lock()
	if executed.IsPositive() {
		a.fills++
	}
	delete(a.symbols, childOrderID)
	a.mu.Unlock()

	return types.Fill{
		ChildOrderID: childOrderID,
		Venue:        venueName,
		Symbol:       symbol,
		Quantity:     executed,
		Price:        price,
		Fee:          quote.Mul(decimal.NewFromFloat(a.fee)),
		Timestamp:    time.Now(),
	}, true, nil
}

// observe folds a call's latency and outcome into the adapter's
// counters and pushes a fresh sample to the profile store.
func (a *Adapter) observe(started time.Time, err error) {
	if a.store == nil {
		return
	}
	ms := float64(time.Since(started).Microseconds()) / 1000

	a.mu.Lock()
	a.calls++
	if err != nil {
		a.errors++
	}
	a.latencies = append(a.latencies, ms)
	if len(a.latencies) > 128 {
		a.latencies = a.latencies[1:]
	}

	sorted := make([]float64, len(a.latencies))
	copy(sorted, a.latencies)
	sort.Float64s(sorted)

	sample := types.VenueSample{
		Venue:        venueName,
		Timestamp:    time.Now(),
		LatencyP50Ms: percentile(sorted, 0.50),
		LatencyP90Ms: percentile(sorted, 0.90),
		LatencyP99Ms: percentile(sorted, 0.99),
		SuccessRate:  1 - float64(a.errors)/float64(a.calls),
		FeeRate:      a.fee,
		Uptime:       1,
		ErrorRate:    float64(a.errors) / float64(a.calls),
	}
	if a.submits > 0 {
		sample.FillRate = float64(a.fills) / float64(a.submits)
	} else {
		sample.FillRate = 1
	}
	a.mu.Unlock()

	a.store.Record(sample)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func orderType(t types.OrderType) binance.OrderType {
	switch t {
	case types.OrderTypeLimit:
		return binance.OrderTypeLimit
	case types.OrderTypeLimitMaker:
		return binance.OrderTypeLimitMaker
	default:
		return binance.OrderTypeMarket
	}
}

// venueSymbol maps a dashed symbol like BTC-USD to Binance's BTCUSDT
// convention.
func venueSymbol(symbol string) string {
	s := strings.ReplaceAll(symbol, "-", "")
	if strings.HasSuffix(s, "USD") && !strings.HasSuffix(s, "USDT") {
		s += "T"
	}
	return strings.ToUpper(s)
}
