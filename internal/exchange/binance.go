package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perp-grid-bot/internal/ws"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

const positionPollInterval = 5 * time.Second

// Binance adapts the USD-M futures API to the engine's Adapter
// contract. REST goes through go-binance; the mark-price stream runs on
// our own reconnecting websocket client. Position updates are polled
// from positionRisk, which carries the liquidation price the ws account
// stream omits.
type Binance struct {
	client *futures.Client
	wsURL  string

	wsReconnectDelay time.Duration
	wsPingInterval   time.Duration
	log              *zap.Logger
}

func NewBinance(apiKey, secretKey, restURL, wsURL string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Binance {
	client := futures.NewClient(apiKey, secretKey)
	if restURL != "" {
		client.BaseURL = restURL
	}
	return &Binance{
		client:           client,
		wsURL:            wsURL,
		wsReconnectDelay: reconnectDelay,
		wsPingInterval:   pingInterval,
		log:              log,
	}
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	return err
}

func (b *Binance) SetMarginMode(ctx context.Context, symbol string, isolated bool) error {
	marginType := futures.MarginTypeCrossed
	if isolated {
		marginType = futures.MarginTypeIsolated
	}
	err := b.client.NewChangeMarginTypeService().
		Symbol(symbol).
		MarginType(marginType).
		Do(ctx)
	// The venue rejects a no-op change; that is not a failure.
	if err != nil && isNoNeedToChange(err) {
		return nil
	}
	return err
}

func isNoNeedToChange(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == -4046
}

func (b *Binance) GetBalance(ctx context.Context) (Balance, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return Balance{}, err
	}
	for _, bal := range balances {
		if bal.Asset != "USDT" {
			continue
		}
		total, _ := strconv.ParseFloat(bal.Balance, 64)
		unrealized, _ := strconv.ParseFloat(bal.CrossUnPnl, 64)
		available, _ := strconv.ParseFloat(bal.AvailableBalance, 64)
		return Balance{Available: available, Total: total + unrealized}, nil
	}
	return Balance{}, errors.New("no USDT balance")
}

func (b *Binance) GetPosition(ctx context.Context, symbol string) ([]Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}
	return convertPositions(risks), nil
}

func (b *Binance) GetPositions(ctx context.Context) ([]Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, err
	}
	return convertPositions(risks), nil
}

func convertPositions(risks []*futures.PositionRisk) []Position {
	out := make([]Position, 0, len(risks))
	for _, risk := range risks {
		size, _ := strconv.ParseFloat(risk.PositionAmt, 64)
		if size == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(risk.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(risk.MarkPrice, 64)
		unrealized, _ := strconv.ParseFloat(risk.UnRealizedProfit, 64)
		liq, _ := strconv.ParseFloat(risk.LiquidationPrice, 64)
		leverage, _ := strconv.Atoi(risk.Leverage)
		side := Long
		if risk.PositionSide == "SHORT" || (risk.PositionSide == "BOTH" && size < 0) {
			side = Short
		}
		if size < 0 {
			size = -size
		}
		out = append(out, Position{
			Symbol:           risk.Symbol,
			Side:             side,
			Size:             size,
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedPnl:    unrealized,
			LiquidationPrice: liq,
			Leverage:         leverage,
		})
	}
	return out
}

func (b *Binance) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(formatFloat(req.Quantity))
	if req.PositionSide != "" {
		svc = svc.PositionSide(futures.PositionSideType(req.PositionSide))
	}
	switch req.Type {
	case Market:
		svc = svc.Type(futures.OrderTypeMarket)
	default:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatFloat(req.Price))
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return Order{}, err
	}
	return Order{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		ReduceOnly:    req.ReduceOnly,
		Status:        string(resp.Status),
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %s: %w", orderID, err)
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return err
}

func (b *Binance) CancelAllOrders(ctx context.Context, symbol string) error {
	return b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
}

func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		price, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		out = append(out, Order{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          Side(o.Side),
			PositionSide:  PositionSide(o.PositionSide),
			Type:          OrderType(o.Type),
			Quantity:      qty,
			Price:         price,
			ReduceOnly:    o.ReduceOnly,
			Status:        string(o.Status),
		})
	}
	return out, nil
}

func (b *Binance) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return Ticker{}, err
	}
	if len(stats) == 0 {
		return Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	price, _ := strconv.ParseFloat(stats[0].LastPrice, 64)
	volume, _ := strconv.ParseFloat(stats[0].Volume, 64)
	return Ticker{Symbol: symbol, Price: price, Volume: volume}, nil
}

func (b *Binance) GetFundingRate(ctx context.Context, symbol string) (FundingRate, error) {
	indexes, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return FundingRate{}, err
	}
	if len(indexes) == 0 {
		return FundingRate{}, fmt.Errorf("no premium index for %s", symbol)
	}
	idx := indexes[0]
	rate, _ := strconv.ParseFloat(idx.LastFundingRate, 64)
	return FundingRate{
		Symbol:          symbol,
		Rate:            rate,
		FundingTime:     time.UnixMilli(idx.Time),
		NextFundingTime: time.UnixMilli(idx.NextFundingTime),
	}, nil
}

func (b *Binance) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePrice, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)
		out = append(out, Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
		})
	}
	return out, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type subscription struct {
	cancel context.CancelFunc
}

func (s *subscription) Stop() { s.cancel() }

// SubscribePrice streams mark prices over the @markPrice stream. The
// channel is closed when the subscription stops.
func (b *Binance) SubscribePrice(ctx context.Context, symbol string, out chan<- float64) (Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	client := ws.New(b.wsURL, b.wsReconnectDelay, b.wsPingInterval, b.log)
	if err := client.Connect(streamCtx); err != nil {
		cancel()
		return nil, err
	}
	stream := fmt.Sprintf("%s@markPrice@1s", strings.ToLower(symbol))
	if err := client.Subscribe(streamCtx, stream); err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	go func() {
		defer close(out)
		defer client.Close()
		_ = client.Run(streamCtx, func(raw json.RawMessage) {
			price, ok := parseMarkPrice(raw)
			if !ok {
				return
			}
			select {
			case out <- price:
			case <-streamCtx.Done():
			}
		})
	}()
	return &subscription{cancel: cancel}, nil
}

// SubscribePosition polls positionRisk on a short interval. The account
// ws stream lacks liquidation prices, which the risk monitor needs on
// every update.
func (b *Binance) SubscribePosition(ctx context.Context, symbol string, out chan<- Position) (Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		ticker := time.NewTicker(positionPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				positions, err := b.GetPosition(streamCtx, symbol)
				if err != nil {
					if b.log != nil && streamCtx.Err() == nil {
						b.log.Warn("position poll failed", zap.Error(err))
					}
					continue
				}
				for _, pos := range positions {
					select {
					case out <- pos:
					case <-streamCtx.Done():
						return
					}
				}
			}
		}
	}()
	return &subscription{cancel: cancel}, nil
}

type markPriceEvent struct {
	Event string `json:"e"`
	Price string `json:"p"`
}

func parseMarkPrice(raw []byte) (float64, bool) {
	var ev markPriceEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return 0, false
	}
	if ev.Event != "markPriceUpdate" {
		return 0, false
	}
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}

