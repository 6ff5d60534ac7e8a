// Package risk exposes the engine over HTTP: market administration, feed
// ingestion, leveraged position management, liquidation, and resolution
// settlement. Handlers compose the pricing, margin, and ledger packages;
// no business rule lives here.
//
// Every mutation of one market's state runs under that market's mutex
// (single-instance; for horizontal scaling, replace with distributed
// locking or database-level optimistic concurrency). Callers identify
// themselves with the X-Caller header set by the gateway in front of
// this service; capability grants decide what each caller may invoke.
//
// All monetary values use shopspring/decimal — never float64 for money.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/probax/risk-engine/internal/borrow"
	"github.com/probax/risk-engine/internal/funding"
	"github.com/probax/risk-engine/internal/ledger"
	"github.com/probax/risk-engine/internal/margin"
	"github.com/probax/risk-engine/internal/market"
	"github.com/probax/risk-engine/internal/metrics"
	"github.com/probax/risk-engine/internal/model"
	"github.com/probax/risk-engine/internal/pindex"
	"github.com/probax/risk-engine/internal/pool"
	"github.com/probax/risk-engine/internal/store"
	"github.com/probax/risk-engine/internal/vexec"
)

const moneyScale int32 = 18

// Deps are the collaborators a Service composes. Hub and Events may be
// nil; the service then runs without real-time broadcasting.
type Deps struct {
	Store        store.Store
	Ledger       *ledger.Ledger
	Liquidator   *margin.Liquidator
	Margin       *margin.Engine
	Index        *pindex.Engine
	Exec         *vexec.Engine
	Borrow       *borrow.Engine
	Funding      *funding.Engine
	MarketParams market.Params
	Auth         ledger.Capabilities
	Hub          *WSHub
	Events       *Publisher

	// IngestRate and IngestBurst bound accepted feed updates per market.
	IngestRate  float64
	IngestBurst int
}

// Service handles risk engine operations over HTTP.
type Service struct {
	store      store.Store
	ledger     *ledger.Ledger
	liquidator *margin.Liquidator
	margin     *margin.Engine
	index      *pindex.Engine
	exec       *vexec.Engine
	borrow     *borrow.Engine
	funding    *funding.Engine
	marketP    market.Params
	auth       ledger.Capabilities
	hub        *WSHub
	events     *Publisher

	ingestRate  rate.Limit
	ingestBurst int

	mu       sync.Mutex // guards locks and limiters
	locks    map[string]*sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService creates the HTTP service.
func NewService(d Deps) *Service {
	return &Service{
		store:       d.Store,
		ledger:      d.Ledger,
		liquidator:  d.Liquidator,
		margin:      d.Margin,
		index:       d.Index,
		exec:        d.Exec,
		borrow:      d.Borrow,
		funding:     d.Funding,
		marketP:     d.MarketParams,
		auth:        d.Auth,
		hub:         d.Hub,
		events:      d.Events,
		ingestRate:  rate.Limit(d.IngestRate),
		ingestBurst: d.IngestBurst,
		locks:       make(map[string]*sync.Mutex),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Symbol         string          `json:"symbol"` // PX-{source}-{event}-{YES|NO}-{YYYYMMDD}
	InitialProb    decimal.Decimal `json:"initial_probability"`
	ExpectedVolume decimal.Decimal `json:"expected_volume"`
	ResolvesAt     time.Time       `json:"resolves_at,omitempty"` // defaults to the symbol date
	MaxOI          decimal.Decimal `json:"max_oi,omitempty"`      // overrides the configured default
}

// IngestRequest is the JSON body for one raw feed observation.
type IngestRequest struct {
	Raw    decimal.Decimal `json:"raw"`
	Spread decimal.Decimal `json:"spread"`
	Depth  decimal.Decimal `json:"depth"`
}

// OpenRequest is the JSON body for opening or increasing a position.
// LimitPrice bounds the accepted fill: the most a LONG will pay per
// share, the least a SHORT will receive. Zero means no bound.
type OpenRequest struct {
	Trader     string          `json:"trader"`
	Side       string          `json:"side"` // "LONG" or "SHORT"
	Size       decimal.Decimal `json:"size"`
	Collateral decimal.Decimal `json:"collateral"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
}

// CloseRequest is the JSON body for reducing or closing a position.
// The close trades in the opposite direction, so LimitPrice inverts:
// the least a closing LONG will accept, the most a closing SHORT will
// pay. Zero means no bound.
type CloseRequest struct {
	Trader     string          `json:"trader"`
	Size       decimal.Decimal `json:"size"` // zero closes the full position
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
}

// LiquidateRequest names the position to liquidate.
type LiquidateRequest struct {
	Trader string `json:"trader"`
}

// ResolveRequest is the JSON body for resolving a market.
type ResolveRequest struct {
	Outcome decimal.Decimal `json:"outcome"` // 0 or 1
}

// OpenResponse returns the fill and the resulting position.
type OpenResponse struct {
	Quote    vexec.Quote     `json:"quote"`
	Position *model.Position `json:"position"`
	Health   *margin.Health  `json:"health,omitempty"`
}

// CloseResponse returns the fill and what the reduce settled.
type CloseResponse struct {
	Quote  vexec.Quote          `json:"quote"`
	Result *ledger.ReduceResult `json:"result"`
}

// RatesResponse reports a market's fee state projected to now.
type RatesResponse struct {
	MarketID          string          `json:"market_id"`
	BorrowRate        decimal.Decimal `json:"borrow_rate"` // hourly
	BorrowIndex       decimal.Decimal `json:"borrow_index"`
	FundingRate       decimal.Decimal `json:"funding_rate"`      // locked, per period; + longs pay
	FundingRateNext   decimal.Decimal `json:"funding_rate_next"` // what the next accrual will lock
	FundingLongIndex  decimal.Decimal `json:"funding_long_index"`
	FundingShortIndex decimal.Decimal `json:"funding_short_index"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	m, err := market.New(req.Symbol, req.InitialProb, req.ExpectedVolume, req.ResolvesAt, s.marketP, now)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if req.MaxOI.IsPositive() {
		m.MaxOI = req.MaxOI
	}

	if err := s.store.CreateMarket(r.Context(), m); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("market created",
		"id", m.ID,
		"symbol", m.Symbol,
		"initial_probability", m.Price.Index.String(),
		"virtual_depth", m.VirtualDepth.String(),
		"resolves_at", m.ResolvesAt,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(m)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?status=open|resolved.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []model.Market{}
		for _, m := range markets {
			if m.Status == status {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
// The path segment may be a market ID or a symbol.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.getMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
// Returns the raw feed price, the smoothed index, and the execution spot.
// Stale flags an open market whose index is older than margin decisions
// tolerate; resolved markets carry a pinned price and are never stale.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	m, err := s.getMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := struct {
		Raw        decimal.Decimal `json:"raw"`
		Index      decimal.Decimal `json:"index"`
		Volatility decimal.Decimal `json:"volatility"`
		Spot       decimal.Decimal `json:"spot"`
		UpdatedAt  time.Time       `json:"updated_at"`
		Stale      bool            `json:"stale"`
	}{
		Raw:        m.Price.Raw,
		Index:      m.Price.Index,
		Volatility: m.Price.Volatility,
		Spot:       vexec.SpotPrice(m.Pool),
		UpdatedAt:  m.Price.UpdatedAt,
		Stale: m.Status == model.StatusOpen &&
			pindex.IsStale(m.Price, time.Now().UTC(), s.margin.Params().MaxPriceAge),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote?direction=BUY&size=100
// Prices a hypothetical trade against the execution curve without
// executing it.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	m, err := s.getMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	size, err := decimal.NewFromString(r.URL.Query().Get("size"))
	if err != nil {
		writeError(w, "size must be a decimal number", http.StatusBadRequest)
		return
	}

	q, err := s.exec.Quote(m.Pool, m.Price.Index, m.Price.Raw, r.URL.Query().Get("direction"), size)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(q)
}

// GetRates handles GET /api/v1/markets/{marketID}/rates
// Reports fee state projected to now without persisting the accrual.
func (s *Service) GetRates(w http.ResponseWriter, r *http.Request) {
	m, err := s.getMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	now := time.Now().UTC()
	borrowIdx := m.Borrow.Index
	longIdx, shortIdx := m.Funding.LongIndex, m.Funding.ShortIndex
	if m.Status == model.StatusOpen {
		borrowIdx = s.borrow.ProjectIndex(m.Borrow, now)
		longIdx, shortIdx = s.funding.ProjectedIndexes(m.Funding, m.TotalLongOI, m.TotalShortOI, now)
	}

	resp := RatesResponse{
		MarketID:          m.ID,
		BorrowRate:        m.Borrow.Rate,
		BorrowIndex:       borrowIdx,
		FundingRate:       m.Funding.Rate,
		FundingRateNext:   s.funding.CurrentRate(m.TotalLongOI, m.TotalShortOI),
		FundingLongIndex:  longIdx,
		FundingShortIndex: shortIdx,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Ingest handles POST /api/v1/markets/{marketID}/ingest
// Applies one raw feed observation through the index gates, then
// re-centers the execution curve on the updated index.
func (s *Service) Ingest(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authorize(w, r, ledger.OpIngest)
	if !ok {
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	m, err := s.getMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if !s.limiter(m.ID).Allow() {
		metrics.IngestRejections.WithLabelValues("rate_limited").Inc()
		writeError(w, "feed update rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	lock := s.lock(m.ID)
	lock.Lock()
	defer lock.Unlock()

	m, err = s.store.GetMarket(ctx, m.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if m.Status != model.StatusOpen {
		writeError(w, "market is not open", http.StatusConflict)
		return
	}

	now := time.Now().UTC()
	if err := s.index.Ingest(&m.Price, m.ResolvesAt, now, req.Raw, req.Spread, req.Depth); err != nil {
		metrics.IngestRejections.WithLabelValues(rejectionReason(err)).Inc()
		writeEngineError(w, err)
		return
	}
	s.exec.Recenter(&m.Pool, m.Price.Index, now)

	if err := s.store.SaveMarket(ctx, m); err != nil {
		writeError(w, "failed to save market", http.StatusInternalServerError)
		return
	}

	metrics.IngestTotal.WithLabelValues(m.ID).Inc()
	metrics.ProbabilityIndex.WithLabelValues(m.ID).Set(m.Price.Index.InexactFloat64())

	slog.Info("feed update accepted",
		"market_id", m.ID,
		"caller", caller,
		"raw", req.Raw.String(),
		"index", m.Price.Index.String(),
	)

	s.publish(Event{
		Type:     EventPriceUpdate,
		MarketID: m.ID,
		Symbol:   m.Symbol,
		Raw:      req.Raw.String(),
		Index:    m.Price.Index.String(),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.Price)
}

// OpenPosition handles POST /api/v1/markets/{marketID}/positions
// Prices the trade on the execution curve, admits it against initial
// margin at the probability index, then books it on the ledger. The
// curve's reserves move only when the trade books.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authorize(w, r, ledger.OpOpen)
	if !ok {
		return
	}

	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Trader == "" {
		writeError(w, "trader is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideLong && req.Side != model.SideShort {
		writeError(w, "side must be LONG or SHORT", http.StatusBadRequest)
		return
	}
	if !req.Size.IsPositive() {
		writeError(w, "size must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	m, err := s.getMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	lock := s.lock(m.ID)
	lock.Lock()
	defer lock.Unlock()

	m, err = s.store.GetMarket(ctx, m.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	symbol := m.Symbol

	now := time.Now().UTC()

	// LONG buys outcome shares from the curve, SHORT sells them into it.
	q, err := s.exec.Quote(m.Pool, m.Price.Index, m.Price.Raw, fillDirection(req.Side), req.Size)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := vexec.CheckLimit(q, req.LimitPrice); err != nil {
		writeEngineError(w, err)
		return
	}

	if err := s.checkOpenMargin(ctx, m, req, q.Price, now); err != nil {
		writeEngineError(w, err)
		return
	}

	pos, err := s.ledger.Open(ctx, caller, req.Trader, m.ID, req.Side, req.Size, req.Collateral, q.Price, now)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	// The trade booked; move the curve. Reserve persistence is
	// best-effort — the next re-centering restores the curve anyway.
	m, err = s.store.GetMarket(ctx, m.ID)
	if err == nil {
		if _, ferr := s.exec.Fill(&m.Pool, m.Price.Index, m.Price.Raw, fillDirection(req.Side), req.Size); ferr == nil {
			if serr := s.store.SaveMarket(ctx, m); serr != nil {
				slog.Error("failed to persist execution reserves", "market_id", m.ID, "err", serr)
			}
		}
	}

	metrics.TradesTotal.WithLabelValues(req.Side, "open").Inc()

	slog.Info("position opened",
		"market_id", pos.MarketID,
		"trader", req.Trader,
		"side", req.Side,
		"size", req.Size.String(),
		"fill_price", q.Price.String(),
		"collateral", pos.Collateral.String(),
	)

	s.publish(Event{
		Type:     EventTrade,
		MarketID: pos.MarketID,
		Symbol:   symbol,
		Trader:   req.Trader,
		Side:     req.Side,
		Size:     req.Size.String(),
		Price:    q.Price.String(),
	})

	resp := OpenResponse{Quote: q, Position: pos}
	if m != nil {
		if h, herr := s.margin.Health(pos, m, now); herr == nil {
			resp.Health = &h
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// ClosePosition handles POST /api/v1/markets/{marketID}/positions/close
// Prices the close on the execution curve, refuses closes that would
// leave the remainder below maintenance margin, then books the reduce.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authorize(w, r, ledger.OpReduce)
	if !ok {
		return
	}

	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Trader == "" {
		writeError(w, "trader is required", http.StatusBadRequest)
		return
	}
	if req.Size.IsNegative() {
		writeError(w, "size must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	m, err := s.getMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	lock := s.lock(m.ID)
	lock.Lock()
	defer lock.Unlock()

	m, err = s.store.GetMarket(ctx, m.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	pos, err := s.store.GetPosition(ctx, m.ID, req.Trader)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	symbol := m.Symbol

	closeSize := req.Size
	if closeSize.IsZero() {
		closeSize = pos.Size
	}

	now := time.Now().UTC()

	// Closing a LONG sells shares back into the curve; a SHORT buys them.
	q, err := s.exec.Quote(m.Pool, m.Price.Index, m.Price.Raw, closeDirection(pos.Side), closeSize)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := vexec.CheckLimit(q, req.LimitPrice); err != nil {
		writeEngineError(w, err)
		return
	}

	if err := s.checkReduceMargin(pos, m, closeSize, q.Price, now); err != nil {
		writeEngineError(w, err)
		return
	}

	res, err := s.ledger.Reduce(ctx, caller, req.Trader, m.ID, closeSize, q.Price, now)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	m, err = s.store.GetMarket(ctx, m.ID)
	if err == nil {
		if _, ferr := s.exec.Fill(&m.Pool, m.Price.Index, m.Price.Raw, closeDirection(pos.Side), res.ClosedSize); ferr == nil {
			if serr := s.store.SaveMarket(ctx, m); serr != nil {
				slog.Error("failed to persist execution reserves", "market_id", m.ID, "err", serr)
			}
		}
	}

	metrics.TradesTotal.WithLabelValues(pos.Side, "reduce").Inc()

	slog.Info("position reduced",
		"market_id", pos.MarketID,
		"trader", req.Trader,
		"closed_size", res.ClosedSize.String(),
		"exit_price", res.ExitPrice.String(),
		"realized_pnl", res.RealizedPnL.String(),
		"payout", res.Payout.String(),
		"fully_closed", res.FullyClosed,
	)

	s.publish(Event{
		Type:     EventTrade,
		MarketID: pos.MarketID,
		Symbol:   symbol,
		Trader:   req.Trader,
		Side:     pos.Side,
		Size:     res.ClosedSize.String(),
		Price:    res.ExitPrice.String(),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CloseResponse{Quote: q, Result: res})
}

// ListPositions handles GET /api/v1/markets/{marketID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	m, err := s.getMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	positions, err := s.store.ListPositions(r.Context(), m.ID)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []*model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// TraderPositions handles GET /api/v1/positions/{trader}
// Returns the trader's positions across all markets.
func (s *Service) TraderPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositionsByTrader(r.Context(), chi.URLParam(r, "trader"))
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []*model.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// GetPositionHealth handles GET /api/v1/markets/{marketID}/positions/{trader}
// Returns the position and its margin health at the current index.
func (s *Service) GetPositionHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, err := s.getMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	pos, err := s.store.GetPosition(ctx, m.ID, chi.URLParam(r, "trader"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	h, err := s.margin.Health(pos, m, time.Now().UTC())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := struct {
		Position *model.Position `json:"position"`
		Health   margin.Health   `json:"health"`
	}{pos, h}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Liquidate handles POST /api/v1/markets/{marketID}/liquidate
// Closes one unhealthy position and runs the bad-debt cascade.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authorize(w, r, ledger.OpLiquidate)
	if !ok {
		return
	}

	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Trader == "" {
		writeError(w, "trader is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	m, err := s.getMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	lock := s.lock(m.ID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.liquidator.Liquidate(ctx, caller, req.Trader, m.ID, time.Now().UTC())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.observeLiquidation(ctx, res)
	s.publishLiquidation(m.Symbol, res)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// Sweep handles POST /api/v1/markets/{marketID}/sweep
// Liquidates every unhealthy position in the market.
func (s *Service) Sweep(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authorize(w, r, ledger.OpLiquidate)
	if !ok {
		return
	}

	ctx := r.Context()
	m, err := s.getMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	results, err := s.sweepOne(ctx, caller, m.ID, m.Symbol, time.Now().UTC())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if results == nil {
		results = []*model.LiquidationResult{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

// GlobalSweep handles POST /api/v1/liquidations/sweep
// Sweeps every open market, or just one when ?market= names it by ID or
// symbol.
func (s *Service) GlobalSweep(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authorize(w, r, ledger.OpLiquidate)
	if !ok {
		return
	}

	ctx := r.Context()
	var results []*model.LiquidationResult
	if key := r.URL.Query().Get("market"); key != "" {
		m, err := s.getMarket(ctx, key)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		results, err = s.sweepOne(ctx, caller, m.ID, m.Symbol, time.Now().UTC())
		if err != nil {
			writeEngineError(w, err)
			return
		}
	} else {
		results = s.SweepAll(ctx, caller)
	}
	if results == nil {
		results = []*model.LiquidationResult{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
// Accrues fees to the resolution instant, pins the index to the outcome,
// and settles every open position at it.
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.authorize(w, r, ledger.OpResolve)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	m, err := s.getMarket(ctx, chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	lock := s.lock(m.ID)
	lock.Lock()
	defer lock.Unlock()

	m, err = s.store.GetMarket(ctx, m.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	now := time.Now().UTC()

	// Accrue to the resolution instant; the indexes freeze here.
	if m.Status == model.StatusOpen {
		s.borrow.Accrue(&m.Borrow, now)
		s.funding.Accrue(&m.Funding, m.TotalLongOI, m.TotalShortOI, now)
	}
	if err := market.Resolve(m, req.Outcome); err != nil {
		writeEngineError(w, err)
		return
	}
	s.index.Resolve(&m.Price, req.Outcome, now)

	if err := s.store.SaveMarket(ctx, m); err != nil {
		writeError(w, "failed to save market", http.StatusInternalServerError)
		return
	}

	summary, err := s.liquidator.SettleMarket(ctx, caller, m.ID, now)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.observePool(ctx)

	slog.Info("market resolved",
		"market_id", m.ID,
		"symbol", m.Symbol,
		"outcome", req.Outcome.String(),
		"settled", summary.Settled,
		"total_payout", summary.TotalPayout.String(),
		"total_shortfall", summary.TotalShortfall.String(),
	)

	s.publish(Event{
		Type:     EventResolution,
		MarketID: m.ID,
		Symbol:   m.Symbol,
		Outcome:  req.Outcome.String(),
	})

	m, err = s.store.GetMarket(ctx, m.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := struct {
		Market     *model.Market             `json:"market"`
		Settlement *margin.SettlementSummary `json:"settlement"`
	}{m, summary}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetPool handles GET /api/v1/pool
// Returns pooled capital, allocation, fee reserve, and insurance fund.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	ps, err := s.store.GetPoolState(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	util := pool.Utilization(*ps)
	metrics.PoolUtilization.Set(util.InexactFloat64())
	metrics.InsuranceFund.Set(ps.Insurance.InexactFloat64())

	resp := struct {
		*model.PoolState
		Utilization decimal.Decimal `json:"utilization"`
	}{ps, util}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// --- Background loops ---

// RecenterAll re-centers every open market's execution curve on its
// current index. Called on a timer.
func (s *Service) RecenterAll(ctx context.Context) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		slog.Error("recenter: list markets failed", "err", err)
		return
	}
	now := time.Now().UTC()
	for i := range markets {
		if markets[i].Status != model.StatusOpen {
			continue
		}
		id := markets[i].ID
		lock := s.lock(id)
		lock.Lock()
		m, err := s.store.GetMarket(ctx, id)
		if err == nil {
			s.exec.Recenter(&m.Pool, m.Price.Index, now)
			if err := s.store.SaveMarket(ctx, m); err != nil {
				slog.Error("recenter: save failed", "market_id", id, "err", err)
			}
		}
		lock.Unlock()
	}
}

// RecomputeRates accrues fee indexes at the going rates, then adopts the
// next smoothed borrow rate and re-marks funding from current imbalance.
// Called on a timer.
func (s *Service) RecomputeRates(ctx context.Context) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		slog.Error("rates: list markets failed", "err", err)
		return
	}
	ps, err := s.store.GetPoolState(ctx)
	if err != nil {
		slog.Error("rates: load pool state failed", "err", err)
		return
	}
	util := pool.Utilization(*ps)
	globalOI := ps.Allocated
	now := time.Now().UTC()

	for i := range markets {
		if markets[i].Status != model.StatusOpen {
			continue
		}
		id := markets[i].ID
		lock := s.lock(id)
		lock.Lock()
		m, err := s.store.GetMarket(ctx, id)
		if err != nil {
			lock.Unlock()
			continue
		}
		s.borrow.Recompute(&m.Borrow, borrow.RateInputs{
			Utilization:      util,
			OILong:           m.TotalLongOI,
			OIShort:          m.TotalShortOI,
			Volatility:       m.Price.Volatility,
			TimeToResolution: m.ResolvesAt.Sub(now),
			MarketOI:         m.TotalOI(),
			GlobalOI:         globalOI,
		}, now)
		s.funding.Accrue(&m.Funding, m.TotalLongOI, m.TotalShortOI, now)
		if err := s.store.SaveMarket(ctx, m); err != nil {
			slog.Error("rates: save failed", "market_id", id, "err", err)
		} else {
			metrics.BorrowRate.WithLabelValues(id).Set(m.Borrow.Rate.InexactFloat64())
			metrics.FundingRate.WithLabelValues(id).Set(m.Funding.Rate.InexactFloat64())
			s.publish(Event{
				Type:     EventFunding,
				MarketID: id,
				Symbol:   m.Symbol,
				Rate:     m.Funding.Rate.String(),
			})
		}
		lock.Unlock()
	}
	metrics.PoolUtilization.Set(util.InexactFloat64())
}

// SweepAll runs a liquidation sweep over every open market as the given
// caller identity, returning every liquidation performed. Called on a
// timer and by the global sweep endpoint.
func (s *Service) SweepAll(ctx context.Context, caller string) []*model.LiquidationResult {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		slog.Error("sweep: list markets failed", "err", err)
		return nil
	}
	now := time.Now().UTC()
	var all []*model.LiquidationResult
	for i := range markets {
		if markets[i].Status != model.StatusOpen {
			continue
		}
		results, err := s.sweepOne(ctx, caller, markets[i].ID, markets[i].Symbol, now)
		if err != nil {
			// A stale index parks the sweep until the feed catches up.
			if !errors.Is(err, pindex.ErrStalePrice) {
				slog.Error("sweep failed", "market_id", markets[i].ID, "err", err)
			}
			continue
		}
		all = append(all, results...)
	}
	return all
}

// --- Internal helpers ---

// getMarket resolves the path key as a market ID first, then as a symbol,
// so callers may address markets either way.
func (s *Service) getMarket(ctx context.Context, key string) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, key)
	if err == nil {
		return m, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return s.store.GetMarketBySymbol(ctx, key)
	}
	return nil, err
}

// lock returns the mutex serializing mutations of one market.
func (s *Service) lock(marketID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[marketID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[marketID] = l
	}
	return l
}

// limiter returns the per-market feed rate limiter.
func (s *Service) limiter(marketID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[marketID]
	if !ok {
		l = rate.NewLimiter(s.ingestRate, s.ingestBurst)
		s.limiters[marketID] = l
	}
	return l
}

// authorize resolves the caller from X-Caller and checks its capability
// grant for op. Writes the 403 itself when refused.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request, op string) (string, bool) {
	caller := r.Header.Get("X-Caller")
	if !s.auth.Allowed(caller, op) {
		metrics.AuthzRejections.WithLabelValues(op).Inc()
		writeError(w, "caller not authorized for "+op, http.StatusForbidden)
		return caller, false
	}
	return caller, true
}

// checkOpenMargin admits a trade by building the position as the ledger
// will book it and asking the margin engine whether its equity covers
// initial margin. Snapshots on a fresh position sit at the projected
// indexes, exactly where the ledger's accrual will put them.
func (s *Service) checkOpenMargin(ctx context.Context, m *model.Market, req OpenRequest, fillPrice decimal.Decimal, now time.Time) error {
	longIdx, shortIdx := s.funding.ProjectedIndexes(m.Funding, m.TotalLongOI, m.TotalShortOI, now)
	hyp := &model.Position{
		Trader:          req.Trader,
		MarketID:        m.ID,
		Side:            req.Side,
		Size:            req.Size,
		Collateral:      req.Collateral,
		EntryPrice:      fillPrice,
		BorrowSnapshot:  s.borrow.ProjectIndex(m.Borrow, now),
		FundingSnapshot: sideIndex(req.Side, longIdx, shortIdx),
	}

	existing, err := s.store.GetPosition(ctx, m.ID, req.Trader)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil {
		if existing.Side != req.Side {
			return ledger.ErrSideConflict
		}
		total := existing.Size.Add(req.Size)
		hyp.EntryPrice = existing.EntryPrice.Mul(existing.Size).
			Add(fillPrice.Mul(req.Size)).DivRound(total, moneyScale)
		hyp.Size = total
		hyp.Collateral = existing.Collateral.Add(req.Collateral)
		hyp.BorrowSnapshot = existing.BorrowSnapshot
		hyp.FundingSnapshot = existing.FundingSnapshot
	}
	return s.margin.CheckOpen(hyp, m, now)
}

// checkReduceMargin refuses a voluntary close that would leave the
// remainder below maintenance margin. It builds the position as the
// ledger will leave it: fees settled, the close realized at the fill
// price, and the closed share of collateral withdrawn.
func (s *Service) checkReduceMargin(pos *model.Position, m *model.Market, closeSize, fillPrice decimal.Decimal, now time.Time) error {
	if closeSize.GreaterThanOrEqual(pos.Size) {
		return nil // nothing remains
	}
	h, err := s.margin.Health(pos, m, now)
	if err != nil {
		return err
	}

	signedClosed := closeSize
	if pos.Side == model.SideShort {
		signedClosed = closeSize.Neg()
	}
	settled := pos.Collateral.Sub(h.PendingFunding).Sub(h.PendingBorrowFee)
	if settled.IsNegative() {
		settled = decimal.Zero
	}
	settled = settled.Add(fillPrice.Sub(pos.EntryPrice).Mul(signedClosed))
	if settled.IsNegative() {
		settled = decimal.Zero
	}

	rem := *pos
	rem.Size = pos.Size.Sub(closeSize)
	rem.Collateral = settled.Sub(settled.Mul(closeSize).DivRound(pos.Size, moneyScale))
	rem.BorrowSnapshot = s.borrow.ProjectIndex(m.Borrow, now)
	longIdx, shortIdx := s.funding.ProjectedIndexes(m.Funding, m.TotalLongOI, m.TotalShortOI, now)
	rem.FundingSnapshot = sideIndex(pos.Side, longIdx, shortIdx)

	return s.margin.CheckReduce(&rem, m, now)
}

// sweepOne serializes on the market and liquidates every unhealthy
// position in it, recording and publishing each result.
func (s *Service) sweepOne(ctx context.Context, caller, marketID, symbol string, now time.Time) ([]*model.LiquidationResult, error) {
	lock := s.lock(marketID)
	lock.Lock()
	results, err := s.liquidator.SweepMarket(ctx, caller, marketID, now)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		s.observeLiquidation(ctx, res)
		s.publishLiquidation(symbol, res)
	}
	return results, nil
}

// observeLiquidation records a cascade outcome in metrics.
func (s *Service) observeLiquidation(ctx context.Context, res *model.LiquidationResult) {
	metrics.LiquidationsTotal.WithLabelValues(res.Stage).Inc()
	if res.BadDebt.IsPositive() {
		metrics.BadDebtTotal.Add(res.BadDebt.InexactFloat64())
	}
	s.observePool(ctx)
}

// observePool refreshes the pool gauges.
func (s *Service) observePool(ctx context.Context) {
	ps, err := s.store.GetPoolState(ctx)
	if err != nil {
		return
	}
	metrics.InsuranceFund.Set(ps.Insurance.InexactFloat64())
	metrics.PoolUtilization.Set(pool.Utilization(*ps).InexactFloat64())
}

// publish fans an event out to WebSocket clients and NATS. Both sinks
// are optional.
func (s *Service) publish(ev Event) {
	if s.hub != nil {
		s.hub.Broadcast(ev)
	}
	s.events.Publish(ev)
}

// publishLiquidation emits the liquidation event, plus follow-on events
// for cascade stages that reached past the position itself.
func (s *Service) publishLiquidation(symbol string, res *model.LiquidationResult) {
	s.publish(Event{
		Type:     EventLiquidation,
		MarketID: res.MarketID,
		Symbol:   symbol,
		Trader:   res.Trader,
		Stage:    res.Stage,
		Size:     res.ClosedSize.String(),
		Price:    res.MarkPrice.String(),
	})
	if res.ADLAbsorbed.IsPositive() {
		s.publish(Event{
			Type:     EventADL,
			MarketID: res.MarketID,
			Symbol:   symbol,
			Trader:   res.Trader,
			Amount:   res.ADLAbsorbed.String(),
		})
	}
	if res.SocializedLoss.IsPositive() {
		s.publish(Event{
			Type:     EventSocialization,
			MarketID: res.MarketID,
			Symbol:   symbol,
			Trader:   res.Trader,
			Amount:   res.SocializedLoss.String(),
		})
	}
}

// fillDirection maps a position side onto the curve trade that opens it.
func fillDirection(side string) string {
	if side == model.SideShort {
		return vexec.DirSell
	}
	return vexec.DirBuy
}

// closeDirection is the opposite trade, unwinding the exposure.
func closeDirection(side string) string {
	if side == model.SideShort {
		return vexec.DirBuy
	}
	return vexec.DirSell
}

func sideIndex(side string, longIdx, shortIdx decimal.Decimal) decimal.Decimal {
	if side == model.SideShort {
		return shortIdx
	}
	return longIdx
}

// rejectionReason labels an ingest gate error for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, pindex.ErrPriceOutOfRange):
		return "out_of_range"
	case errors.Is(err, pindex.ErrSpreadTooWide):
		return "spread"
	case errors.Is(err, pindex.ErrTickTooLarge):
		return "tick"
	case errors.Is(err, pindex.ErrDepthTooThin):
		return "depth"
	}
	return "other"
}

// writeEngineError maps an engine error onto its HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, pindex.ErrStalePrice) {
		metrics.StaleRejections.Inc()
	}
	writeError(w, err.Error(), statusFor(err))
}

// statusFor classifies engine errors: invalid input 400, authorization
// 403, missing state 404, state conflicts 409, solvency and data-quality
// refusals 422.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidSide),
		errors.Is(err, ledger.ErrInvalidSize),
		errors.Is(err, ledger.ErrInvalidCollateral),
		errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, market.ErrInvalidSymbol),
		errors.Is(err, market.ErrInvalidSource),
		errors.Is(err, market.ErrInvalidProbability),
		errors.Is(err, market.ErrInvalidOutcome),
		errors.Is(err, pindex.ErrPriceOutOfRange),
		errors.Is(err, vexec.ErrInvalidSize),
		errors.Is(err, vexec.ErrInvalidDirection),
		errors.Is(err, vexec.ErrInvalidDepth):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrMarketResolved),
		errors.Is(err, ledger.ErrSideConflict),
		errors.Is(err, ledger.ErrReduceExceedsPosition),
		errors.Is(err, ledger.ErrMarketOICap),
		errors.Is(err, ledger.ErrSideOICap),
		errors.Is(err, ledger.ErrTraderCap),
		errors.Is(err, ledger.ErrGlobalOICap),
		errors.Is(err, pool.ErrUtilizationCap),
		errors.Is(err, market.ErrAlreadyResolved),
		errors.Is(err, margin.ErrMarketNotResolved):
		return http.StatusConflict
	case errors.Is(err, pindex.ErrStalePrice),
		errors.Is(err, pindex.ErrSpreadTooWide),
		errors.Is(err, pindex.ErrTickTooLarge),
		errors.Is(err, pindex.ErrDepthTooThin),
		errors.Is(err, margin.ErrInsufficientMargin),
		errors.Is(err, margin.ErrUnhealthyReduce),
		errors.Is(err, margin.ErrNotLiquidatable),
		errors.Is(err, vexec.ErrExcessiveImpact),
		errors.Is(err, vexec.ErrPriceLimit),
		errors.Is(err, vexec.ErrInsufficientReserve):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
