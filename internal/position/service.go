// Package position provides the business logic and HTTP handlers for
// opening, funding, closing and querying leveraged positions.
//
// Every operation on one (owner, index) runs under that key's lock and
// either commits fully or leaves the stored position untouched.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/attest"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/safemath"
	"github.com/atmx/perp-engine/internal/settlement"
	"github.com/atmx/perp-engine/internal/store"
)

// Feeds is a feed source that also accepts published prices.
type Feeds interface {
	oracle.FeedSource
	oracle.FeedPublisher
}

// Options configure a Service.
type Options struct {
	// Authority is the attestation signer recorded on every new position.
	Authority model.Pubkey
	// OvernightFeeNumerator is the daily financing rate, in basis points,
	// recorded on every new position.
	OvernightFeeNumerator uint64
	// PublishFeeds enables PUT /feeds/{feedID}. Prices feed every margin
	// and settlement decision, so it stays off outside trusted deployments.
	PublishFeeds bool
	// Clock defaults to a SystemClock.
	Clock Clock
}

// Service handles position operations.
type Service struct {
	store  store.Store
	oracle oracle.Oracle
	feeds  Feeds  // optional; nil disables the feed endpoints
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	opts   Options
	locks  *keyedMutex
}

// NewService creates a new position service.
// Pass nil for feeds or hub if those endpoints are not needed.
func NewService(st store.Store, orc oracle.Oracle, feeds Feeds, hub *WSHub, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = &SystemClock{}
	}
	return &Service{
		store:  st,
		oracle: orc,
		feeds:  feeds,
		wsHub:  hub,
		opts:   opts,
		locks:  newKeyedMutex(),
	}
}

// --- Request types ---

// OpenRequest is the JSON body for POST /positions. The caller becomes the
// position's owner.
type OpenRequest struct {
	Caller model.Pubkey       `json:"caller"`
	Pool   model.Pubkey       `json:"pool"`
	Index  uint32             `json:"index"`
	FeedA  string             `json:"feed_a"`
	FeedB  string             `json:"feed_b"` // quote currency feed; empty if feed_a is already quoted
	Args   model.PositionArgs `json:"args"`
}

// MarginRequest is the JSON body for POST /positions/{owner}/{index}/margin.
type MarginRequest struct {
	Caller model.Pubkey `json:"caller"`
	Amount uint64       `json:"amount"`
}

// CloseRequest is the JSON body for POST /positions/{owner}/{index}/close.
// Exactly one of Attestation or Batch must be set.
type CloseRequest struct {
	Caller      model.Pubkey        `json:"caller"`
	Attestation *attest.Attestation `json:"attestation,omitempty"`
	Batch       *attest.Batch       `json:"batch,omitempty"`
}

// NetOffRequest is the JSON body for POST /positions/{owner}/{index}/netoff.
type NetOffRequest struct {
	Caller model.Pubkey       `json:"caller"`
	Args   model.PositionArgs `json:"args"`
}

// --- Operations ---

// Open creates a new position at the conservative side of the current quote.
func (s *Service) Open(ctx context.Context, req OpenRequest) (p *model.Position, err error) {
	defer observe("open", time.Now(), &err)

	args := req.Args
	if err := risk.ValidateArgs(args); err != nil {
		return nil, err
	}
	if req.Caller.IsZero() {
		return nil, fmt.Errorf("%w: caller is required", model.ErrInvalidArgs)
	}
	margin, err := risk.Margin(args)
	if err != nil {
		return nil, err
	}

	key := model.PositionKey{Owner: req.Caller, Index: req.Index}
	unlock := s.locks.Lock(key)
	defer unlock()

	q, err := s.quote(ctx, req.FeedA, req.FeedB, args.Decimals)
	if err != nil {
		return nil, err
	}
	exec, err := risk.ExecutionPrice(q.Price, q.Conf, args.Direction)
	if err != nil {
		return nil, err
	}
	if err := risk.CheckSlippage(exec, args, q.Expo); err != nil {
		return nil, err
	}
	amount, err := risk.AssetAmount(args.LeverageMargin, exec)
	if err != nil {
		return nil, err
	}

	now := s.opts.Clock.Now()
	p = &model.Position{
		Pool:                  req.Pool,
		Owner:                 req.Caller,
		Authority:             s.opts.Authority,
		Index:                 req.Index,
		Status:                model.StatusOpen,
		PType:                 args.PType,
		Direction:             args.Direction,
		Decimals:              args.Decimals,
		FeedA:                 req.FeedA,
		FeedB:                 req.FeedB,
		Leverage:              args.Leverage,
		LastPrice:             exec,
		LastConf:              q.Conf,
		Margin:                margin,
		MarginRateNumerator:   args.MarginRateNumerator,
		OvernightFeeNumerator: s.opts.OvernightFeeNumerator,
		CreatedAt:             now.Unix(),
		Slot:                  s.opts.Clock.Slot(),
		Amount:                amount,
		UpdatedAt:             now,
	}
	if p.Liquidation, err = risk.Liquidation(p); err != nil {
		return nil, err
	}

	if err := s.store.CreatePosition(ctx, p); err != nil {
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(string(p.Direction)).Inc()
	metrics.OpenPositions.Inc()
	slog.Info("position opened",
		"position", key.String(),
		"direction", p.Direction,
		"leverage", p.Leverage,
		"entry_price", p.LastPrice,
		"margin", p.Margin,
		"liquidation", p.Liquidation,
		"amount", p.Amount.String(),
	)
	s.broadcast(WSMessage{Type: "position_opened", Owner: key.Owner.String(), Position: key.String(), Data: p})
	return p, nil
}

// IncreaseMargin adds collateral to a position that is not liquidated at the
// current price and recomputes its liquidation threshold from the original
// entry price.
func (s *Service) IncreaseMargin(ctx context.Context, key model.PositionKey, req MarginRequest) (p *model.Position, err error) {
	defer observe("increase_margin", time.Now(), &err)

	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", model.ErrInvalidArgs)
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	p, err = s.load(ctx, key, req.Caller)
	if err != nil {
		return nil, err
	}
	if err := s.checkNotLiquidated(ctx, p, p.Decimals); err != nil {
		return nil, err
	}

	updated := *p
	if updated.Margin, err = safemath.Add(p.Margin, req.Amount); err != nil {
		return nil, fmt.Errorf("%w: margin overflows: %v", model.ErrInvalidArgs, err)
	}
	if updated.Liquidation, err = risk.Liquidation(&updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.opts.Clock.Now()

	if err := s.store.UpdateMargin(ctx, key, p.Margin, updated.Margin, updated.Liquidation, updated.UpdatedAt); err != nil {
		return nil, err
	}

	slog.Info("margin increased",
		"position", key.String(),
		"amount", req.Amount,
		"margin", updated.Margin,
		"liquidation", updated.Liquidation,
	)
	s.broadcast(WSMessage{Type: "margin_increased", Owner: key.Owner.String(), Position: key.String(), Data: &updated})
	return &updated, nil
}

// Close settles a position against an authenticated attestation, removes it
// and records the settlement.
func (s *Service) Close(ctx context.Context, key model.PositionKey, req CloseRequest) (st *model.Settlement, err error) {
	defer observe("close", time.Now(), &err)

	auth, err := authenticate(req)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	p, err := s.load(ctx, key, req.Caller)
	if err != nil {
		return nil, err
	}
	if auth.Authority != p.Authority {
		return nil, fmt.Errorf("%w: attested by %s, position expects %s", model.ErrInvalidAuthority, auth.Authority, p.Authority)
	}

	msg := auth.Data
	var res settlement.Result
	if msg.IsLiquidated {
		res, err = settlement.Liquidated(p, msg.Time)
	} else {
		var q oracle.Quote
		if q, err = s.quote(ctx, p.FeedA, p.FeedB, p.Decimals); err != nil {
			return nil, err
		}
		res, err = settlement.Close(p, q, msg.Time)
	}
	if err != nil {
		return nil, err
	}

	p.Status = model.StatusProcessed
	st = &model.Settlement{
		ID:            uuid.New().String(),
		Owner:         p.Owner,
		Index:         p.Index,
		Pool:          p.Pool,
		Direction:     p.Direction,
		Outcome:       res.Outcome,
		EntryPrice:    p.LastPrice,
		ExitPrice:     res.ExitPrice,
		OvernightFee:  res.OvernightFee,
		Amount:        res.Amount,
		AttestedPrice: msg.Price,
		AttestedTime:  msg.Time,
		AttestedSlot:  msg.Slot,
		ClosedAt:      s.opts.Clock.Now(),
	}
	if err := s.store.ClosePosition(ctx, key, p.Margin, st); err != nil {
		return nil, err
	}

	metrics.PositionsClosed.WithLabelValues(st.Outcome).Inc()
	metrics.OpenPositions.Dec()
	slog.Info("position closed",
		"position", key.String(),
		"settlement_id", st.ID,
		"outcome", st.Outcome,
		"exit_price", st.ExitPrice,
		"overnight_fee", st.OvernightFee,
		"amount", st.Amount,
	)
	s.broadcast(WSMessage{Type: "position_closed", Owner: key.Owner.String(), Position: key.String(), Data: st})
	return st, nil
}

// NetOff checks the preconditions of offsetting a position against a new
// opposite entry. The offset itself is not supported, so a request that
// passes every check fails with model.ErrNotImplemented.
func (s *Service) NetOff(ctx context.Context, key model.PositionKey, req NetOffRequest) (err error) {
	defer observe("net_off", time.Now(), &err)

	if err := risk.ValidateArgs(req.Args); err != nil {
		return err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	p, err := s.load(ctx, key, req.Caller)
	if err != nil {
		return err
	}
	if p.PType != req.Args.PType {
		return fmt.Errorf("%w: position is %s, request is %s", model.ErrInvalidArgs, p.PType, req.Args.PType)
	}
	if err := s.checkNotLiquidated(ctx, p, req.Args.Decimals); err != nil {
		return err
	}
	// TODO: define settlement of the four direction pairs (long/long,
	// long/short, short/long, short/short) before enabling net-off.
	return fmt.Errorf("%w: net-off of %s", model.ErrNotImplemented, key)
}

// Position returns one position.
func (s *Service) Position(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.store.GetPosition(ctx, key)
}

// Positions returns an owner's open positions.
func (s *Service) Positions(ctx context.Context, owner model.Pubkey) ([]model.Position, error) {
	return s.store.ListPositions(ctx, owner)
}

// Settlements returns an owner's settlement history.
func (s *Service) Settlements(ctx context.Context, owner model.Pubkey) ([]model.Settlement, error) {
	return s.store.ListSettlements(ctx, owner)
}

// --- Helpers ---

// load fetches an open position owned by caller from the source of truth.
// The key lock serializes this process; the margin-conditional writes catch
// other replicas.
func (s *Service) load(ctx context.Context, key model.PositionKey, caller model.Pubkey) (*model.Position, error) {
	p, err := s.store.LoadPosition(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.Owner != caller {
		return nil, fmt.Errorf("%w: %s", model.ErrNotOwner, key)
	}
	if p.Status != model.StatusOpen {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionClosed, key)
	}
	return p, nil
}

// quote fetches a fresh quote and insists it is expressed at -decimals.
func (s *Service) quote(ctx context.Context, feedA, feedB string, decimals uint8) (oracle.Quote, error) {
	q, err := s.oracle.Quote(ctx, feedA, feedB, decimals)
	if err != nil {
		return oracle.Quote{}, err
	}
	if q.Expo != -int32(decimals) {
		return oracle.Quote{}, fmt.Errorf("%w: quote exponent %d, want %d", model.ErrInvalidPrice, q.Expo, -int32(decimals))
	}
	return q, nil
}

// checkNotLiquidated fails with model.ErrPositionLiquidated when the
// current mid price has crossed p's liquidation threshold.
func (s *Service) checkNotLiquidated(ctx context.Context, p *model.Position, decimals uint8) error {
	q, err := s.quote(ctx, p.FeedA, p.FeedB, decimals)
	if err != nil {
		return err
	}
	price, err := safemath.ToUnsigned(q.Price)
	if err != nil {
		return fmt.Errorf("%w: negative price %d", model.ErrInvalidPrice, q.Price)
	}
	if risk.IsLiquidated(p, price) {
		return fmt.Errorf("%w: price %d crossed liquidation %d", model.ErrPositionLiquidated, price, p.Liquidation)
	}
	return nil
}

// authenticate runs whichever attestation adapter the request uses. Every
// failure is reported as model.ErrInvalidSignature with its cause attached.
func authenticate(req CloseRequest) (model.AuthenticatedData, error) {
	var auth model.AuthenticatedData
	var err error
	switch {
	case req.Attestation != nil && req.Batch != nil:
		return auth, fmt.Errorf("%w: attestation and batch are mutually exclusive", model.ErrInvalidArgs)
	case req.Attestation != nil:
		auth, err = attest.Authenticate(*req.Attestation)
	case req.Batch != nil:
		auth, err = attest.Introspect(*req.Batch)
	default:
		return auth, fmt.Errorf("%w: attestation or batch is required", model.ErrInvalidArgs)
	}
	return auth, attest.AsInvalidSignature(err)
}

// observe records latency and, on failure, the rejection kind of op. err
// is read when the deferred call runs.
func observe(op string, start time.Time, err *error) {
	metrics.Observe(op, start, *err, model.Kind)
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}
