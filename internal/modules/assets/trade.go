package assets

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/domain"
)

// BuyRequest is a manual purchase: the caller commits cash, the service
// derives the token quantity.
type BuyRequest struct {
	UserID     string           `json:"userId"`
	Amount     decimal.Decimal  `json:"amount"`
	OrderType  domain.OrderType `json:"orderType"`
	LimitPrice *float64         `json:"limitPrice,omitempty"`
}

// SellRequest is a manual disposal of a held quantity.
type SellRequest struct {
	UserID     string           `json:"userId"`
	Quantity   float64          `json:"quantity"`
	OrderType  domain.OrderType `json:"orderType"`
	LimitPrice *float64         `json:"limitPrice,omitempty"`
}

// BuyOrder validates a purchase against the catalog and the buyer's
// account and returns the order to place. The fee comes out of the
// committed amount, so the total debit never exceeds it.
func (s *Service) BuyOrder(assetID string, req BuyRequest) (*domain.Order, error) {
	asset, ok := s.Get(assetID)
	if !ok {
		return nil, domain.NewInputError(domain.CodeNotFound, "unknown asset "+assetID)
	}
	if !asset.Active {
		return nil, domain.NewStateError(domain.CodeAssetNotActive, "asset "+asset.Symbol+" is not trading")
	}
	acct, ok := s.accounts.Account(req.UserID)
	if !ok {
		return nil, domain.NewInputError(domain.CodeNotFound, "unknown user "+req.UserID)
	}
	if asset.AccreditedOnly && !acct.Accredited {
		return nil, domain.NewStateError(domain.CodeComplianceDenied,
			"asset "+asset.Symbol+" requires an accredited account")
	}

	orderType, limitPrice, err := normalizeOrderType(req.OrderType, req.LimitPrice)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "amount must be positive")
	}
	if req.Amount.LessThan(asset.MinInvest) {
		return nil, domain.NewInputError(domain.CodeBelowMinimum,
			"amount below minimum investment of "+asset.MinInvest.String())
	}
	if acct.Balance.LessThan(req.Amount) {
		return nil, domain.NewStateError(domain.CodeInsufficientBalance,
			"balance "+acct.Balance.StringFixed(2)+" below amount "+req.Amount.StringFixed(2))
	}

	basis := s.priceBasis(asset, domain.SideBuy, limitPrice)
	feeRate := float64(s.FeeBps(assetID)) / 10000
	qty := req.Amount.InexactFloat64() / (basis * (1 + feeRate))
	if qty < asset.MinTrade {
		return nil, domain.NewInputError(domain.CodeBelowMinimum,
			"quantity below minimum trade size")
	}

	return &domain.Order{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		AssetID:    assetID,
		Side:       domain.SideBuy,
		Type:       orderType,
		Qty:        qty,
		LimitPrice: limitPrice,
		Status:     domain.OrderStatusOpen,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// SellOrder validates a disposal and returns the order to place.
// Inactive assets can be exited, not entered, so only buys check the
// trading flag.
func (s *Service) SellOrder(assetID string, req SellRequest) (*domain.Order, error) {
	asset, ok := s.Get(assetID)
	if !ok {
		return nil, domain.NewInputError(domain.CodeNotFound, "unknown asset "+assetID)
	}
	if _, ok := s.accounts.Account(req.UserID); !ok {
		return nil, domain.NewInputError(domain.CodeNotFound, "unknown user "+req.UserID)
	}

	orderType, limitPrice, err := normalizeOrderType(req.OrderType, req.LimitPrice)
	if err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "quantity must be positive")
	}
	if req.Quantity < asset.MinTrade {
		return nil, domain.NewInputError(domain.CodeBelowMinimum,
			"quantity below minimum trade size")
	}

	pos, ok := s.accounts.Position(req.UserID, assetID)
	if !ok || pos.Tokens < req.Quantity {
		return nil, domain.NewStateError(domain.CodeInsufficientTokens,
			"sell exceeds held tokens")
	}

	return &domain.Order{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		AssetID:    assetID,
		Side:       domain.SideSell,
		Type:       orderType,
		Qty:        req.Quantity,
		LimitPrice: limitPrice,
		Status:     domain.OrderStatusOpen,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// priceBasis picks the quantity conversion price: the limit price when
// given, else the touch from the book, else the catalog mark.
func (s *Service) priceBasis(asset *domain.Asset, side domain.Side, limitPrice *float64) float64 {
	if limitPrice != nil {
		return *limitPrice
	}
	if s.books != nil {
		if snap := s.books.Snapshot(asset.ID); snap != nil {
			if side == domain.SideBuy && snap.BestAsk > 0 {
				return snap.BestAsk
			}
			if side == domain.SideSell && snap.BestBid > 0 {
				return snap.BestBid
			}
		}
	}
	return asset.Price
}

func normalizeOrderType(t domain.OrderType, limitPrice *float64) (domain.OrderType, *float64, error) {
	if t == "" {
		t = domain.OrderTypeMarket
	}
	switch t {
	case domain.OrderTypeMarket:
		return t, nil, nil
	case domain.OrderTypeLimit:
		if limitPrice == nil || *limitPrice <= 0 {
			return "", nil, domain.NewInputError(domain.CodeInvalidInput,
				"limit order requires a positive limitPrice")
		}
		return t, limitPrice, nil
	default:
		return "", nil, domain.NewInputError(domain.CodeInvalidInput,
			"order type must be market or limit")
	}
}
