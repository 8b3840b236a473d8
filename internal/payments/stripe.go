package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	EventCheckoutCompleted = "checkout.session.completed"

	ErrCodeBalanceInsufficient = "balance_insufficient"
)

// GatewayError preserves the gateway's own error code so callers can act
// on distinguished failures such as balance_insufficient.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

func IsBalanceInsufficient(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Code == ErrCodeBalanceInsufficient
}

type LineItem struct {
	Name        string
	AmountMinor int64
}

type CheckoutParams struct {
	OrderID    int64
	Currency   string
	LineItems  []LineItem
	SuccessURL string
	CancelURL  string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// SessionInfo is the settled view of a checkout session: whether it was
// paid, which order it belongs to, and the buyer contact the gateway
// collected on its hosted page.
type SessionInfo struct {
	ID        string
	Paid      bool
	OrderID   int64
	PaymentID string
	Name      string
	Email     string
	Phone     string
	Address   string
}

type WebhookEvent struct {
	Type    string
	Session *SessionInfo
}

// Gateway is the payment processor surface the settlement engine depends
// on. All monetary amounts cross this boundary in minor currency units.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionInfo, error)
	CreateTransfer(ctx context.Context, amountMinor int64, currency, destination, transferGroup string) (string, error)
	VerifyWebhookSignature(payload []byte, signature string) (*WebhookEvent, error)
	CreatePromotionCode(ctx context.Context, code string, percentOff float64, maxRedemptions int64) (string, error)
}

// ToMinorUnits converts a major-unit decimal amount to integer minor
// units (cents). The ledger holds major-unit decimals; the gateway only
// speaks minor units.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinorUnits converts integer minor units back to a major-unit decimal.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

func NewStripeGateway(apiKey, webhookSecret string) *StripeGateway {
	api := &client.API{}
	api.Init(apiKey, nil)

	return &StripeGateway{
		api:           api,
		webhookSecret: webhookSecret,
	}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(params.LineItems))
	for _, item := range params.LineItems {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(params.Currency),
				UnitAmount: stripe.Int64(item.AmountMinor),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
			Quantity: stripe.Int64(1),
		})
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode:                stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems:           lineItems,
		SuccessURL:          stripe.String(params.SuccessURL),
		CancelURL:           stripe.String(params.CancelURL),
		PhoneNumberCollection: &stripe.CheckoutSessionPhoneNumberCollectionParams{
			Enabled: stripe.Bool(true),
		},
	}
	sessionParams.Context = ctx
	sessionParams.AddMetadata("order_id", strconv.FormatInt(params.OrderID, 10))

	s, err := g.api.CheckoutSessions.New(sessionParams)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	s, err := g.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, wrapStripeError(err)
	}

	return sessionToInfo(s), nil
}

func (g *StripeGateway) CreateTransfer(ctx context.Context, amountMinor int64, currency, destination, transferGroup string) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(amountMinor),
		Currency:      stripe.String(currency),
		Destination:   stripe.String(destination),
		TransferGroup: stripe.String(transferGroup),
	}
	params.Context = ctx

	t, err := g.api.Transfers.New(params)
	if err != nil {
		return "", wrapStripeError(err)
	}

	return t.ID, nil
}

func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}

	webhookEvent := &WebhookEvent{Type: string(event.Type)}

	if webhookEvent.Type == EventCheckoutCompleted {
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("failed to parse checkout session payload: %w", err)
		}
		webhookEvent.Session = sessionToInfo(&s)
	}

	return webhookEvent, nil
}

func (g *StripeGateway) CreatePromotionCode(ctx context.Context, code string, percentOff float64, maxRedemptions int64) (string, error) {
	couponParams := &stripe.CouponParams{
		PercentOff:     stripe.Float64(percentOff),
		Duration:       stripe.String(string(stripe.CouponDurationOnce)),
		MaxRedemptions: stripe.Int64(maxRedemptions),
	}
	couponParams.Context = ctx

	c, err := g.api.Coupons.New(couponParams)
	if err != nil {
		return "", wrapStripeError(err)
	}

	promoParams := &stripe.PromotionCodeParams{
		Coupon:         stripe.String(c.ID),
		Code:           stripe.String(code),
		MaxRedemptions: stripe.Int64(maxRedemptions),
	}
	promoParams.Context = ctx

	p, err := g.api.PromotionCodes.New(promoParams)
	if err != nil {
		return "", wrapStripeError(err)
	}

	return p.ID, nil
}

func sessionToInfo(s *stripe.CheckoutSession) *SessionInfo {
	info := &SessionInfo{
		ID:   s.ID,
		Paid: s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}

	if s.Metadata != nil {
		if raw, ok := s.Metadata["order_id"]; ok {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				info.OrderID = id
			}
		}
	}

	if s.PaymentIntent != nil {
		info.PaymentID = s.PaymentIntent.ID
	}

	if s.CustomerDetails != nil {
		info.Name = s.CustomerDetails.Name
		info.Email = s.CustomerDetails.Email
		info.Phone = s.CustomerDetails.Phone
		info.Address = formatAddress(s.CustomerDetails.Address)
	}

	return info
}

func formatAddress(a *stripe.Address) string {
	if a == nil {
		return ""
	}

	parts := []string{a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country}
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ", ")
}

func wrapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return &GatewayError{
			Code:    string(stripeErr.Code),
			Message: stripeErr.Msg,
		}
	}
	return err
}
