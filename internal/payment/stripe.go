package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/garagelink/garagelink/internal/money"
)

// CheckoutParams describes a hosted checkout to open.
type CheckoutParams struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	Metadata    map[string]string
	SuccessURL  string
	CancelURL   string
}

// CheckoutSession is the gateway's handle for a pending checkout.
type CheckoutSession struct {
	ID  string `json:"checkout_id"`
	URL string `json:"checkout_url"`
}

// WebhookEvent is a verified checkout completion.
type WebhookEvent struct {
	CheckoutID string
	IntentID   string
	Metadata   map[string]string
}

// Gateway abstracts the payment processor.
type Gateway interface {
	CreateCheckout(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	// VerifyWebhook authenticates a raw webhook payload and returns
	// the completion event, or nil for event types we ignore.
	VerifyWebhook(payload []byte, sigHeader string) (*WebhookEvent, error)
}

// StripeGateway is the production Gateway using Stripe Checkout.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGateway sets the package-level API key and returns the
// gateway. Stripe's client is process-global.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{webhookSecret: webhookSecret}
}

func (g *StripeGateway) CreateCheckout(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(p.Currency),
					UnitAmount: stripe.Int64(money.Cents(p.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	cs, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: cs.ID, URL: cs.URL}, nil
}

func (g *StripeGateway) VerifyWebhook(payload []byte, sigHeader string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}
	if event.Type != "checkout.session.completed" {
		return nil, nil
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	ev := &WebhookEvent{CheckoutID: cs.ID, Metadata: cs.Metadata}
	if cs.PaymentIntent != nil {
		ev.IntentID = cs.PaymentIntent.ID
	}
	return ev, nil
}

// StubGateway fakes checkouts for development and tests. Webhook
// payloads are the checkout id in plain text.
type StubGateway struct {
	seq atomic.Int64
}

func NewStubGateway() *StubGateway { return &StubGateway{} }

func (g *StubGateway) CreateCheckout(_ context.Context, p CheckoutParams) (*CheckoutSession, error) {
	id := fmt.Sprintf("cs_stub_%d", g.seq.Add(1))
	return &CheckoutSession{ID: id, URL: "https://checkout.local/" + id}, nil
}

func (g *StubGateway) VerifyWebhook(payload []byte, _ string) (*WebhookEvent, error) {
	return &WebhookEvent{CheckoutID: string(payload), IntentID: "pi_stub"}, nil
}
