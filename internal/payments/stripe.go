package payments

import (
	"context"
	"fmt"
	"os"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Lifecycle drives the payment hold around a ride's status
// transitions: funds are held when the ride is accepted, captured on
// completion, and released on cancellation. The ride-to-intent ledger
// lives in memory; a lost process just leaves a manual-capture intent
// that expires server-side.
type Lifecycle struct {
	mu      sync.Mutex
	intents map[string]string // rideID -> PaymentIntent ID
}

// NewLifecycle initializes the stripe client with the STRIPE_API_KEY
// env var.
func NewLifecycle() *Lifecycle {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &Lifecycle{intents: make(map[string]string)}
}

// HoldForRide creates a manual-capture PaymentIntent for the ride.
func (l *Lifecycle) HoldForRide(ctx context.Context, rideID string, amount int64, currency, customerID string) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.intents[rideID] = pi.ID
	l.mu.Unlock()
	return nil
}

// CaptureForRide finalizes the ride's held PaymentIntent.
func (l *Lifecycle) CaptureForRide(ctx context.Context, rideID string) error {
	id, err := l.take(rideID)
	if err != nil {
		return err
	}
	_, err = paymentintent.Capture(id, nil)
	return err
}

// ReleaseForRide cancels the hold when a ride is canceled.
func (l *Lifecycle) ReleaseForRide(ctx context.Context, rideID string) error {
	id, err := l.take(rideID)
	if err != nil {
		return err
	}
	_, err = paymentintent.Cancel(id, nil)
	return err
}

func (l *Lifecycle) take(rideID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.intents[rideID]
	if !ok {
		return "", fmt.Errorf("payments: no hold for ride %s", rideID)
	}
	delete(l.intents, rideID)
	return id, nil
}
