package payouts

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/account"
	"github.com/stripe/stripe-go/v74/accountlink"
)

// StripeLinker wraps stripe-go for driver payout onboarding. The
// resulting account id and link URL are opaque to the presence core;
// they are stored on the durable profile and echoed into presence
// records at go-online.
type StripeLinker struct {
	returnURL string
}

func NewStripeLinker(apiKey, returnURL string) *StripeLinker {
	stripe.Key = apiKey
	return &StripeLinker{returnURL: returnURL}
}

// EnsureAccount creates an Express connect account for the driver and
// returns its id.
func (s *StripeLinker) EnsureAccount(ctx context.Context, email string) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	acct, err := account.New(params)
	if err != nil {
		return "", err
	}
	return acct.ID, nil
}

// OnboardingLink creates a fresh onboarding URL for the account.
func (s *StripeLinker) OnboardingLink(ctx context.Context, accountID string) (string, error) {
	link, err := accountlink.New(&stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(s.returnURL),
		ReturnURL:  stripe.String(s.returnURL),
		Type:       stripe.String("account_onboarding"),
	})
	if err != nil {
		return "", err
	}
	return link.URL, nil
}
