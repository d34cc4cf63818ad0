package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// ErrAmbiguousSite is raised when two effective CFS sites exist for one
// (account, payment method) pair. This is an integrity violation: the file
// being processed must be aborted and corrected manually.
var ErrAmbiguousSite = errors.New("more than one effective cfs account for payment method")

// Service exposes account lookups shared by dispatch and the reconcilers.
type Service interface {
	// FindByAuthAccountID resolves the payer behind an external auth id.
	FindByAuthAccountID(ctx context.Context, authAccountID string) (*PaymentAccount, error)
	// FindByCfsAccountNumber resolves the payer behind a CFS customer
	// account number, together with the matching site.
	FindByCfsAccountNumber(ctx context.Context, cfsAccount string) (*PaymentAccount, *CfsAccount, error)
	// EffectiveCfsAccount returns the one effective site for the payment
	// method, preferring ACTIVE over FREEZE over most recent. Two
	// effective rows are an integrity violation.
	EffectiveCfsAccount(ctx context.Context, accountID snowflake.ID, method PaymentMethod) (*CfsAccount, error)
}
