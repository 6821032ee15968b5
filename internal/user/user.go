// Package user holds the rider accounts. Identity lives with the external identity provider; a row here is created
// lazily the first time a token's subject is seen, so the fleet tables have a stable integer id to reference.
package user

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the user package.
var ErrNotFound = errors.New("user not found")

// User is one rider account. PaymentCustomerID is the reference into the payment provider and is nil until the user
// first sets up payment.
type User struct {
	ID                int64
	Subject           string
	DisplayName       string
	Email             string
	Admin             bool
	PaymentCustomerID *string
	CreatedAt         time.Time
}

// Repository defines the data-access contract for users.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	// GetOrCreateBySubject resolves the token subject to an account, creating one on first sight and refreshing the
	// profile fields on every call.
	GetOrCreateBySubject(ctx context.Context, subject, displayName, email string) (*User, error)
	SetAdmin(ctx context.Context, id int64, admin bool) error
	SetPaymentCustomerID(ctx context.Context, id int64, customerID string) error
	Delete(ctx context.Context, id int64) error
}
