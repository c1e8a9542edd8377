package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CredentialCoordinator keeps a user's external access credential valid
// around an outbound call: proactively refreshing near expiry, and
// reactively refreshing exactly once when the call is rejected.
type CredentialCoordinator struct {
	store     Store
	refresher CredentialRefresher
	nowFn     func() time.Time
	skew      time.Duration
}

// NewCredentialCoordinator wires a CredentialCoordinator.
func NewCredentialCoordinator(store Store, refresher CredentialRefresher, now func() time.Time) (*CredentialCoordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if refresher == nil {
		return nil, fmt.Errorf("%w: refresher dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &CredentialCoordinator{
		store:     store,
		refresher: refresher,
		nowFn:     now,
		skew:      RefreshSkew,
	}, nil
}

// Execute runs call with a valid access token for the user. A token within
// the refresh skew of expiry is refreshed before use; a call rejected with
// ErrUnauthorized triggers one refresh-and-retry. A second rejection, or a
// rejected refresh exchange, surfaces as ErrCredentialExpired and the user
// must re-authenticate out of band.
func (coordinator *CredentialCoordinator) Execute(ctx context.Context, user User, call func(ctx context.Context, accessToken string) error) error {
	credentials := user.Credentials
	if err := credentials.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialExpired, err)
	}

	if !coordinator.nowFn().Before(credentials.ExpiresAt.Add(-coordinator.skew)) {
		refreshed, err := coordinator.refreshAndPersist(ctx, user.ID, credentials.RefreshToken)
		if err != nil {
			return err
		}
		credentials = refreshed
	}

	err := call(ctx, credentials.AccessToken)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	refreshed, refreshErr := coordinator.refreshAndPersist(ctx, user.ID, credentials.RefreshToken)
	if refreshErr != nil {
		return refreshErr
	}
	retryErr := call(ctx, refreshed.AccessToken)
	if errors.Is(retryErr, ErrUnauthorized) {
		return fmt.Errorf("%w: retry after refresh rejected", ErrCredentialExpired)
	}
	return retryErr
}

// refreshAndPersist exchanges the refresh token and stores the new triple
// before it is used. A failed persist invalidates the refresh: the caller
// gets the store error and may retry the whole operation.
func (coordinator *CredentialCoordinator) refreshAndPersist(ctx context.Context, userID UserID, refreshToken string) (Credentials, error) {
	refreshed, err := coordinator.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return Credentials{}, fmt.Errorf("%w: refresh token rejected", ErrCredentialExpired)
		}
		return Credentials{}, WrapError("credentials", "refresh", "exchange", err)
	}
	if err := refreshed.Validate(); err != nil {
		return Credentials{}, WrapError("credentials", "refresh", "invalid", err)
	}
	if err := coordinator.store.UpdateCredentials(ctx, userID, refreshed); err != nil {
		return Credentials{}, WrapError("credentials", "refresh", "persist", err)
	}
	return refreshed, nil
}
