package rewards

import (
	"context"
	"testing"
	"time"
)

const (
	stubUserIDValue      = "user-1"
	errorMismatchMessage = "expected %v, got %v"
)

var stubClockTime = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func stubClock() time.Time {
	return stubClockTime
}

// scriptedRandom replays a fixed roll sequence; exhausted sequences fall
// back to common-biased values.
type scriptedRandom struct {
	floats     []float64
	floatIndex int
	ints       []int
	intIndex   int
}

func (random *scriptedRandom) Float64() float64 {
	if random.floatIndex >= len(random.floats) {
		return 0.999
	}
	value := random.floats[random.floatIndex]
	random.floatIndex++
	return value
}

func (random *scriptedRandom) Intn(n int) int {
	if random.intIndex >= len(random.ints) {
		return 0
	}
	value := random.ints[random.intIndex] % n
	random.intIndex++
	return value
}

// stubFetcher scripts the external activity feed.
type stubFetcher struct {
	records     []ExternalActivity
	err         error
	failures    int
	fetchCalls  int
	seenTokens  []string
	seenAfter   []time.Time
}

func (fetcher *stubFetcher) FetchActivities(ctx context.Context, accessToken string, after time.Time) ([]ExternalActivity, error) {
	fetcher.fetchCalls++
	fetcher.seenTokens = append(fetcher.seenTokens, accessToken)
	fetcher.seenAfter = append(fetcher.seenAfter, after)
	if fetcher.failures > 0 {
		fetcher.failures--
		return nil, ErrUnauthorized
	}
	if fetcher.err != nil {
		return nil, fetcher.err
	}
	return append([]ExternalActivity(nil), fetcher.records...), nil
}

// stubRefresher scripts the token exchange.
type stubRefresher struct {
	refreshed    Credentials
	err          error
	refreshCalls int
}

func (refresher *stubRefresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	refresher.refreshCalls++
	if refresher.err != nil {
		return Credentials{}, refresher.err
	}
	return refresher.refreshed, nil
}

func freshCredentials() Credentials {
	return Credentials{
		AccessToken:  "refreshed-access",
		RefreshToken: "refreshed-refresh",
		ExpiresAt:    stubClockTime.Add(6 * time.Hour),
	}
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustCardID(test *testing.T, raw string) CardID {
	test.Helper()
	value, err := NewCardID(raw)
	if err != nil {
		test.Fatalf("card id: %v", err)
	}
	return value
}

func mustExternalActivityID(test *testing.T, raw string) ExternalActivityID {
	test.Helper()
	value, err := NewExternalActivityID(raw)
	if err != nil {
		test.Fatalf("external activity id: %v", err)
	}
	return value
}

func mustCoordinator(test *testing.T, store Store, refresher CredentialRefresher) *CredentialCoordinator {
	test.Helper()
	coordinator, err := NewCredentialCoordinator(store, refresher, stubClock)
	if err != nil {
		test.Fatalf("credential coordinator: %v", err)
	}
	return coordinator
}

func mustDrawEngine(test *testing.T, random RandomSource) *DrawEngine {
	test.Helper()
	engine, err := NewDrawEngine(random)
	if err != nil {
		test.Fatalf("draw engine: %v", err)
	}
	return engine
}

func mustNewService(test *testing.T, store Store, fetcher ActivityFetcher, refresher CredentialRefresher, random RandomSource, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fetcher, mustCoordinator(test, store, refresher), mustDrawEngine(test, random), stubClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func externalRecord(id string, name string, rawType string, distanceMeters float64) ExternalActivity {
	return ExternalActivity{
		ExternalID:      id,
		Name:            name,
		Type:            rawType,
		DistanceMeters:  distanceMeters,
		DurationSeconds: 1800,
		StartedAt:       stubClockTime.Add(-2 * time.Hour),
	}
}
