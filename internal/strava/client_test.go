package strava

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stridecards/rewards/pkg/rewards"
)

func newTestClient(test *testing.T, handler http.Handler) *Client {
	test.Helper()
	server := httptest.NewServer(handler)
	test.Cleanup(server.Close)
	client, err := NewClient(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		BaseURL:      server.URL,
	})
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewClientRequiresCredentials(test *testing.T) {
	test.Parallel()
	if _, err := NewClient(Config{ClientSecret: "secret"}); !errors.Is(err, rewards.ErrInvalidServiceConfig) {
		test.Fatalf("expected %v, got %v", rewards.ErrInvalidServiceConfig, err)
	}
	if _, err := NewClient(Config{ClientID: "id"}); !errors.Is(err, rewards.ErrInvalidServiceConfig) {
		test.Fatalf("expected %v, got %v", rewards.ErrInvalidServiceConfig, err)
	}
}

func TestFetchActivitiesMapsTheFeed(test *testing.T) {
	test.Parallel()
	var seenAuth string
	var seenAfter string
	client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		seenAuth = request.Header.Get("Authorization")
		seenAfter = request.URL.Query().Get("after")
		payload := []map[string]any{
			{
				"id":          12345,
				"name":        "Morning Run",
				"type":        "Run",
				"distance":    10000.0,
				"moving_time": 3000,
				"start_date":  "2025-06-01T08:00:00Z",
				"map":         map[string]any{"summary_polyline": "abc123"},
			},
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(payload)
	}))

	after := time.Date(2025, time.May, 2, 0, 0, 0, 0, time.UTC)
	activities, err := client.FetchActivities(context.Background(), "token-1", after)
	if err != nil {
		test.Fatalf("fetch: %v", err)
	}
	if seenAuth != "Bearer token-1" {
		test.Fatalf("unexpected auth header %q", seenAuth)
	}
	if seenAfter == "" {
		test.Fatalf("expected after query parameter")
	}
	if len(activities) != 1 {
		test.Fatalf("expected one activity, got %d", len(activities))
	}
	record := activities[0]
	if record.ExternalID != "12345" {
		test.Fatalf("unexpected external id %q", record.ExternalID)
	}
	if record.Type != "Run" || record.DistanceMeters != 10000 || record.DurationSeconds != 3000 {
		test.Fatalf("unexpected record %+v", record)
	}
	if record.RoutePolyline != "abc123" {
		test.Fatalf("unexpected polyline %q", record.RoutePolyline)
	}
	if !record.StartedAt.Equal(time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)) {
		test.Fatalf("unexpected start %v", record.StartedAt)
	}
}

func TestFetchActivitiesRejectedToken(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.FetchActivities(context.Background(), "stale-token", time.Time{})
	if !errors.Is(err, rewards.ErrUnauthorized) {
		test.Fatalf("expected %v, got %v", rewards.ErrUnauthorized, err)
	}
}

func TestRefreshParsesTokenGrant(test *testing.T) {
	test.Parallel()
	expiresAt := time.Now().Add(6 * time.Hour).Unix()
	client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var payload map[string]string
		if err := json.NewDecoder(request.Body).Decode(&payload); err != nil {
			test.Errorf("decode request: %v", err)
		}
		if payload["grant_type"] != "refresh_token" || payload["refresh_token"] != "refresh-1" {
			test.Errorf("unexpected payload %v", payload)
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_at":    expiresAt,
		})
	}))

	credentials, err := client.Refresh(context.Background(), "refresh-1")
	if err != nil {
		test.Fatalf("refresh: %v", err)
	}
	if credentials.AccessToken != "access-2" || credentials.RefreshToken != "refresh-2" {
		test.Fatalf("unexpected credentials %+v", credentials)
	}
	if credentials.ExpiresAt.Unix() != expiresAt {
		test.Fatalf("unexpected expiry %v", credentials.ExpiresAt)
	}
}

func TestRefreshRejectedGrant(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		// Strava reports revoked refresh tokens as 400 invalid_grant.
		writer.WriteHeader(http.StatusBadRequest)
	}))

	_, err := client.Refresh(context.Background(), "revoked")
	if !errors.Is(err, rewards.ErrUnauthorized) {
		test.Fatalf("expected %v, got %v", rewards.ErrUnauthorized, err)
	}
}

func TestExchangeCodeReturnsAthlete(test *testing.T) {
	test.Parallel()
	client := newTestClient(test, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"expires_at":    time.Now().Add(time.Hour).Unix(),
			"athlete": map[string]any{
				"id":        777,
				"firstname": "Jo",
				"lastname":  "Doe",
				"country":   "NL",
			},
		})
	}))

	grant, err := client.ExchangeCode(context.Background(), "auth-code")
	if err != nil {
		test.Fatalf("exchange: %v", err)
	}
	if grant.Athlete.ID != 777 || grant.Athlete.FirstName != "Jo" {
		test.Fatalf("unexpected athlete %+v", grant.Athlete)
	}
	if grant.Credentials.AccessToken != "access-1" {
		test.Fatalf("unexpected credentials %+v", grant.Credentials)
	}
}
