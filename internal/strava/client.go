// Package strava is a minimal Strava API client covering the OAuth token
// endpoints and the athlete activity feed.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stridecards/rewards/pkg/rewards"
)

const (
	defaultBaseURL  = "https://www.strava.com"
	tokenPath       = "/oauth/token"
	athletePath     = "/api/v3/athlete"
	activitiesPath  = "/api/v3/athlete/activities"
	defaultPageSize = 100
	maxPages        = 10

	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"

	errorOperation     = "strava"
	errorSubjectToken  = "token"
	errorSubjectFeed   = "activities"
	errorSubjectWhoami = "athlete"
	errorCodeRequest   = "request"
	errorCodeDecode    = "decode"
	errorCodeStatus    = "status"
)

// Config carries the OAuth application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	HTTPClient   *http.Client
}

// Validate checks the required fields are present.
func (config Config) Validate() error {
	if config.ClientID == "" {
		return fmt.Errorf("%w: missing strava client id", rewards.ErrInvalidServiceConfig)
	}
	if config.ClientSecret == "" {
		return fmt.Errorf("%w: missing strava client secret", rewards.ErrInvalidServiceConfig)
	}
	return nil
}

// Client talks to the Strava API. It implements rewards.ActivityFetcher and
// rewards.CredentialRefresher.
type Client struct {
	clientID     string
	clientSecret string
	baseURL      string
	httpClient   *http.Client
}

// NewClient validates the config and returns a ready client.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		baseURL:      baseURL,
		httpClient:   httpClient,
	}, nil
}

// Athlete is the profile Strava returns alongside a token grant.
type Athlete struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Profile   string `json:"profile"`
	Country   string `json:"country"`
	State     string `json:"state"`
	City      string `json:"city"`
}

// TokenGrant is the decoded response of the oauth token endpoint.
type TokenGrant struct {
	Credentials rewards.Credentials
	Athlete     Athlete
}

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresAt    int64   `json:"expires_at"`
	Athlete      Athlete `json:"athlete"`
}

type activityResponse struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Distance   float64 `json:"distance"`
	MovingTime int64   `json:"moving_time"`
	StartDate  string  `json:"start_date"`
	Map        *struct {
		SummaryPolyline string `json:"summary_polyline"`
	} `json:"map"`
}

// ExchangeCode trades an OAuth authorization code for a credential triple
// and the athlete profile it belongs to.
func (client *Client) ExchangeCode(ctx context.Context, code string) (TokenGrant, error) {
	return client.requestToken(ctx, map[string]string{
		"client_id":     client.clientID,
		"client_secret": client.clientSecret,
		"code":          code,
		"grant_type":    grantAuthorizationCode,
	})
}

// Refresh exchanges a refresh token for a fresh credential triple.
func (client *Client) Refresh(ctx context.Context, refreshToken string) (rewards.Credentials, error) {
	grant, err := client.requestToken(ctx, map[string]string{
		"client_id":     client.clientID,
		"client_secret": client.clientSecret,
		"refresh_token": refreshToken,
		"grant_type":    grantRefreshToken,
	})
	if err != nil {
		return rewards.Credentials{}, err
	}
	return grant.Credentials, nil
}

func (client *Client) requestToken(ctx context.Context, payload map[string]string) (TokenGrant, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return TokenGrant{}, rewards.WrapError(errorOperation, errorSubjectToken, errorCodeRequest, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return TokenGrant{}, rewards.WrapError(errorOperation, errorSubjectToken, errorCodeRequest, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return TokenGrant{}, rewards.WrapError(errorOperation, errorSubjectToken, errorCodeRequest, err)
	}
	defer drainAndClose(response.Body)

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusBadRequest {
		// Strava answers a revoked refresh token with 400 invalid_grant.
		return TokenGrant{}, rewards.ErrUnauthorized
	}
	if response.StatusCode != http.StatusOK {
		return TokenGrant{}, rewards.WrapError(errorOperation, errorSubjectToken, errorCodeStatus,
			fmt.Errorf("unexpected status %d", response.StatusCode))
	}

	var decoded tokenResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return TokenGrant{}, rewards.WrapError(errorOperation, errorSubjectToken, errorCodeDecode, err)
	}
	return TokenGrant{
		Credentials: rewards.Credentials{
			AccessToken:  decoded.AccessToken,
			RefreshToken: decoded.RefreshToken,
			ExpiresAt:    time.Unix(decoded.ExpiresAt, 0).UTC(),
		},
		Athlete: decoded.Athlete,
	}, nil
}

// GetAthlete fetches the profile behind an access token.
func (client *Client) GetAthlete(ctx context.Context, accessToken string) (Athlete, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+athletePath, nil)
	if err != nil {
		return Athlete{}, rewards.WrapError(errorOperation, errorSubjectWhoami, errorCodeRequest, err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return Athlete{}, rewards.WrapError(errorOperation, errorSubjectWhoami, errorCodeRequest, err)
	}
	defer drainAndClose(response.Body)

	if response.StatusCode == http.StatusUnauthorized {
		return Athlete{}, rewards.ErrUnauthorized
	}
	if response.StatusCode != http.StatusOK {
		return Athlete{}, rewards.WrapError(errorOperation, errorSubjectWhoami, errorCodeStatus,
			fmt.Errorf("unexpected status %d", response.StatusCode))
	}

	var athlete Athlete
	if err := json.NewDecoder(response.Body).Decode(&athlete); err != nil {
		return Athlete{}, rewards.WrapError(errorOperation, errorSubjectWhoami, errorCodeDecode, err)
	}
	return athlete, nil
}

// FetchActivities pages through the athlete activity feed starting after the
// given instant, oldest window first.
func (client *Client) FetchActivities(ctx context.Context, accessToken string, after time.Time) ([]rewards.ExternalActivity, error) {
	activities := make([]rewards.ExternalActivity, 0)
	for page := 1; page <= maxPages; page++ {
		batch, err := client.fetchActivityPage(ctx, accessToken, after, page)
		if err != nil {
			return nil, err
		}
		for _, record := range batch {
			activities = append(activities, mapActivity(record))
		}
		if len(batch) < defaultPageSize {
			break
		}
	}
	return activities, nil
}

func (client *Client) fetchActivityPage(ctx context.Context, accessToken string, after time.Time, page int) ([]activityResponse, error) {
	query := url.Values{}
	query.Set("per_page", strconv.Itoa(defaultPageSize))
	query.Set("page", strconv.Itoa(page))
	if !after.IsZero() {
		query.Set("after", strconv.FormatInt(after.Unix(), 10))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		client.baseURL+activitiesPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, rewards.WrapError(errorOperation, errorSubjectFeed, errorCodeRequest, err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, rewards.WrapError(errorOperation, errorSubjectFeed, errorCodeRequest, err)
	}
	defer drainAndClose(response.Body)

	if response.StatusCode == http.StatusUnauthorized {
		return nil, rewards.ErrUnauthorized
	}
	if response.StatusCode != http.StatusOK {
		return nil, rewards.WrapError(errorOperation, errorSubjectFeed, errorCodeStatus,
			fmt.Errorf("unexpected status %d", response.StatusCode))
	}

	var batch []activityResponse
	if err := json.NewDecoder(response.Body).Decode(&batch); err != nil {
		return nil, rewards.WrapError(errorOperation, errorSubjectFeed, errorCodeDecode, err)
	}
	return batch, nil
}

// AuthorizeURL builds the OAuth consent URL for the configured application.
func (client *Client) AuthorizeURL(redirectURI string) string {
	query := url.Values{}
	query.Set("client_id", client.clientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("response_type", "code")
	query.Set("scope", "read,activity:read")
	return client.baseURL + "/oauth/authorize?" + query.Encode()
}

func mapActivity(record activityResponse) rewards.ExternalActivity {
	startedAt, err := time.Parse(time.RFC3339, record.StartDate)
	if err != nil {
		startedAt = time.Time{}
	}
	polyline := ""
	if record.Map != nil {
		polyline = record.Map.SummaryPolyline
	}
	return rewards.ExternalActivity{
		ExternalID:      strconv.FormatInt(record.ID, 10),
		Name:            record.Name,
		Type:            record.Type,
		DistanceMeters:  record.Distance,
		DurationSeconds: record.MovingTime,
		StartedAt:       startedAt,
		RoutePolyline:   polyline,
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
