package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAPIBaseURL = "https://www.googleapis.com"
	defaultTokenURL   = "https://oauth2.googleapis.com/token"

	listMaxResults = 2500
)

// GoogleClientOptions configures the Calendar v3 REST client.
type GoogleClientOptions struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	TokenURL     string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// GoogleClient implements Provider against the Google Calendar v3 API using
// the OAuth refresh-token grant.
type GoogleClient struct {
	clientID     string
	clientSecret string
	apiBaseURL   string
	tokenURL     string
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewGoogleClient constructs a GoogleClient with sane defaults.
func NewGoogleClient(opts GoogleClientOptions) *GoogleClient {
	apiBaseURL := strings.TrimRight(strings.TrimSpace(opts.APIBaseURL), "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoogleClient{
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		apiBaseURL:   apiBaseURL,
		tokenURL:     tokenURL,
		httpClient:   httpClient,
		logger:       logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Authenticate exchanges a stored refresh token for a short-lived session.
func (c *GoogleClient) Authenticate(ctx context.Context, credentialRef string) (Session, error) {
	if strings.TrimSpace(credentialRef) == "" {
		return Session{}, fmt.Errorf("%w: empty credential reference", ErrUnauthorized)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", credentialRef)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return Session{}, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden || response.StatusCode == http.StatusBadRequest {
		return Session{}, fmt.Errorf("%w: token endpoint returned %d", ErrUnauthorized, response.StatusCode)
	}
	if response.StatusCode != http.StatusOK {
		return Session{}, fmt.Errorf("calendar: token endpoint returned %d", response.StatusCode)
	}

	var token tokenResponse
	if err := json.NewDecoder(response.Body).Decode(&token); err != nil {
		return Session{}, err
	}
	if token.AccessToken == "" {
		return Session{}, fmt.Errorf("%w: token endpoint returned no access token", ErrUnauthorized)
	}

	return Session{
		AccessToken: token.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}, nil
}

type eventListResponse struct {
	Items []Event `json:"items"`
}

// ListEvents queries events changed in the given window, expanded to single
// instances and ordered by start time.
func (c *GoogleClient) ListEvents(ctx context.Context, session Session, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	query := url.Values{}
	query.Set("singleEvents", "true")
	query.Set("orderBy", "startTime")
	query.Set("maxResults", fmt.Sprintf("%d", listMaxResults))
	if !timeMin.IsZero() {
		query.Set("timeMin", timeMin.UTC().Format(time.RFC3339))
	}
	if !timeMax.IsZero() {
		query.Set("timeMax", timeMax.UTC().Format(time.RFC3339))
	}

	endpoint := fmt.Sprintf("%s/calendar/v3/calendars/%s/events?%s", c.apiBaseURL, url.PathEscape(calendarID), query.Encode())
	var listing eventListResponse
	if err := c.doJSON(ctx, session, http.MethodGet, endpoint, nil, &listing); err != nil {
		return nil, err
	}
	return listing.Items, nil
}

// GetEvent fetches a single event by id.
func (c *GoogleClient) GetEvent(ctx context.Context, session Session, calendarID, eventID string) (Event, error) {
	endpoint := c.eventURL(calendarID, eventID)
	var event Event
	if err := c.doJSON(ctx, session, http.MethodGet, endpoint, nil, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// CreateEvent inserts a new event into the target calendar.
func (c *GoogleClient) CreateEvent(ctx context.Context, session Session, calendarID string, draft Event) (Event, error) {
	endpoint := fmt.Sprintf("%s/calendar/v3/calendars/%s/events", c.apiBaseURL, url.PathEscape(calendarID))
	var created Event
	if err := c.doJSON(ctx, session, http.MethodPost, endpoint, &draft, &created); err != nil {
		return Event{}, err
	}
	return created, nil
}

// UpdateEvent applies a patch to an existing event.
func (c *GoogleClient) UpdateEvent(ctx context.Context, session Session, calendarID, eventID string, patch Event) (Event, error) {
	endpoint := c.eventURL(calendarID, eventID)
	var updated Event
	if err := c.doJSON(ctx, session, http.MethodPatch, endpoint, &patch, &updated); err != nil {
		return Event{}, err
	}
	return updated, nil
}

// DeleteEvent removes an event. A not-found response is a successful no-op
// since the placeholder may already be gone.
func (c *GoogleClient) DeleteEvent(ctx context.Context, session Session, calendarID, eventID string) error {
	endpoint := c.eventURL(calendarID, eventID)
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+session.AccessToken)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body) //nolint:errcheck

	switch {
	case response.StatusCode == http.StatusNotFound || response.StatusCode == http.StatusGone:
		c.logger.Debug("event already deleted", zap.String("calendar_id", calendarID), zap.String("event_id", eventID))
		return nil
	case response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices:
		return nil
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: delete returned %d", ErrUnauthorized, response.StatusCode)
	default:
		return fmt.Errorf("calendar: delete returned %d", response.StatusCode)
	}
}

func (c *GoogleClient) eventURL(calendarID, eventID string) string {
	return fmt.Sprintf("%s/calendar/v3/calendars/%s/events/%s", c.apiBaseURL, url.PathEscape(calendarID), url.PathEscape(eventID))
}

func (c *GoogleClient) doJSON(ctx context.Context, session Session, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+session.AccessToken)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d", ErrUnauthorized, method, response.StatusCode)
	case response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, endpoint)
	case response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices:
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("calendar: %s returned %d: %s", method, response.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out == nil {
		io.Copy(io.Discard, response.Body) //nolint:errcheck
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}
