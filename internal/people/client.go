package people

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	peopleapi "google.golang.org/api/people/v1"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
	"github.com/nowpools/keepintouchtext-sub000/internal/service"
)

// personFields is the read mask for connections.list
const personFields = "names,emailAddresses,phoneNumbers,birthdays,organizations"

const DefaultRequestsPerMinute = 90

type Config struct {
	ClientID          string
	ClientSecret      string
	RequestsPerMinute int
	// Endpoint and TokenURL override the Google defaults, for tests
	Endpoint string
	TokenURL string
}

// Client talks to the Google People API on behalf of one user per call
type Client struct {
	oauth    *oauth2.Config
	endpoint string
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	endpoint := google.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{peopleapi.ContactsReadonlyScope},
		},
		endpoint: cfg.Endpoint,
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60), 1),
		logger:   logger,
	}
}

// FetchPage lists one page of the user's connections. Credential rejections are
// returned wrapping service.ErrProviderAuth; everything else is transient.
func (c *Client) FetchPage(ctx context.Context, accessToken string, pageToken string, pageSize int) (*service.ContactPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}
	opts := []option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	peopleService, err := peopleapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create People service: %w", err)
	}

	listCall := peopleService.People.Connections.List("people/me").
		PersonFields(personFields).
		PageSize(int64(pageSize)).
		Context(ctx)
	if pageToken != "" {
		listCall = listCall.PageToken(pageToken)
	}

	resp, err := listCall.Do()
	if err != nil {
		return nil, classifyAPIError("failed to list connections", err)
	}

	c.logger.Debug("People API returned connections",
		zap.Int("count", len(resp.Connections)),
		zap.Bool("has_next_page", resp.NextPageToken != ""))

	records := make([]service.ExternalContact, 0, len(resp.Connections))
	for _, person := range resp.Connections {
		if person == nil {
			continue
		}
		records = append(records, parsePerson(person))
	}

	page := &service.ContactPage{
		Records:       records,
		NextPageToken: resp.NextPageToken,
	}
	if resp.TotalPeople > 0 {
		total := int(resp.TotalPeople)
		page.TotalEstimate = &total
	} else if resp.TotalItems > 0 {
		total := int(resp.TotalItems)
		page.TotalEstimate = &total
	}
	return page, nil
}

// RefreshAccessToken refreshes the OAuth2 access token
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	newToken, err := c.oauth.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	result := &service.TokenRefreshResult{
		AccessToken: newToken.AccessToken,
		ExpiresAt:   newToken.Expiry,
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	} else {
		result.RefreshToken = refreshToken
	}

	c.logger.Debug("Token refreshed successfully", zap.Time("expires_at", result.ExpiresAt))

	return result, nil
}

// rateLimitReasons are 403 reasons that mean "slow down", not "not allowed"
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

func classifyAPIError(msg string, err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", msg, err)
	}

	switch apiErr.Code {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w: %v", msg, service.ErrProviderAuth, err)
	case http.StatusForbidden:
		for _, item := range apiErr.Errors {
			if rateLimitReasons[item.Reason] {
				return fmt.Errorf("%s: %w", msg, err)
			}
		}
		if strings.Contains(strings.ToUpper(apiErr.Message), "RATE_LIMIT") {
			return fmt.Errorf("%s: %w", msg, err)
		}
		return fmt.Errorf("%s: %w: %v", msg, service.ErrProviderAuth, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "unauthorized_client", "invalid_client":
			return fmt.Errorf("failed to refresh token: %w: %s", service.ErrProviderAuth, retrieveErr.ErrorCode)
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("failed to refresh token: %w: %v", service.ErrProviderAuth, err)
		}
	}
	return fmt.Errorf("failed to refresh token: %w", err)
}

func parsePerson(person *peopleapi.Person) service.ExternalContact {
	record := service.ExternalContact{
		ResourceName: person.ResourceName,
		Etag:         person.Etag,
	}

	if name := primaryName(person.Names); name != nil {
		record.DisplayName = name.DisplayName
		record.GivenName = name.GivenName
		record.FamilyName = name.FamilyName
	}

	for _, email := range person.EmailAddresses {
		if email == nil || email.Value == "" {
			continue
		}
		record.Emails = append(record.Emails, models.ContactValue{
			Value:   email.Value,
			Type:    email.Type,
			Primary: email.Metadata != nil && email.Metadata.Primary,
		})
	}

	for _, phone := range person.PhoneNumbers {
		if phone == nil {
			continue
		}
		value := phone.CanonicalForm
		if value == "" {
			value = phone.Value
		}
		if value == "" {
			continue
		}
		record.Phones = append(record.Phones, models.ContactValue{
			Value:   value,
			Type:    phone.Type,
			Primary: phone.Metadata != nil && phone.Metadata.Primary,
		})
	}

	for _, org := range person.Organizations {
		if org == nil {
			continue
		}
		if org.Name != "" {
			record.Label = org.Name
			break
		}
		if org.Title != "" && record.Label == "" {
			record.Label = org.Title
		}
	}

	for _, birthday := range person.Birthdays {
		if birthday == nil || birthday.Date == nil {
			continue
		}
		if formatted := formatBirthday(birthday.Date); formatted != "" {
			record.Birthday = formatted
			break
		}
	}

	return record
}

func primaryName(names []*peopleapi.Name) *peopleapi.Name {
	var first *peopleapi.Name
	for _, name := range names {
		if name == nil {
			continue
		}
		if name.Metadata != nil && name.Metadata.Primary {
			return name
		}
		if first == nil {
			first = name
		}
	}
	return first
}

// formatBirthday returns YYYY-MM-DD, or --MM-DD when the year is unknown
func formatBirthday(date *peopleapi.Date) string {
	if date.Month < 1 || date.Month > 12 || date.Day < 1 || date.Day > 31 {
		return ""
	}
	if date.Year > 0 {
		t := time.Date(int(date.Year), time.Month(date.Month), int(date.Day), 0, 0, 0, 0, time.UTC)
		if t.Day() != int(date.Day) {
			return ""
		}
		return t.Format("2006-01-02")
	}
	return fmt.Sprintf("--%02d-%02d", date.Month, date.Day)
}
