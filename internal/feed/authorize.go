package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"github.com/xtxerr/tickvault/internal/errors"
)

// Authorizer obtains the short-lived websocket URL of the market data feed.
type Authorizer struct {
	http *resty.Client
	url  string
}

type authorizeResponse struct {
	Status string `json:"status"`
	Data   struct {
		AuthorizedRedirectURI string `json:"authorizedRedirectUri"`
		LegacyRedirectURI     string `json:"authorized_redirect_uri"`
	} `json:"data"`
}

// NewAuthorizer creates an authorizer for url using a bearer token.
func NewAuthorizer(url, token string, timeout time.Duration) *Authorizer {
	c := resty.New().
		SetTimeout(timeout).
		SetAuthToken(token).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	return &Authorizer{http: c, url: url}
}

// Authorize returns the websocket URL to dial.
func (a *Authorizer) Authorize(ctx context.Context) (string, error) {
	var body authorizeResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get(a.url)
	if err != nil {
		return "", errors.NewUpstream("feed authorize", err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "", fmt.Errorf("feed authorize: status %d: %w", code, errors.ErrNotAuthorized)
	case code != http.StatusOK:
		return "", errors.NewUpstream("feed authorize", fmt.Errorf("status %d", code))
	}

	uri := body.Data.AuthorizedRedirectURI
	if uri == "" {
		uri = body.Data.LegacyRedirectURI
	}
	if uri == "" {
		return "", fmt.Errorf("feed authorize: %w: no redirect uri (status %q)", errors.ErrDecode, body.Status)
	}
	return uri, nil
}
