// Package cloudsync talks to the cloud file-sync service that linked storages
// are authorized against.
package cloudsync

import (
	"context"
	"errors"
	"net/http"

	"github.com/loykin/storagelink/internal/ident"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// ErrMissingCredentials is returned when the app key or secret is empty.
var ErrMissingCredentials = errors.New("cloudsync: app key and secret are required")

// RequestToken is the start of an authorization handshake.
type RequestToken struct {
	AuthorizeURL string
	State        string
}

// Client starts authorization handshakes with the sync service.
type Client interface {
	RequestToken(ctx context.Context) (int, RequestToken, error)
}

// App identifies the application registered with the sync service.
type App struct {
	Key         string
	Secret      string
	RedirectURL string
	Scopes      []string
	Endpoint    oauth2.Endpoint // zero means Dropbox
}

// OAuthClient is a Client backed by an OAuth2 authorization-code flow.
type OAuthClient struct {
	conf *oauth2.Config
}

func NewOAuthClient(app App) *OAuthClient {
	ep := app.Endpoint
	if ep.AuthURL == "" {
		ep = endpoints.Dropbox
	}
	return &OAuthClient{conf: &oauth2.Config{
		ClientID:     app.Key,
		ClientSecret: app.Secret,
		Endpoint:     ep,
		RedirectURL:  app.RedirectURL,
		Scopes:       app.Scopes,
	}}
}

// RequestToken builds the consent URL for a new handshake. The state value
// is fresh for every call.
func (c *OAuthClient) RequestToken(ctx context.Context) (int, RequestToken, error) {
	if err := ctx.Err(); err != nil {
		return 0, RequestToken{}, err
	}
	if c.conf.ClientID == "" || c.conf.ClientSecret == "" {
		return http.StatusUnauthorized, RequestToken{}, ErrMissingCredentials
	}
	state := ident.New()
	u := c.conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
	return http.StatusOK, RequestToken{AuthorizeURL: u, State: state}, nil
}

// Exchange trades the code returned to the callback for a token.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return c.conf.Exchange(ctx, code)
}

// Factory returns a Client for an app's credentials.
type Factory func(app App) Client

// OAuthFactory builds OAuthClients sharing endpoint, redirect and scopes.
func OAuthFactory(base App) Factory {
	return func(app App) Client {
		base.Key, base.Secret = app.Key, app.Secret
		return NewOAuthClient(base)
	}
}
