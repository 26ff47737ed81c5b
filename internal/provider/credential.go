package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// expirySkew treats tokens expiring within this margin as already expired so
// callers never hand out a token that dies mid-request.
const expirySkew = 10 * time.Second

// Config identifies the OAuth client used for all user credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURI  string
	Scopes       []string

	// HTTPClient overrides the client used for token endpoint calls (tests).
	HTTPClient *http.Client

	now func() time.Time
}

func (c Config) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       append([]string(nil), c.Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

func (c Config) clock() func() time.Time {
	if c.now != nil {
		return c.now
	}
	return time.Now
}

// Credential is one user's OAuth token pair. All methods are safe for
// concurrent use; the credential store serializes refreshes per identity on
// top of this.
type Credential struct {
	cfg Config

	mu    sync.Mutex
	token oauth2.Token
}

// New creates an empty credential awaiting Authorize.
func New(cfg Config) *Credential {
	return &Credential{cfg: cfg}
}

// Deserialize parses a serialized token payload. The payload must be a JSON
// object carrying at least one of access_token/refresh_token; anything else
// is a corrupt record.
func Deserialize(cfg Config, data []byte) (*Credential, error) {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("provider: credential payload is not a JSON object")
	}
	parsed := gjson.ParseBytes(data)
	if parsed.Get("access_token").String() == "" && parsed.Get("refresh_token").String() == "" {
		return nil, fmt.Errorf("provider: credential payload carries no tokens")
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("provider: decode credential: %w", err)
	}
	return &Credential{cfg: cfg, token: token}, nil
}

// Serialize renders the token in the store's plaintext format.
func (c *Credential) Serialize() ([]byte, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	data, err := json.Marshal(&token)
	if err != nil {
		return nil, fmt.Errorf("provider: encode credential: %w", err)
	}
	return data, nil
}

// IsExpired reports whether the access token is expired or about to be. A
// token without a recorded expiry is treated as still valid.
func (c *Credential) IsExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Expiry.IsZero() {
		return c.token.AccessToken == ""
	}
	return !c.cfg.clock()().Before(c.token.Expiry.Add(-expirySkew))
}

// ExpiresAt returns the access token expiry, zero when unknown.
func (c *Credential) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token.Expiry
}

// Refresh exchanges the refresh token for a fresh access token.
func (c *Credential) Refresh(ctx context.Context) error {
	c.mu.Lock()
	refreshToken := c.token.RefreshToken
	c.mu.Unlock()

	if refreshToken == "" {
		return fmt.Errorf("provider: credential has no refresh token")
	}

	source := c.cfg.oauth2Config().TokenSource(c.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	fresh, err := source.Token()
	if err != nil {
		return fmt.Errorf("provider: refresh: %w", err)
	}

	c.mu.Lock()
	c.token.AccessToken = fresh.AccessToken
	c.token.TokenType = fresh.TokenType
	c.token.Expiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		c.token.RefreshToken = fresh.RefreshToken
	}
	c.mu.Unlock()
	return nil
}

// AuthCodeURL returns the consent URL to send a user through; state guards
// the callback against forgery.
func (c *Credential) AuthCodeURL(state string) string {
	return c.cfg.oauth2Config().AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)
}

// Authorize exchanges an auth code from the consent callback for the initial
// token pair.
func (c *Credential) Authorize(ctx context.Context, code string) error {
	token, err := c.cfg.oauth2Config().Exchange(c.httpContext(ctx), code)
	if err != nil {
		return fmt.Errorf("provider: exchange code: %w", err)
	}

	c.mu.Lock()
	c.token = *token
	c.mu.Unlock()
	return nil
}

func (c *Credential) httpContext(ctx context.Context) context.Context {
	if c.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	}
	return ctx
}
