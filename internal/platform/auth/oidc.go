package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OIDCProvider holds the endpoints advertised by an OpenID Connect
// discovery document.
type OIDCProvider struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	ScopesSupported       []string `json:"scopes_supported"`
}

// DiscoverOIDC fetches <issuer>/.well-known/openid-configuration.
func DiscoverOIDC(ctx context.Context, client *http.Client, issuerURL string) (*OIDCProvider, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	discoveryURL := strings.TrimRight(issuerURL, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building OIDC discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var provider OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&provider); err != nil {
		return nil, fmt.Errorf("decoding OIDC discovery document: %w", err)
	}
	if provider.AuthorizationEndpoint == "" || provider.TokenEndpoint == "" {
		return nil, fmt.Errorf("OIDC discovery document missing authorization or token endpoint")
	}
	if provider.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("OIDC discovery document missing userinfo_endpoint")
	}
	return &provider, nil
}

func (p *OIDCProvider) SupportsScope(scope string) bool {
	for _, s := range p.ScopesSupported {
		if s == scope {
			return true
		}
	}
	return false
}

// ExternalIdentity is what the redirect sign-in flow learns about the user.
type ExternalIdentity struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// OAuthClient runs the authorization-code flow against one provider.
type OAuthClient struct {
	provider *OIDCProvider
	config   oauth2.Config
	http     *http.Client
}

func NewOAuthClient(provider *OIDCProvider, clientID, clientSecret, redirectURL string) *OAuthClient {
	return &OAuthClient{
		provider: provider,
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  provider.AuthorizationEndpoint,
				TokenURL: provider.TokenEndpoint,
			},
			Scopes: []string{"openid", "email", "profile"},
		},
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthCodeURL is the provider URL the browser is redirected to.
func (o *OAuthClient) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades an authorization code for a token and reads the userinfo
// endpoint with it.
func (o *OAuthClient) Exchange(ctx context.Context, code string) (ExternalIdentity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.http)
	tok, err := o.config.Exchange(ctx, code)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("exchanging authorization code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.provider.UserinfoEndpoint, nil)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("building userinfo request: %w", err)
	}
	resp, err := o.config.Client(ctx, tok).Do(req)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("fetching userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ExternalIdentity{}, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}
	var id ExternalIdentity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return ExternalIdentity{}, fmt.Errorf("decoding userinfo: %w", err)
	}
	if id.Email == "" {
		return ExternalIdentity{}, fmt.Errorf("userinfo response has no email")
	}
	id.Email = strings.ToLower(strings.TrimSpace(id.Email))
	return id, nil
}
