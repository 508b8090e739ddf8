package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"golang.org/x/oauth2"
)

// PasswordGrant holds the fixed application and user identity exchanged for a token.
type PasswordGrant struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	Scope        string // space separated
}

// CredentialProvider exchanges the password grant for a bearer token.
// Every call hits the token endpoint; nothing is cached.
type CredentialProvider struct {
	grant PasswordGrant
	http  *http.Client
}

func NewCredentialProvider(grant PasswordGrant, hc *http.Client) *CredentialProvider {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &CredentialProvider{grant: grant, http: hc}
}

func (p *CredentialProvider) Acquire(ctx context.Context) (model.Credential, error) {
	conf := &oauth2.Config{
		ClientID:     p.grant.ClientID,
		ClientSecret: p.grant.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.grant.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: strings.Fields(p.grant.Scope),
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)
	tok, err := conf.PasswordCredentialsToken(ctx, p.grant.Username, p.grant.Password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return "", fmt.Errorf("%w: %w", ErrTokenRejected, err)
		}
		if strings.Contains(err.Error(), "missing access_token") {
			return "", fmt.Errorf("%w: %w", ErrNoAccessToken, err)
		}
		return "", fmt.Errorf("acquire token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", ErrNoAccessToken
	}
	return model.Credential(tok.AccessToken), nil
}
