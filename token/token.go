package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abel374/completaMeAdmin/logger"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

const (
	GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	DefaultAssertionLifetime = time.Hour
)

// DefaultScopes are the scopes the Firebase Admin tooling requests.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/firebase",
	"https://www.googleapis.com/auth/identitytoolkit",
	"https://www.googleapis.com/auth/userinfo.email",
}

// JWTBearerSource exchanges self-signed service-account assertions for
// OAuth2 access tokens.
type JWTBearerSource struct {
	ctx               context.Context
	key               jwk.Key
	email             string
	tokenURI          string
	scopes            []string
	assertionLifetime time.Duration
	now               func() time.Time

	logger.L
}

type Opts struct {
	Key               jwk.Key
	ClientEmail       string
	TokenURI          string
	Scopes            []string
	AssertionLifetime time.Duration

	// Now is used for iat/exp, defaults to time.Now.
	Now func() time.Time

	logger.L
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	IDToken     string `json:"id_token"`

	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// NewJWTBearerSource builds the raw source. The HTTP client used for the
// exchange is taken from ctx under oauth2.HTTPClient, if any.
func NewJWTBearerSource(ctx context.Context, opts Opts) (*JWTBearerSource, error) {
	if opts.Key == nil {
		return nil, errors.New("signing key is required")
	}
	if opts.ClientEmail == "" {
		return nil, errors.New("client email is required")
	}
	if opts.TokenURI == "" {
		return nil, errors.New("token uri is required")
	}
	if opts.L == nil {
		opts.L = logger.NoOp
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = DefaultScopes
	}
	if opts.AssertionLifetime <= 0 {
		opts.AssertionLifetime = DefaultAssertionLifetime
	}

	return &JWTBearerSource{
		ctx:               ctx,
		key:               opts.Key,
		email:             opts.ClientEmail,
		tokenURI:          opts.TokenURI,
		scopes:            opts.Scopes,
		assertionLifetime: opts.AssertionLifetime,
		now:               opts.Now,
		L:                 opts.L,
	}, nil
}

// NewSource returns a caching token source that only signs and exchanges
// a new assertion once the previous access token has expired.
func NewSource(ctx context.Context, opts Opts) (oauth2.TokenSource, error) {
	src, err := NewJWTBearerSource(ctx, opts)
	if err != nil {
		return nil, err
	}
	return oauth2.ReuseTokenSource(nil, src), nil
}

// BuildAssertion signs the jwt-bearer grant assertion.
func (j *JWTBearerSource) BuildAssertion() (string, error) {
	now := j.now().UTC()

	tok, err := jwt.NewBuilder().
		JwtID(uuid.New().String()).
		Issuer(j.email).
		Audience([]string{j.tokenURI}).
		IssuedAt(now).
		Expiration(now.Add(j.assertionLifetime)).
		Claim("scope", strings.Join(j.scopes, " ")).
		Build()
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, j.key))
	if err != nil {
		return "", err
	}

	return string(signed), nil
}

func (j *JWTBearerSource) Token() (*oauth2.Token, error) {
	assertion, err := j.BuildAssertion()
	if err != nil {
		return nil, fmt.Errorf("failed to sign assertion: %w", err)
	}

	v := url.Values{
		"grant_type": {GrantTypeJWTBearer},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(j.ctx, http.MethodPost, j.tokenURI, strings.NewReader(v.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	j.Logf("[DEBUG] requesting access token for %s from %s", j.email, j.tokenURI)
	resp, err := getClient(j.ctx).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post assertion: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("failed to unmarshal body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if tr.Error != "" {
			return nil, fmt.Errorf("token exchange failed: %s: %s %s", resp.Status, tr.Error, tr.ErrorDescription)
		}
		return nil, fmt.Errorf("token exchange failed: %s", resp.Status)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token exchange returned no access token")
	}

	t := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		t.Expiry = j.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.IDToken != "" {
		t = t.WithExtra(map[string]interface{}{"id_token": tr.IDToken})
	}
	return t, nil
}

func getClient(ctx context.Context) *http.Client {
	if c, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && c != nil {
		return c
	}
	return http.DefaultClient
}
