// Package identity is a minimal client for the Firebase Auth (Identity
// Toolkit) admin REST API.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/abel374/completaMeAdmin/logger"
	"github.com/abel374/completaMeAdmin/user"
	"golang.org/x/oauth2"
)

const (
	DefaultEndpoint = "https://identitytoolkit.googleapis.com/v1"

	// EmulatorHostEnv is the variable the Firebase tooling reads the Auth
	// emulator address from.
	EmulatorHostEnv = "FIREBASE_AUTH_EMULATOR_HOST"

	emulatorToken = "owner"
	maxBodySize   = 1 << 20
)

var ErrUserNotFound = errors.New("user not found")

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("identity service returned %d %s: %s", e.StatusCode, e.Status, e.Message)
}

func IsUserNotFound(err error) bool {
	if errors.Is(err, ErrUserNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && strings.HasPrefix(apiErr.Message, "USER_NOT_FOUND")
}

type Client struct {
	Params
	baseURL string

	client *http.Client
}

type Params struct {
	ProjectID string

	// Endpoint overrides DefaultEndpoint. Ignored when EmulatorHost is set.
	Endpoint     string
	EmulatorHost string

	// TokenSource authorizes requests. Not needed against the emulator.
	TokenSource oauth2.TokenSource

	logger.L
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type updateRequest struct {
	LocalID          string `json:"localId"`
	CustomAttributes string `json:"customAttributes"`
}

type lookupRequest struct {
	LocalID []string `json:"localId"`
}

type lookupResponse struct {
	Users []struct {
		LocalID          string `json:"localId"`
		Email            string `json:"email"`
		DisplayName      string `json:"displayName"`
		Disabled         bool   `json:"disabled"`
		CustomAttributes string `json:"customAttributes"`
	} `json:"users"`
}

// NewClient opens a session against the service. The base HTTP client is
// taken from ctx under oauth2.HTTPClient, see ClientContext.
func NewClient(ctx context.Context, params Params) (*Client, error) {
	if params.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if params.L == nil {
		params.L = logger.NoOp
	}

	ts := params.TokenSource
	baseURL := strings.TrimRight(params.Endpoint, "/")
	if baseURL == "" {
		baseURL = DefaultEndpoint
	}

	if params.EmulatorHost != "" {
		baseURL = "http://" + params.EmulatorHost + "/identitytoolkit.googleapis.com/v1"
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: emulatorToken})
		params.Logf("[INFO] using auth emulator at %s", params.EmulatorHost)
	}
	if ts == nil {
		return nil, errors.New("token source is required")
	}

	return &Client{
		Params:  params,
		baseURL: baseURL,
		client:  oauth2.NewClient(ctx, ts),
	}, nil
}

// SetCustomClaims replaces the user's custom claims with claims.
func (c *Client) SetCustomClaims(ctx context.Context, uid string, claims map[string]interface{}) error {
	if uid == "" {
		return errors.New("uid is required")
	}
	if claims == nil {
		claims = map[string]interface{}{}
	}

	attrs, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("failed to marshal claims: %w", err)
	}

	c.Logf("[DEBUG] updating custom claims for %s: %s", uid, attrs)
	return c.post(ctx, "accounts:update", updateRequest{LocalID: uid, CustomAttributes: string(attrs)}, nil)
}

func (c *Client) GetUser(ctx context.Context, uid string) (*user.User, error) {
	if uid == "" {
		return nil, errors.New("uid is required")
	}

	var resp lookupResponse
	c.Logf("[DEBUG] looking up user %s", uid)
	if err := c.post(ctx, "accounts:lookup", lookupRequest{LocalID: []string{uid}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, uid)
	}

	r := resp.Users[0]
	u := &user.User{
		UID:         r.LocalID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		Disabled:    r.Disabled,
	}
	if r.CustomAttributes != "" {
		var claims map[string]interface{}
		if err := json.Unmarshal([]byte(r.CustomAttributes), &claims); err != nil {
			return nil, fmt.Errorf("failed to unmarshal custom claims: %w", err)
		}
		u.MergeClaims(claims)
	}
	return u, nil
}

// Close releases idle connections held by the session.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

func (c *Client) post(ctx context.Context, method string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	u := c.baseURL + "/projects/" + url.PathEscape(c.ProjectID) + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil {
			apiErr.Status = er.Error.Status
			apiErr.Message = er.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal body: %w", err)
	}
	return nil
}

// ClientContext attaches the base HTTP client used by NewClient and the
// token exchange.
func ClientContext(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}
