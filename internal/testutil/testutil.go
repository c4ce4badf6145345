// Package testutil provides a fake Identity Toolkit backend and service
// account fixtures for tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	ProjectID   = "test-project"
	ClientEmail = "admin-sdk@test-project.iam.gserviceaccount.com"
	AccessToken = "test-access-token"

	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// NewRSAKey generates a throwaway 2048-bit key.
func NewRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return key
}

// PrivateKeyPEM encodes key as PKCS#8, the format service-account files use.
func PrivateKeyPEM(t testing.TB, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() error = %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// ServiceAccountJSON renders a service-account key document.
func ServiceAccountJSON(t testing.TB, key *rsa.PrivateKey, tokenURI string) []byte {
	t.Helper()
	data, err := json.MarshalIndent(map[string]string{
		"type":           "service_account",
		"project_id":     ProjectID,
		"private_key_id": "kid-1",
		"private_key":    PrivateKeyPEM(t, key),
		"client_email":   ClientEmail,
		"client_id":      "1234567890",
		"token_uri":      tokenURI,
	}, "", "  ")
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}

// WriteFile writes data to dir/rel, creating parent directories.
func WriteFile(t testing.TB, dir, rel string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return p
}

// IdentityServer fakes the OAuth2 token endpoint and the accounts:update /
// accounts:lookup methods of Identity Toolkit.
type IdentityServer struct {
	*httptest.Server

	Key *rsa.PrivateKey

	mu           sync.Mutex
	users        map[string]map[string]interface{}
	failUpdate   bool
	failLookup   bool
	failToken    bool
	failReadBack bool
	updated      bool
	tokenCalls   int
	updateCalls  int
	lookupCalls  int
}

func NewIdentityServer(t testing.TB, key *rsa.PrivateKey) *IdentityServer {
	t.Helper()
	s := &IdentityServer{
		Key:   key,
		users: map[string]map[string]interface{}{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/v1/projects/"+ProjectID+"/accounts:update", s.authorized(s.handleUpdate))
	mux.HandleFunc("/v1/projects/"+ProjectID+"/accounts:lookup", s.authorized(s.handleLookup))
	// the emulator serves the same API under a host-style prefix
	mux.HandleFunc("/identitytoolkit.googleapis.com/v1/projects/"+ProjectID+"/accounts:update", s.authorized(s.handleUpdate))
	mux.HandleFunc("/identitytoolkit.googleapis.com/v1/projects/"+ProjectID+"/accounts:lookup", s.authorized(s.handleLookup))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *IdentityServer) TokenURI() string { return s.URL + "/token" }

func (s *IdentityServer) Endpoint() string { return s.URL + "/v1" }

// EmulatorHost is the host:port to pass as FIREBASE_AUTH_EMULATOR_HOST.
func (s *IdentityServer) EmulatorHost() string { return strings.TrimPrefix(s.URL, "http://") }

func (s *IdentityServer) AddUser(uid string, claims map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[uid] = claims
}

func (s *IdentityServer) Claims(uid string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.users[uid]
	return c, ok
}

func (s *IdentityServer) FailUpdate(v bool) { s.mu.Lock(); s.failUpdate = v; s.mu.Unlock() }
func (s *IdentityServer) FailLookup(v bool) { s.mu.Lock(); s.failLookup = v; s.mu.Unlock() }
func (s *IdentityServer) FailToken(v bool) { s.mu.Lock(); s.failToken = v; s.mu.Unlock() }

// FailReadBack makes lookups fail only once an update has succeeded.
func (s *IdentityServer) FailReadBack(v bool) { s.mu.Lock(); s.failReadBack = v; s.mu.Unlock() }

// Calls reports how many token, update and lookup requests were served.
func (s *IdentityServer) Calls() (tokenCalls, updates, lookups int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls, s.updateCalls, s.lookupCalls
}

func (s *IdentityServer) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenCalls++
	fail := s.failToken
	s.mu.Unlock()

	if fail {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Invalid JWT Signature."})
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != jwtBearerGrant {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	_, err := jwt.Parse([]byte(r.PostForm.Get("assertion")),
		jwt.WithKey(jwa.RS256, &s.Key.PublicKey),
		jwt.WithIssuer(ClientEmail),
		jwt.WithAudience(s.TokenURI()),
	)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": AccessToken,
		"token_type":   "Bearer",
		"expires_in":   3599,
	})
}

func (s *IdentityServer) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+AccessToken && auth != "Bearer owner" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "INVALID_ID_TOKEN")
			return
		}
		next(w, r)
	}
}

func (s *IdentityServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocalID          string `json:"localId"`
		CustomAttributes string `json:"customAttributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "INVALID_JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++

	if s.failUpdate {
		writeError(w, http.StatusForbidden, "PERMISSION_DENIED", "INSUFFICIENT_PERMISSION")
		return
	}
	if _, ok := s.users[req.LocalID]; !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "USER_NOT_FOUND")
		return
	}
	var claims map[string]interface{}
	if err := json.Unmarshal([]byte(req.CustomAttributes), &claims); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "INVALID_CLAIMS")
		return
	}
	s.users[req.LocalID] = claims
	s.updated = true
	writeJSON(w, http.StatusOK, map[string]string{"localId": req.LocalID})
}

func (s *IdentityServer) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocalID []string `json:"localId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "INVALID_JSON")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupCalls++

	if s.failLookup || (s.failReadBack && s.updated) {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "BACKEND_UNAVAILABLE")
		return
	}

	users := []map[string]interface{}{}
	for _, uid := range req.LocalID {
		claims, ok := s.users[uid]
		if !ok {
			continue
		}
		rec := map[string]interface{}{"localId": uid, "email": uid + "@example.com"}
		if claims != nil {
			attrs, _ := json.Marshal(claims)
			rec["customAttributes"] = string(attrs)
		}
		users = append(users, rec)
	}
	if len(users) == 0 {
		// the real service omits the field when nothing matched
		writeJSON(w, http.StatusOK, map[string]string{"kind": "identitytoolkit#GetAccountInfoResponse"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func writeError(w http.ResponseWriter, code int, status, message string) {
	writeJSON(w, code, map[string]interface{}{
		"error": map[string]interface{}{"code": code, "message": message, "status": status},
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
