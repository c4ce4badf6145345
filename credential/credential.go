// Package credential locates and loads Google service-account key files.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	ServiceAccountType = "service_account"
	DefaultTokenURI    = "https://oauth2.googleapis.com/token"
)

// DefaultCandidates are searched in order, relative to the working
// directory, when no explicit credential path is given.
var DefaultCandidates = []string{
	"assets/service-account.json",
	"service-account.json",
}

type ServiceAccount struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	ClientID     string `json:"client_id"`
	TokenURI     string `json:"token_uri"`

	key jwk.Key
}

// SigningKey returns the parsed RSA private key, with its key id set.
func (s *ServiceAccount) SigningKey() jwk.Key {
	return s.key
}

// NotFoundError is returned by Resolve when no credential file exists.
type NotFoundError struct {
	Explicit bool
	Tried    []string
}

func (e *NotFoundError) Error() string {
	if e.Explicit {
		return fmt.Sprintf("service account JSON not found at %s", strings.Join(e.Tried, ", "))
	}
	return fmt.Sprintf("service account JSON not found, expected one of: %s", strings.Join(e.Tried, ", "))
}

// ParseError is returned by Load when the file can't be read or is not a
// usable service-account key.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid service account %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Dedup drops repeated entries, keeping the first occurrence of each.
func Dedup(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		clean := filepath.Clean(p)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Resolve picks the credential file to load. An explicit path is used
// as-is (joined to workDir when relative) and must exist. Otherwise the
// first existing entry of candidates wins.
func Resolve(workDir, explicit string, candidates []string) (string, error) {
	if explicit != "" {
		full := absolute(workDir, explicit)
		if !isFile(full) {
			return "", &NotFoundError{Explicit: true, Tried: []string{explicit}}
		}
		return full, nil
	}

	candidates = Dedup(candidates)
	for _, c := range candidates {
		full := absolute(workDir, c)
		if isFile(full) {
			return full, nil
		}
	}
	return "", &NotFoundError{Tried: candidates}
}

func Load(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	sa, err := Parse(data)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return sa, nil
}

// Parse decodes and validates a service-account key document.
func Parse(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	if sa.Type != ServiceAccountType {
		return nil, fmt.Errorf("unexpected credential type %q, want %q", sa.Type, ServiceAccountType)
	}
	var missing []string
	if sa.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if sa.ClientEmail == "" {
		missing = append(missing, "client_email")
	}
	if sa.PrivateKey == "" {
		missing = append(missing, "private_key")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	if sa.TokenURI == "" {
		sa.TokenURI = DefaultTokenURI
	}

	key, err := jwk.ParseKey([]byte(sa.PrivateKey), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private_key: %w", err)
	}
	if key.KeyType() != jwa.RSA {
		return nil, errors.New("private_key is not an RSA key")
	}
	if sa.PrivateKeyID != "" {
		if err := key.Set(jwk.KeyIDKey, sa.PrivateKeyID); err != nil {
			return nil, fmt.Errorf("failed to set key id: %w", err)
		}
	}
	sa.key = key

	return &sa, nil
}

func absolute(workDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(workDir, p)
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
