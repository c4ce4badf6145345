// Package completameadmin grants the admin custom claim to a Firebase Auth
// user using a service-account key.
package completameadmin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/abel374/completaMeAdmin/credential"
	"github.com/abel374/completaMeAdmin/identity"
	"github.com/abel374/completaMeAdmin/logger"
	"github.com/abel374/completaMeAdmin/token"
	"github.com/abel374/completaMeAdmin/user"
	"github.com/google/uuid"
)

const AdminClaim = "admin"

// Process exit statuses.
const (
	ExitOK                 = 0
	ExitUsage              = 1
	ExitCredentialNotFound = 2
	ExitService            = 3
	ExitCredentialInvalid  = 4
)

var (
	ErrUsage             = errors.New("usage error")
	ErrMissingIdentifier = fmt.Errorf("%w: missing user identifier", ErrUsage)
)

type IdentityService interface {
	SetCustomClaims(ctx context.Context, uid string, claims map[string]interface{}) error
	GetUser(ctx context.Context, uid string) (*user.User, error)
}

// ConnectFunc opens an identity session for sa. The returned func releases it.
type ConnectFunc func(ctx context.Context, sa *credential.ServiceAccount) (IdentityService, func(), error)

type Step string

const (
	StepSession  Step = "session"
	StepMutate   Step = "mutate"
	StepReadBack Step = "read-back"
)

// StepError tags a remote failure with the step it happened in. A
// StepMutate failure leaves the claims unchanged; a StepReadBack failure
// means the write went through but could not be confirmed.
type StepError struct {
	Step Step
	UID  string
	Err  error
}

func (e *StepError) Error() string {
	switch e.Step {
	case StepMutate:
		return fmt.Sprintf("failed to set custom claims for %s: %v", e.UID, e.Err)
	case StepReadBack:
		return fmt.Sprintf("custom claims for %s were set but could not be read back: %v", e.UID, e.Err)
	default:
		return fmt.Sprintf("failed to open identity session: %v", e.Err)
	}
}

func (e *StepError) Unwrap() error { return e.Err }

// ExitCode maps an error returned by Grant to a process exit status.
func ExitCode(err error) int {
	var (
		notFound *credential.NotFoundError
		invalid  *credential.ParseError
		step     *StepError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &notFound):
		return ExitCredentialNotFound
	case errors.As(err, &invalid):
		return ExitCredentialInvalid
	case errors.As(err, &step):
		return ExitService
	default:
		return ExitUsage
	}
}

type Service struct {
	opts Opts

	logger.L
}

type Opts struct {
	// WorkDir anchors relative credential paths, defaults to the process
	// working directory.
	WorkDir    string
	Candidates []string

	// ProjectID overrides the project of the service account.
	ProjectID    string
	Endpoint     string
	EmulatorHost string

	// Replace overwrites the user's custom claims instead of merging into them.
	Replace bool

	Connect ConnectFunc

	logger.L
}

type Result struct {
	RunID          string
	UID            string
	CredentialPath string

	// Written is the claim set sent to the service, nil if the write failed.
	Written map[string]interface{}
	User    *user.User
}

func NewService(opts Opts) (*Service, error) {
	if opts.L == nil {
		opts.L = logger.NoOp
	}
	if opts.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		opts.WorkDir = wd
	}
	if opts.Candidates == nil {
		opts.Candidates = credential.DefaultCandidates
	}
	opts.Candidates = credential.Dedup(opts.Candidates)

	s := &Service{opts: opts, L: opts.L}
	if s.opts.Connect == nil {
		s.opts.Connect = s.connect
	}
	return s, nil
}

// Candidates returns the de-duplicated fallback credential paths.
func (s *Service) Candidates() []string {
	return s.opts.Candidates
}

// Grant sets admin=true on uid and reads the user back. On a StepReadBack
// failure the partial result is returned along with the error.
func (s *Service) Grant(ctx context.Context, uid, credentialPath string) (*Result, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, ErrMissingIdentifier
	}

	res := &Result{RunID: uuid.New().String(), UID: uid}
	s.Logf("[DEBUG] run %s: granting %s to %s", res.RunID, AdminClaim, uid)

	path, err := credential.Resolve(s.opts.WorkDir, credentialPath, s.opts.Candidates)
	if err != nil {
		return nil, err
	}
	res.CredentialPath = path
	s.Logf("[DEBUG] run %s: using credential %s", res.RunID, path)

	sa, err := credential.Load(path)
	if err != nil {
		return nil, err
	}

	svc, release, err := s.opts.Connect(ctx, sa)
	if err != nil {
		return nil, &StepError{Step: StepSession, UID: uid, Err: err}
	}
	defer release()

	claims, err := s.claimsToWrite(ctx, svc, uid)
	if err != nil {
		return nil, &StepError{Step: StepMutate, UID: uid, Err: err}
	}
	if err := svc.SetCustomClaims(ctx, uid, claims); err != nil {
		s.Logf("[ERROR] run %s: set custom claims: %v", res.RunID, err)
		return nil, &StepError{Step: StepMutate, UID: uid, Err: err}
	}
	res.Written = claims

	u, err := svc.GetUser(ctx, uid)
	if err != nil {
		s.Logf("[ERROR] run %s: read back: %v", res.RunID, err)
		return res, &StepError{Step: StepReadBack, UID: uid, Err: err}
	}
	res.User = u
	s.Logf("[INFO] run %s: %s now has claims %v", res.RunID, uid, u.CustomClaims)

	return res, nil
}

func (s *Service) claimsToWrite(ctx context.Context, svc IdentityService, uid string) (map[string]interface{}, error) {
	if s.opts.Replace {
		return map[string]interface{}{AdminClaim: true}, nil
	}

	current, err := svc.GetUser(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to read current claims: %w", err)
	}
	merged := &user.User{}
	merged.MergeClaims(current.CustomClaims)
	merged.SetClaim(AdminClaim, true)
	return merged.CustomClaims, nil
}

func (s *Service) connect(ctx context.Context, sa *credential.ServiceAccount) (IdentityService, func(), error) {
	projectID := sa.ProjectID
	if s.opts.ProjectID != "" {
		projectID = s.opts.ProjectID
	}

	ts, err := token.NewSource(ctx, token.Opts{
		Key:         sa.SigningKey(),
		ClientEmail: sa.ClientEmail,
		TokenURI:    sa.TokenURI,
		L:           s.L,
	})
	if err != nil {
		return nil, nil, err
	}

	c, err := identity.NewClient(ctx, identity.Params{
		ProjectID:    projectID,
		Endpoint:     s.opts.Endpoint,
		EmulatorHost: s.opts.EmulatorHost,
		TokenSource:  ts,
		L:            s.L,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}
