package completameadmin

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/abel374/completaMeAdmin/credential"
	"github.com/abel374/completaMeAdmin/identity"
	"github.com/abel374/completaMeAdmin/internal/testutil"
	"github.com/abel374/completaMeAdmin/user"
)

type fakeIdentity struct {
	users     map[string]map[string]interface{}
	setErr    error
	getErr    error
	readErr   error
	calls     []string
	released  bool
	connected *credential.ServiceAccount
}

func (f *fakeIdentity) SetCustomClaims(_ context.Context, uid string, claims map[string]interface{}) error {
	f.calls = append(f.calls, "set")
	if f.setErr != nil {
		return f.setErr
	}
	f.users[uid] = claims
	return nil
}

func (f *fakeIdentity) GetUser(_ context.Context, uid string) (*user.User, error) {
	f.calls = append(f.calls, "get")
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.readErr != nil && len(f.calls) > 1 && f.calls[len(f.calls)-2] == "set" {
		return nil, f.readErr
	}
	claims, ok := f.users[uid]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	u := &user.User{UID: uid}
	u.MergeClaims(claims)
	return u, nil
}

func (f *fakeIdentity) connect(_ context.Context, sa *credential.ServiceAccount) (IdentityService, func(), error) {
	f.connected = sa
	return f, func() { f.released = true }, nil
}

func writeServiceAccount(t *testing.T, dir, rel, tokenURI string) string {
	t.Helper()
	return testutil.WriteFile(t, dir, rel, testutil.ServiceAccountJSON(t, testutil.NewRSAKey(t), tokenURI))
}

func TestService_Grant(t *testing.T) {
	tests := []struct {
		name       string
		uid        string
		replace    bool
		setErr     error
		readErr    error
		wantCalls  []string
		wantClaims map[string]interface{}
		wantStep   Step
		wantCode   int
	}{
		{
			name:       "TestService_Grant_merge",
			uid:        "alice",
			wantCalls:  []string{"get", "set", "get"},
			wantClaims: map[string]interface{}{"tier": "gold", "admin": true},
			wantCode:   ExitOK,
		},
		{
			name:       "TestService_Grant_replace",
			uid:        "alice",
			replace:    true,
			wantCalls:  []string{"set", "get"},
			wantClaims: map[string]interface{}{"admin": true},
			wantCode:   ExitOK,
		},
		{
			name:      "TestService_Grant_mutation_rejected",
			uid:       "alice",
			replace:   true,
			setErr:    errors.New("PERMISSION_DENIED"),
			wantCalls: []string{"set"},
			wantStep:  StepMutate,
			wantCode:  ExitService,
		},
		{
			name:      "TestService_Grant_unknown_user",
			uid:       "bob",
			wantCalls: []string{"get"},
			wantStep:  StepMutate,
			wantCode:  ExitService,
		},
		{
			name:       "TestService_Grant_read_back_failed",
			uid:        "alice",
			readErr:    errors.New("UNAVAILABLE"),
			wantCalls:  []string{"get", "set", "get"},
			wantClaims: map[string]interface{}{"tier": "gold", "admin": true},
			wantStep:   StepReadBack,
			wantCode:   ExitService,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeServiceAccount(t, dir, "service-account.json", "")

			fake := &fakeIdentity{
				users:   map[string]map[string]interface{}{"alice": {"tier": "gold"}},
				setErr:  tt.setErr,
				readErr: tt.readErr,
			}
			s, err := NewService(Opts{WorkDir: dir, Replace: tt.replace, Connect: fake.connect})
			if err != nil {
				t.Fatalf("NewService() error = %v", err)
			}

			res, err := s.Grant(context.Background(), tt.uid, "")
			if code := ExitCode(err); code != tt.wantCode {
				t.Errorf("ExitCode() = %d, want %d (err = %v)", code, tt.wantCode, err)
			}
			if !reflect.DeepEqual(fake.calls, tt.wantCalls) {
				t.Errorf("Grant() calls = %v, want %v", fake.calls, tt.wantCalls)
			}
			if !fake.released {
				t.Errorf("Grant() did not release the session")
			}
			if fake.connected == nil || fake.connected.ProjectID != testutil.ProjectID {
				t.Errorf("Grant() connected with %+v", fake.connected)
			}

			if tt.wantStep != "" {
				var se *StepError
				if !errors.As(err, &se) || se.Step != tt.wantStep {
					t.Fatalf("Grant() error = %v, want step %s", err, tt.wantStep)
				}
				if tt.wantStep == StepReadBack && !reflect.DeepEqual(res.Written, tt.wantClaims) {
					t.Errorf("Grant() written = %v, want %v", res.Written, tt.wantClaims)
				}
				return
			}
			if err != nil {
				t.Fatalf("Grant() error = %v", err)
			}
			if res.CredentialPath != filepath.Join(dir, "service-account.json") {
				t.Errorf("Grant() credential = %v", res.CredentialPath)
			}
			if !reflect.DeepEqual(res.User.CustomClaims, tt.wantClaims) {
				t.Errorf("Grant() claims = %v, want %v", res.User.CustomClaims, tt.wantClaims)
			}
			if res.RunID == "" {
				t.Errorf("Grant() run id is empty")
			}
		})
	}
}

func TestService_Grant_localFailures(t *testing.T) {
	tests := []struct {
		name     string
		uid      string
		explicit string
		files    map[string]string
		wantErr  error
		wantCode int
	}{
		{
			name:     "TestService_Grant_missing_uid",
			uid:      "  ",
			wantErr:  ErrMissingIdentifier,
			wantCode: ExitUsage,
		},
		{
			name:     "TestService_Grant_no_candidate",
			uid:      "alice",
			wantCode: ExitCredentialNotFound,
		},
		{
			name:     "TestService_Grant_explicit_missing",
			uid:      "alice",
			explicit: "nope.json",
			files:    map[string]string{"service-account.json": "{}"},
			wantCode: ExitCredentialNotFound,
		},
		{
			name:     "TestService_Grant_malformed",
			uid:      "alice",
			files:    map[string]string{"assets/service-account.json": "module.exports = {}"},
			wantCode: ExitCredentialInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for p, data := range tt.files {
				testutil.WriteFile(t, dir, p, []byte(data))
			}
			fake := &fakeIdentity{users: map[string]map[string]interface{}{}}

			s, err := NewService(Opts{WorkDir: dir, Connect: fake.connect})
			if err != nil {
				t.Fatalf("NewService() error = %v", err)
			}

			_, err = s.Grant(context.Background(), tt.uid, tt.explicit)
			if code := ExitCode(err); code != tt.wantCode {
				t.Errorf("ExitCode() = %d, want %d (err = %v)", code, tt.wantCode, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Grant() error = %v, want %v", err, tt.wantErr)
			}
			if fake.connected != nil || len(fake.calls) != 0 {
				t.Errorf("Grant() reached the identity service")
			}
		})
	}
}

func TestService_Grant_candidatePriority(t *testing.T) {
	dir := t.TempDir()
	first := writeServiceAccount(t, dir, "assets/service-account.json", "")
	writeServiceAccount(t, dir, "service-account.json", "")

	fake := &fakeIdentity{users: map[string]map[string]interface{}{"alice": nil}}
	s, err := NewService(Opts{WorkDir: dir, Connect: fake.connect})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	res, err := s.Grant(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if res.CredentialPath != first {
		t.Errorf("Grant() credential = %v, want %v", res.CredentialPath, first)
	}
}

func TestNewService_dedupsCandidates(t *testing.T) {
	s, err := NewService(Opts{
		WorkDir:    t.TempDir(),
		Candidates: []string{"assets/service-account.json", "assets/service-account.json", "service-account.json"},
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	want := []string{"assets/service-account.json", "service-account.json"}
	if !reflect.DeepEqual(s.Candidates(), want) {
		t.Errorf("Candidates() = %v, want %v", s.Candidates(), want)
	}
}

func TestService_Grant_identityToolkit(t *testing.T) {
	key := testutil.NewRSAKey(t)
	srv := testutil.NewIdentityServer(t, key)
	srv.AddUser("alice", map[string]interface{}{"tier": "gold"})

	dir := t.TempDir()
	testutil.WriteFile(t, dir, "keys/sa.json", testutil.ServiceAccountJSON(t, key, srv.TokenURI()))

	s, err := NewService(Opts{WorkDir: dir, Endpoint: srv.Endpoint()})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	res, err := s.Grant(context.Background(), "alice", "keys/sa.json")
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	want := map[string]interface{}{"tier": "gold", "admin": true}
	if !reflect.DeepEqual(res.User.CustomClaims, want) {
		t.Errorf("Grant() claims = %v, want %v", res.User.CustomClaims, want)
	}
	if stored, _ := srv.Claims("alice"); !reflect.DeepEqual(stored, want) {
		t.Errorf("server claims = %v, want %v", stored, want)
	}
	if tokens, updates, lookups := srv.Calls(); tokens != 1 || updates != 1 || lookups != 2 {
		t.Errorf("server calls = %d/%d/%d, want 1/1/2", tokens, updates, lookups)
	}
}

func TestService_Grant_emulator(t *testing.T) {
	key := testutil.NewRSAKey(t)
	srv := testutil.NewIdentityServer(t, key)
	srv.AddUser("alice", nil)

	dir := t.TempDir()
	writeServiceAccount(t, dir, "service-account.json", "")

	s, err := NewService(Opts{WorkDir: dir, EmulatorHost: srv.EmulatorHost(), Replace: true})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	res, err := s.Grant(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if v, _ := res.User.Claim(AdminClaim); v != true {
		t.Errorf("Grant() admin claim = %v", v)
	}
	if tokens, _, _ := srv.Calls(); tokens != 0 {
		t.Errorf("token endpoint called %d times against the emulator", tokens)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", want: ExitOK},
		{name: "usage", err: ErrMissingIdentifier, want: ExitUsage},
		{name: "not_found", err: &credential.NotFoundError{}, want: ExitCredentialNotFound},
		{name: "parse", err: &credential.ParseError{Err: errors.New("x")}, want: ExitCredentialInvalid},
		{name: "mutate", err: &StepError{Step: StepMutate, Err: errors.New("x")}, want: ExitService},
		{name: "read_back", err: &StepError{Step: StepReadBack, Err: errors.New("x")}, want: ExitService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
