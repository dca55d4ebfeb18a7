package account

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"trellis/internal/keyring"
	"trellis/internal/resolver"
	"trellis/internal/store"
	"trellis/internal/store/memstore"
)

func testConfig() Config {
	return Config{
		PasswordPolicy:   DefaultPasswordPolicy(),
		PostAuthTimeout:  100 * time.Millisecond,
		PropagationDelay: time.Millisecond,
		SessionTTL:       time.Hour,
	}
}

func testResolverTimeouts() resolver.Timeouts {
	return resolver.Timeouts{
		FrozenScan:   50 * time.Millisecond,
		DirectKey:    50 * time.Millisecond,
		AlternateKey: 50 * time.Millisecond,
		KeyScan:      50 * time.Millisecond,
		Hard:         100 * time.Millisecond,
	}
}

func newTestService(t *testing.T, st store.Store) *Service {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := resolver.New(st, log, nil, testResolverTimeouts())
	sessions := NewSessionStore(t.TempDir(), "test-secret")
	return New(st, memstore.NewCredentials(), res, nil, sessions, nil, log, testConfig())
}

func TestSignUpThenLoginSamePublicKey(t *testing.T) {
	svc := newTestService(t, memstore.New())
	ctx := context.Background()

	signup, err := svc.SignUp(ctx, "alice.b-1", "Str0ng!Passw0rd", nil)
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if signup.PublicKey == "" || !signup.IsNewUser {
		t.Fatalf("unexpected signup result: %+v", signup)
	}
	if svc.State() != StateAuthenticated {
		t.Fatalf("state = %q, want %q", svc.State(), StateAuthenticated)
	}

	login, err := svc.Login(ctx, "alice.b-1", "Str0ng!Passw0rd", nil)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if login.PublicKey != signup.PublicKey {
		t.Fatal("login must return the same public key as signup")
	}
	if login.IsNewUser {
		t.Fatal("login result must not claim a new user")
	}
}

func TestSignUpDuplicateUsername(t *testing.T) {
	svc := newTestService(t, memstore.New())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, "alice.b-1", "Str0ng!Passw0rd", nil); err != nil {
		t.Fatalf("first signup failed: %v", err)
	}
	_, err := svc.SignUp(ctx, "alice.b-1", "An0ther!Passw0rd", nil)
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != KindDuplicateUsername {
		t.Fatalf("expected kind %q, got %+v", KindDuplicateUsername, err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := newTestService(t, memstore.New())
	ctx := context.Background()

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"empty username", "", "Str0ng!Passw0rd"},
		{"bad characters", "alice!bang", "Str0ng!Passw0rd"},
		{"short password", "alice", "Ab1!"},
		{"single class password", "alice", "aaaaaaaaaaaa"},
	}
	for _, tc := range cases {
		_, err := svc.SignUp(ctx, tc.username, tc.password, nil)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestSignUpWithPairSkipsPasswordPolicy(t *testing.T) {
	svc := newTestService(t, memstore.New())
	pair := &keyring.Pair{Pub: "x.y", Priv: "p", EPub: "ex.ey", EPriv: "ep"}

	result, err := svc.SignUp(context.Background(), "pair-user", "", pair)
	if err != nil {
		t.Fatalf("pair signup failed: %v", err)
	}
	if result.PublicKey != pair.Pub {
		t.Fatalf("public key = %q, want the pair's %q", result.PublicKey, pair.Pub)
	}
}

func TestLoginGenericErrorHidesUserExistence(t *testing.T) {
	svc := newTestService(t, memstore.New())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, "alice.b-1", "Str0ng!Passw0rd", nil); err != nil {
		t.Fatalf("signup failed: %v", err)
	}

	_, wrongPass := svc.Login(ctx, "alice.b-1", "Wrong!Passw0rd11", nil)
	_, noUser := svc.Login(ctx, "nobody.here", "Wrong!Passw0rd11", nil)
	if !errors.Is(wrongPass, ErrAuthentication) || !errors.Is(noUser, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for both, got %v / %v", wrongPass, noUser)
	}
	if wrongPass.Error() != noUser.Error() {
		t.Fatal("wrong password and unknown user must be indistinguishable")
	}
}

func TestLoginStoreTimeoutStaysDistinguishable(t *testing.T) {
	st := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := resolver.New(st, log, nil, testResolverTimeouts())
	svc := New(st, timingOutCredentials{}, res, nil, nil, nil, log, testConfig())

	_, err := svc.Login(context.Background(), "alice.b-1", "Str0ng!Passw0rd", nil)
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != KindStoreTimeout {
		t.Fatalf("expected kind %q, got %v", KindStoreTimeout, err)
	}
	if !errors.Is(err, store.ErrTimeout) {
		t.Fatal("underlying timeout sentinel must stay reachable")
	}
	if errors.Is(err, ErrAuthentication) {
		t.Fatal("a replica timeout must not read as a credential rejection")
	}
}

func TestSixFailedLoginsHitCooldown(t *testing.T) {
	svc := newTestService(t, memstore.New())
	ctx := context.Background()

	var err error
	for i := 0; i < 6; i++ {
		_, err = svc.Login(ctx, "bob", "wrong", nil)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("sixth failed login: expected ErrRateLimited, got %v", err)
	}
	var typed *Error
	if !errors.As(err, &typed) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if typed.RetryAfter <= 0 {
		t.Fatal("rate limit error must carry the remaining cooldown")
	}
	if !strings.Contains(typed.Message, "retry in") {
		t.Fatalf("message %q must name the remaining wait", typed.Message)
	}
}

func TestPostAuthSetupWritesBindings(t *testing.T) {
	st := memstore.New()
	svc := newTestService(t, st)
	ctx := context.Background()

	result, err := svc.SignUp(ctx, "alice.b-1", "Str0ng!Passw0rd", nil)
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}

	meta, err := st.Get("accounts").Get(result.PublicKey).Once(ctx)
	if err != nil || meta["username"] != "alice.b-1" {
		t.Fatalf("account metadata missing: %v %v", meta, err)
	}
	binding, err := st.Get("usernames").Get("#alice.b-1").Once(ctx)
	if err != nil || binding["publicKey"] != result.PublicKey {
		t.Fatalf("username binding missing: %v %v", binding, err)
	}
	member, err := st.Get("members").Get(result.PublicKey).Once(ctx)
	if err != nil || member["publicKey"] != result.PublicKey {
		t.Fatalf("members entry missing: %v %v", member, err)
	}
}

func TestPostAuthFailuresAreSoft(t *testing.T) {
	st := failingWriteStore{inner: memstore.New()}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := resolver.New(st, log, nil, testResolverTimeouts())
	svc := New(st, memstore.NewCredentials(), res, nil, nil, nil, log, testConfig())

	result, err := svc.SignUp(context.Background(), "alice.b-1", "Str0ng!Passw0rd", nil)
	if err != nil {
		t.Fatalf("signup must absorb post-auth write failures, got %v", err)
	}
	if result.PublicKey == "" {
		t.Fatal("signup must still return the public key")
	}
}

func TestLoginPersistsSession(t *testing.T) {
	dir := t.TempDir()
	st := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := resolver.New(st, log, nil, testResolverTimeouts())
	sessions := NewSessionStore(dir, "test-secret")
	svc := New(st, memstore.NewCredentials(), res, nil, sessions, nil, log, testConfig())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, "alice.b-1", "Str0ng!Passw0rd", nil); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	login, err := svc.Login(ctx, "alice.b-1", "Str0ng!Passw0rd", nil)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	record, err := sessions.Load()
	if err != nil {
		t.Fatalf("session load failed: %v", err)
	}
	if record == nil || record.Username != "alice.b-1" || record.PublicKey != login.PublicKey {
		t.Fatalf("unexpected session record: %+v", record)
	}
	if record.ID == "" || record.ExpiresAt.IsZero() {
		t.Fatal("session record must carry id and expiry")
	}

	if err := svc.Logout(); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	record, err = sessions.Load()
	if err != nil || record != nil {
		t.Fatalf("session must be destroyed on logout, got %+v %v", record, err)
	}
}

func TestRestorePairSession(t *testing.T) {
	st := memstore.New()
	creds := memstore.NewCredentials()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := resolver.New(st, log, nil, testResolverTimeouts())
	sessions := NewSessionStore(t.TempDir(), "test-secret")
	svc := New(st, creds, res, nil, sessions, nil, log, testConfig())
	ctx := context.Background()

	pair := &keyring.Pair{Pub: "x.y", Priv: "p", EPub: "ex.ey", EPriv: "ep"}
	if _, err := svc.Login(ctx, "pair-user", "", pair); err != nil {
		t.Fatalf("pair login failed: %v", err)
	}
	creds.Deauthenticate()

	record, err := svc.Restore(ctx)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if record == nil || record.KeyPair == nil || record.KeyPair.Pub != pair.Pub {
		t.Fatalf("unexpected restored record: %+v", record)
	}
	if current, ok := creds.CurrentIdentity(); !ok || current != pair.Pub {
		t.Fatal("restore must re-authenticate the recalled pair")
	}
}

func TestNewCredentialMapsDerivationErrors(t *testing.T) {
	svc := newTestService(t, memstore.New())

	_, err := svc.NewCredential([]byte("tiny"), nil, keyring.Options{P256: true})
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind != KindEntropy {
		t.Fatalf("expected kind %q, got %v", KindEntropy, err)
	}
	if !errors.Is(err, keyring.ErrInsufficientEntropy) {
		t.Fatal("underlying sentinel must stay reachable")
	}

	bundle, err := svc.NewCredential([]byte("Str0ng!Passw0rd"), []string{"alice"}, keyring.Options{P256: true})
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if bundle.P256 == nil {
		t.Fatal("expected p256 pair")
	}
}

// timingOutCredentials simulates a replica that never answers in time.
type timingOutCredentials struct{}

func (timingOutCredentials) CreateAccount(ctx context.Context, username, password string) (string, error) {
	return "", store.ErrTimeout
}

func (timingOutCredentials) Authenticate(ctx context.Context, username, password string) (string, error) {
	return "", store.ErrTimeout
}

func (timingOutCredentials) AuthenticateKeyPair(ctx context.Context, pair keyring.Pair) (string, error) {
	return "", store.ErrTimeout
}

func (timingOutCredentials) CurrentIdentity() (string, bool) { return "", false }

func (timingOutCredentials) Deauthenticate() {}

// failingWriteStore accepts reads but rejects every put.
type failingWriteStore struct {
	inner store.Store
}

func (s failingWriteStore) Get(path string) store.Node {
	return failingWriteNode{inner: s.inner.Get(path)}
}

type failingWriteNode struct {
	inner store.Node
}

func (n failingWriteNode) Get(segment string) store.Node {
	return failingWriteNode{inner: n.inner.Get(segment)}
}

func (n failingWriteNode) Put(ctx context.Context, value store.Value) error {
	return errors.New("replica rejected the write")
}

func (n failingWriteNode) Once(ctx context.Context) (store.Value, error) {
	return n.inner.Once(ctx)
}

func (n failingWriteNode) Map(ctx context.Context, fn func(string, store.Value) bool) error {
	return n.inner.Map(ctx, fn)
}
