// Package account orchestrates signup, login and post-authentication setup
// on top of the replicated key-tree store. The store offers no transactions
// and no uniqueness, so the flows here are built around best-effort checks,
// idempotent writes and soft failures: once an account is authenticated, a
// partial post-auth failure must never strand the caller.
package account

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trellis/internal/keyring"
	"trellis/internal/platform/metrics"
	"trellis/internal/platform/ratelimiter"
	"trellis/internal/resolver"
	"trellis/internal/store"
)

// State is the observable position of one flow through the machine.
type State string

const (
	StateIdle               State = "idle"
	StateValidatingInput    State = "validating_input"
	StateCheckingUniqueness State = "checking_uniqueness"
	StateCreating           State = "creating"
	StateAuthenticating     State = "authenticating"
	StatePostAuthSetup      State = "post_auth_setup"
	StateAuthenticated      State = "authenticated"
	StateFailed             State = "failed"
)

const (
	opSignup = "signup"
	opLogin  = "login"

	accountsCollection  = "accounts"
	usernamesCollection = "usernames"
	membersCollection   = "members"
	frozenKeyPrefix     = "#"
)

type Config struct {
	PasswordPolicy PasswordPolicy
	// PostAuthTimeout bounds each of the three post-auth writes separately.
	PostAuthTimeout time.Duration
	// PropagationDelay is the pause between account creation and the
	// follow-up authenticate, giving the store a chance to surface the fresh
	// account. A workaround for missing read-your-writes, not a guarantee.
	PropagationDelay time.Duration
	SessionTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		PasswordPolicy:   DefaultPasswordPolicy(),
		PostAuthTimeout:  5000 * time.Millisecond,
		PropagationDelay: 100 * time.Millisecond,
		SessionTTL:       24 * time.Hour,
	}
}

// Result is returned to the caller on successful signup or login.
type Result struct {
	PublicKey string
	Username  string
	IsNewUser bool
}

type Service struct {
	store    store.Store
	creds    store.Credentials
	resolver *resolver.Resolver
	limiter  *ratelimiter.AttemptLimiter
	sessions *SessionStore
	metrics  *metrics.Set
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
	state    atomic.Value
}

func New(st store.Store, creds store.Credentials, res *resolver.Resolver, limiter *ratelimiter.AttemptLimiter, sessions *SessionStore, m *metrics.Set, log *slog.Logger, cfg Config) *Service {
	if log == nil {
		log = slog.Default()
	}
	if limiter == nil {
		limiter = ratelimiter.NewAttemptLimiter(nil, nil)
	}
	if cfg.PostAuthTimeout <= 0 {
		cfg.PostAuthTimeout = DefaultConfig().PostAuthTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultConfig().SessionTTL
	}
	if cfg.PasswordPolicy == (PasswordPolicy{}) {
		cfg.PasswordPolicy = DefaultPasswordPolicy()
	}
	s := &Service{
		store:    st,
		creds:    creds,
		resolver: res,
		limiter:  limiter,
		sessions: sessions,
		metrics:  m,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
	}
	s.state.Store(StateIdle)
	return s
}

// State reports the most recently observed machine position. It exists for
// observability; flows never branch on it.
func (s *Service) State() State {
	return s.state.Load().(State)
}

// NewCredential derives a fresh multi-curve credential for pair-based
// signup, translating derivation failures into the account error taxonomy.
func (s *Service) NewCredential(password []byte, extra []string, opts keyring.Options) (*keyring.Bundle, error) {
	bundle, err := keyring.Derive(password, extra, opts)
	if err != nil {
		if errors.Is(err, keyring.ErrInsufficientEntropy) {
			return nil, &Error{Kind: KindEntropy, Message: "derivation input is too short", sentinel: err}
		}
		if errors.Is(err, keyring.ErrDerivation) {
			return nil, &Error{Kind: KindDerivation, Message: "derived key was rejected by the curve", sentinel: err}
		}
		return nil, err
	}
	return bundle, nil
}

// SignUp creates an account for the username. With a nil pair the store's
// native credential primitive is used; with a pair the pair itself is the
// credential and no creation call is made. The username uniqueness check is
// best effort only: two concurrent signups can both pass it, and the store
// offers nothing to close that race.
func (s *Service) SignUp(ctx context.Context, username, password string, pair *keyring.Pair) (*Result, error) {
	s.transition(opSignup, StateValidatingInput)
	username = normalizeUsername(username)
	if err := validateUsername(username); err != nil {
		return nil, s.fail(opSignup, err)
	}
	if pair == nil {
		if err := s.cfg.PasswordPolicy.validate(password); err != nil {
			return nil, s.fail(opSignup, err)
		}
	}

	if decision := s.limiter.Check(username, opSignup); !decision.Allowed {
		s.metrics.RateLimitDenial(opSignup)
		return nil, s.fail(opSignup, failRateLimited(opSignup, decision.RetryAfter))
	}

	s.transition(opSignup, StateCheckingUniqueness)
	if s.resolver != nil {
		binding, err := s.resolver.Resolve(ctx, username)
		if err != nil {
			return nil, s.fail(opSignup, err)
		}
		if binding != nil {
			return nil, s.fail(opSignup, failDuplicate(username))
		}
	}

	s.transition(opSignup, StateCreating)
	if pair == nil {
		if _, err := s.creds.CreateAccount(ctx, username, password); err != nil {
			if errors.Is(err, store.ErrAccountExists) {
				return nil, s.fail(opSignup, failDuplicate(username))
			}
			s.log.Warn("account creation failed", "username", username, "error", err)
			return nil, s.fail(opSignup, failAuthentication())
		}
		if err := s.sleep(ctx, s.cfg.PropagationDelay); err != nil {
			return nil, s.fail(opSignup, err)
		}
	}

	s.transition(opSignup, StateAuthenticating)
	pub, err := s.authenticate(ctx, username, password, pair)
	if err != nil {
		return nil, s.fail(opSignup, err)
	}

	s.transition(opSignup, StatePostAuthSetup)
	s.postAuthSetup(ctx, pub, username)

	s.limiter.Reset(username, opSignup)
	s.metrics.AuthOutcome(opSignup, "success")
	s.transition(opSignup, StateAuthenticated)
	s.log.Info("signup complete", "username", username, "publicKey", pub)
	return &Result{PublicKey: pub, Username: username, IsNewUser: true}, nil
}

// Login authenticates an existing account and persists an encrypted session
// record locally. Post-auth setup runs here too: it is idempotent and covers
// accounts created before their metadata existed.
func (s *Service) Login(ctx context.Context, username, password string, pair *keyring.Pair) (*Result, error) {
	s.transition(opLogin, StateValidatingInput)
	username = normalizeUsername(username)
	if err := validateUsername(username); err != nil {
		return nil, s.fail(opLogin, err)
	}

	if decision := s.limiter.Check(username, opLogin); !decision.Allowed {
		s.metrics.RateLimitDenial(opLogin)
		return nil, s.fail(opLogin, failRateLimited(opLogin, decision.RetryAfter))
	}

	s.transition(opLogin, StateAuthenticating)
	pub, err := s.authenticate(ctx, username, password, pair)
	if err != nil {
		return nil, s.fail(opLogin, err)
	}

	s.transition(opLogin, StatePostAuthSetup)
	s.postAuthSetup(ctx, pub, username)

	s.limiter.Reset(username, opLogin)
	s.persistSession(username, pub, pair)
	s.metrics.AuthOutcome(opLogin, "success")
	s.transition(opLogin, StateAuthenticated)
	s.log.Info("login complete", "username", username, "publicKey", pub)
	return &Result{PublicKey: pub, Username: username, IsNewUser: false}, nil
}

// Logout deauthenticates and destroys the persisted local state.
func (s *Service) Logout() error {
	s.creds.Deauthenticate()
	s.state.Store(StateIdle)
	return s.sessions.Clear()
}

// Restore loads a non-expired persisted session at startup. Pair-based
// sessions re-authenticate with the recalled key pair; password sessions
// only surface the record, since the password is never stored.
func (s *Service) Restore(ctx context.Context) (*SessionRecord, error) {
	record, err := s.sessions.Load()
	if err != nil || record == nil {
		return nil, err
	}
	if record.KeyPair == nil {
		if recalled, err := s.sessions.LoadKeyPair(); err == nil && recalled != nil {
			record.KeyPair = recalled
		}
	}
	if record.KeyPair != nil {
		if _, err := s.creds.AuthenticateKeyPair(ctx, *record.KeyPair); err != nil {
			s.log.Warn("session restore re-authentication failed", "username", record.Username, "error", err)
			return nil, s.sessions.Clear()
		}
		s.state.Store(StateAuthenticated)
	}
	return record, nil
}

func (s *Service) authenticate(ctx context.Context, username, password string, pair *keyring.Pair) (string, *Error) {
	var (
		pub string
		err error
	)
	if pair != nil {
		pub, err = s.creds.AuthenticateKeyPair(ctx, *pair)
	} else {
		pub, err = s.creds.Authenticate(ctx, username, password)
	}
	if err != nil {
		// A timeout is retryable I/O, not a verdict on the credential, and
		// must stay distinguishable from a rejection.
		if errors.Is(err, store.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("authentication timed out", "username", username, "error", err)
			return "", failStoreTimeout(err)
		}
		// Deliberately generic: unknown user and wrong password are
		// indistinguishable to the caller.
		s.log.Debug("authentication rejected", "username", username, "error", err)
		return "", failAuthentication()
	}
	return pub, nil
}

// postAuthSetup writes the account metadata, the username binding and the
// members entry. Each write has its own timeout and is non-fatal: the
// account is already authenticated, so failures are logged and absorbed.
func (s *Service) postAuthSetup(ctx context.Context, pub, username string) {
	accountNode := s.store.Get(accountsCollection).Get(pub)
	meta, err := store.OnceWithTimeout(ctx, accountNode, s.cfg.PostAuthTimeout)
	if err != nil {
		s.log.Warn("post-auth metadata read failed, writing anyway", "username", username, "error", err)
	}
	if name, ok := meta["username"].(string); ok && name != "" {
		s.log.Debug("post-auth setup already done", "username", username, "publicKey", pub)
		return
	}

	createdAt := s.now().UTC().Format(time.RFC3339)
	steps := []struct {
		name  string
		node  store.Node
		value store.Value
	}{
		{
			name:  "account metadata",
			node:  accountNode,
			value: store.Value{"username": username, "createdAt": createdAt},
		},
		{
			name:  "username binding",
			node:  s.store.Get(usernamesCollection).Get(frozenKeyPrefix + username),
			value: store.Value{"username": username, "publicKey": pub, "createdAt": createdAt},
		},
		{
			name:  "members entry",
			node:  s.store.Get(membersCollection).Get(pub),
			value: store.Value{"publicKey": pub, "joinedAt": createdAt},
		},
	}
	for _, step := range steps {
		if err := store.PutWithTimeout(ctx, step.node, step.value, s.cfg.PostAuthTimeout); err != nil {
			s.log.Warn("post-auth write failed, continuing", "step", step.name, "username", username, "error", err)
		}
	}
}

func (s *Service) persistSession(username, pub string, pair *keyring.Pair) {
	now := s.now().UTC()
	record := SessionRecord{
		ID:        uuid.NewString(),
		Username:  username,
		PublicKey: pub,
		KeyPair:   pair,
		Timestamp: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.Save(record); err != nil {
		s.log.Warn("session persistence failed", "username", username, "error", err)
	}
	if pair != nil {
		if err := s.sessions.SaveKeyPair(*pair); err != nil {
			s.log.Warn("key pair persistence failed", "username", username, "error", err)
		}
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) transition(operation string, state State) {
	s.state.Store(state)
	s.log.Debug("state transition", "operation", operation, "state", string(state))
}

func (s *Service) fail(operation string, err error) error {
	s.state.Store(StateFailed)
	var typed *Error
	if errors.As(err, &typed) {
		s.metrics.AuthOutcome(operation, typed.Kind)
	} else {
		s.metrics.AuthOutcome(operation, "error")
	}
	return err
}
