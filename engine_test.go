package authgate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ashmida/authgate/jwt"
	"github.com/ashmida/authgate/keyset"
	"github.com/ashmida/authgate/password"
	"github.com/ashmida/authgate/registry"
)

// mapCredentials is an in-memory CredentialStore for tests. Setting fail makes
// every lookup report a backend outage.
type mapCredentials struct {
	mu     sync.Mutex
	hashes map[string]string
	fail   error
}

func (m *mapCredentials) PasswordHash(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	hash, ok := m.hashes[userID]
	if !ok {
		return "", ErrUnknownUser
	}
	return hash, nil
}

func ed25519KeyPEM(t *testing.T) []byte {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("pkcs8 marshal failed: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// testPasswordConfig keeps argon2 cheap enough for unit tests.
func testPasswordConfig() PasswordConfig {
	return PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func testEngineConfig(t *testing.T) Config {
	t.Helper()

	cfg := defaultConfig()
	cfg.Keys.PrivateKeyPEM = ed25519KeyPEM(t)
	cfg.Token.Issuer = "authgate-test"
	cfg.Password = testPasswordConfig()
	return cfg
}

func hashSecret(t *testing.T, secret string) string {
	t.Helper()

	pw := testPasswordConfig()
	hasher, err := password.NewHasher(password.Config{
		Memory:      pw.Memory,
		Time:        pw.Time,
		Parallelism: pw.Parallelism,
		SaltLength:  pw.SaltLength,
		KeyLength:   pw.KeyLength,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	hash, err := hasher.Hash(secret)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	return hash
}

func newTestEngine(t *testing.T, mutate ...func(*Config, *Builder)) (*Engine, *miniredis.Miniredis, *mapCredentials) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	creds := &mapCredentials{hashes: map[string]string{
		"alice": hashSecret(t, "correct horse"),
		"bob":   hashSecret(t, "hunter2"),
	}}

	cfg := testEngineConfig(t)
	builder := New().
		WithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()})).
		WithCredentialStore(creds)
	for _, fn := range mutate {
		fn(&cfg, builder)
	}
	builder.WithConfig(cfg)

	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, mr, creds
}

func TestLoginIssuesVerifiableTokens(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens in the pair")
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Fatal("access and refresh tokens must differ")
	}

	auth, err := engine.VerifyAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if auth.UserID != "alice" {
		t.Fatalf("expected subject alice, got %q", auth.UserID)
	}
	if !auth.ExpiresAt.After(auth.IssuedAt) {
		t.Fatal("expected expiry after issuance")
	}
}

func TestLoginRejectsRefreshTokenAsAccess(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if _, err := engine.VerifyAccessToken(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for refresh token on access path, got %v", err)
	}
}

func TestLoginBadCredentialsIndistinguishable(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, wrongPass := engine.Login(ctx, "alice", "wrong")
	_, unknownUser := engine.Login(ctx, "nobody", "whatever")
	_, emptyInput := engine.Login(ctx, "", "")

	for name, err := range map[string]error{
		"wrong password": wrongPass,
		"unknown user":   unknownUser,
		"empty input":    emptyInput,
	} {
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", name, err)
		}
	}
	// A caller must not be able to discover which accounts exist.
	if wrongPass.Error() != unknownUser.Error() {
		t.Fatalf("credential failures must be indistinguishable: %q vs %q", wrongPass, unknownUser)
	}
}

func TestSecondLoginEvictsPriorSession(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("first Login failed: %v", err)
	}
	second, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("second Login failed: %v", err)
	}

	if _, err := engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected evicted session to report ErrRefreshReuse, got %v", err)
	}
	if _, err := engine.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("expected live session to refresh, got %v", err)
	}
}

func TestRefreshIsSingleUse(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	next, err := engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation must mint a new refresh token")
	}
	if _, err := engine.VerifyAccessToken(ctx, next.AccessToken); err != nil {
		t.Fatalf("rotated access token failed verification: %v", err)
	}

	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected second presentation to report ErrRefreshReuse, got %v", err)
	}
}

func TestRefreshRejectsGarbage(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Refresh(context.Background(), "not-a-token")
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if errors.Is(err, ErrRefreshReuse) {
		t.Fatal("garbage input must not be classified as reuse")
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if _, err := engine.Refresh(ctx, pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for access token on refresh path, got %v", err)
	}
}

func TestLogoutRevokesAndIsIdempotent(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := engine.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected revoked token to report ErrRefreshReuse, got %v", err)
	}
	// Repeating the logout is a no-op, not an error.
	if err := engine.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second Logout failed: %v", err)
	}
}

func TestLogoutRejectsGarbageToken(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	if err := engine.Logout(context.Background(), "not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogoutAll(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	alice, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("alice Login failed: %v", err)
	}
	bob, err := engine.Login(ctx, "bob", "hunter2")
	if err != nil {
		t.Fatalf("bob Login failed: %v", err)
	}

	removed, err := engine.LogoutAll(ctx, "alice")
	if err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 revoked session, got %d", removed)
	}

	if _, err := engine.Refresh(ctx, alice.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected alice's session revoked, got %v", err)
	}
	if _, err := engine.Refresh(ctx, bob.RefreshToken); err != nil {
		t.Fatalf("expected bob's session untouched, got %v", err)
	}
}

func TestSessionLifecycleScenario(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	p1, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	p2, err := engine.Refresh(ctx, p1.RefreshToken)
	if err != nil {
		t.Fatalf("first Refresh failed: %v", err)
	}

	// Replaying the consumed token is the hijack signal.
	if _, err := engine.Refresh(ctx, p1.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse on replay, got %v", err)
	}

	p3, err := engine.Refresh(ctx, p2.RefreshToken)
	if err != nil {
		t.Fatalf("second Refresh failed: %v", err)
	}
	if _, err := engine.VerifyAccessToken(ctx, p3.AccessToken); err != nil {
		t.Fatalf("latest access token failed verification: %v", err)
	}

	if err := engine.Logout(ctx, p3.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, p3.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected session closed after logout, got %v", err)
	}
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Refresh(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success, reuse := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrRefreshReuse):
			reuse++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one refresh winner, got %d", success)
	}
	if reuse != n-1 {
		t.Fatalf("expected %d losers, got %d", n-1, reuse)
	}
}

func TestLoginConcurrencySingleSession(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	const n = 8
	pairs := make([]*TokenPair, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			pairs[i], errs[i] = engine.Login(ctx, "alice", "correct horse")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Login %d failed: %v", i, err)
		}
	}

	// Whichever login committed last holds the only live session; every
	// other refresh token must already be evicted.
	live := 0
	for _, pair := range pairs {
		_, err := engine.Refresh(ctx, pair.RefreshToken)
		switch {
		case err == nil:
			live++
		case errors.Is(err, ErrRefreshReuse):
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live session after concurrent logins, got %d", live)
	}
}

func TestStorageUnavailable(t *testing.T) {
	engine, mr, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	mr.Close()

	if _, err := engine.Login(ctx, "alice", "correct horse"); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable on login, got %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable on refresh, got %v", err)
	}
	if err := engine.Logout(ctx, pair.RefreshToken); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable on logout, got %v", err)
	}

	// Verification is offline; a registry outage must not block it.
	if _, err := engine.VerifyAccessToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("expected access verification to survive the outage, got %v", err)
	}
}

func TestCredentialLookupOutage(t *testing.T) {
	engine, _, creds := newTestEngine(t)

	creds.mu.Lock()
	creds.fail = errors.New("directory down")
	creds.mu.Unlock()

	_, err := engine.Login(context.Background(), "alice", "correct horse")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("outage must not be reported as bad credentials")
	}
}

func TestExpiredTokens(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	cfg := testEngineConfig(t)
	cfg.Token.AccessTTL = time.Minute
	cfg.Token.RefreshTTL = time.Hour
	cfg.Token.Leeway = 0

	keys, err := keyset.NewProvider(keyset.Config{
		Algorithm:     cfg.Keys.Algorithm,
		PrivateKeyPEM: cfg.Keys.PrivateKeyPEM,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	pub, kid := keys.PublicKey()
	codec, err := jwt.NewManager(jwt.Config{
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
		Algorithm:  keys.Algorithm().JOSEName(),
		PrivateKey: keys.PrivateKey(),
		PublicKey:  pub,
		KeyID:      kid,
		Issuer:     cfg.Token.Issuer,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	engine := &Engine{
		config: cfg,
		keys:   keys,
		codec:  codec,
		hasher: hasher,
		store:  registry.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "ag"),
		credentials: &mapCredentials{hashes: map[string]string{
			"alice": hashSecret(t, "correct horse"),
		}},
		metrics: NewMetrics(cfg.Metrics),
	}
	engine.flows = engine.buildFlows()
	t.Cleanup(engine.Close)

	ctx := context.Background()
	pair, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	advance(2 * time.Minute)

	_, err = engine.VerifyAccessToken(ctx, pair.AccessToken)
	if !errors.Is(err, ErrTokenInvalid) || !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired access token to match both sentinels, got %v", err)
	}

	// The refresh token outlives the access token.
	next, err := engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	advance(2 * time.Hour)

	_, err = engine.Refresh(ctx, next.RefreshToken)
	if !errors.Is(err, ErrTokenInvalid) || !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired refresh token to match both sentinels, got %v", err)
	}
	if errors.Is(err, ErrRefreshReuse) {
		t.Fatal("expiry must be reported before any registry consult")
	}
}

func TestJWKSExposesSigningKey(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	jwks, err := engine.JWKS()
	if err != nil {
		t.Fatalf("JWKS failed: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Fatalf("expected one published key, got %d", len(jwks.Keys))
	}
	key := jwks.Keys[0]
	if key.Kty != "OKP" || key.Alg != "EdDSA" || key.Kid == "" {
		t.Fatalf("unexpected JWK: %+v", key)
	}
}

func TestEngineMetrics(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := engine.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := engine.VerifyAccessToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	next, err := engine.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
	if err := engine.Logout(ctx, next.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	snap := engine.MetricsSnapshot()
	expect := map[MetricID]uint64{
		MetricLoginSuccess:         1,
		MetricLoginFailure:         1,
		MetricSessionCreated:       1,
		MetricAccessVerifySuccess:  1,
		MetricRefreshSuccess:       1,
		MetricRefreshReuseDetected: 1,
		MetricLogout:               1,
		MetricSessionInvalidated:   2, // one reuse detection, one logout
	}
	for id, want := range expect {
		if got := snap.Counters[id]; got != want {
			t.Fatalf("counter %d: expected %d, got %d", id, want, got)
		}
	}
}

func TestReuseEmitsAuditEvent(t *testing.T) {
	sink := NewChannelSink(32)
	engine, _, _ := newTestEngine(t, func(cfg *Config, b *Builder) {
		cfg.Audit.Enabled = true
		cfg.Audit.BufferSize = 32
		b.WithAuditSink(sink)
	})
	ctx := context.Background()

	pair, err := engine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}

	// Close drains the dispatcher so every emitted event reaches the sink.
	engine.Close()

	var reuse *AuditEvent
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType == "refresh_reuse_detected" {
				reuse = &ev
			}
			continue
		default:
		}
		break
	}
	if reuse == nil {
		t.Fatal("expected a refresh_reuse_detected event")
	}
	if reuse.Success {
		t.Fatal("reuse event must not be marked successful")
	}
	if reuse.UserID != "alice" {
		t.Fatalf("expected user alice, got %q", reuse.UserID)
	}
	if reuse.Metadata["reason"] != "absent" {
		t.Fatalf("expected reason=absent, got %q", reuse.Metadata["reason"])
	}
}

func TestEnginePurgeExpired(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	removed, err := engine.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected no live records purged, got %d", removed)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricPurgeRuns] != 1 {
		t.Fatalf("expected one recorded sweep, got %d", snap.Counters[MetricPurgeRuns])
	}
}

func TestBuilderValidation(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := testEngineConfig(t)
	creds := &mapCredentials{hashes: map[string]string{}}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	if _, err := New().WithConfig(cfg).WithRedis(client).Build(); err == nil {
		t.Fatal("expected error without a credential store")
	}
	if _, err := New().WithConfig(cfg).WithCredentialStore(creds).Build(); err == nil {
		t.Fatal("expected error without a registry backend")
	}
	if _, err := New().WithConfig(cfg).WithCredentialStore(creds).
		WithRedis(client).WithRegistry(registry.NewRedisStore(client, "ag")).Build(); err == nil {
		t.Fatal("expected error for conflicting backends")
	}

	badTTL := cfg
	badTTL.Token.AccessTTL = 0
	if _, err := New().WithConfig(badTTL).WithCredentialStore(creds).WithRedis(client).Build(); err == nil {
		t.Fatal("expected config validation error")
	}

	noKey := cfg
	noKey.Keys.PrivateKeyPEM = nil
	if _, err := New().WithConfig(noKey).WithCredentialStore(creds).WithRedis(client).Build(); !errors.Is(err, keyset.ErrKeyMaterial) {
		t.Fatalf("expected ErrKeyMaterial, got %v", err)
	}

	b := New().WithConfig(cfg).WithCredentialStore(creds).WithRedis(client)
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	if _, err := b.Build(); err == nil {
		t.Fatal("expected error reusing a builder")
	}
}

func TestVerifyKeysRollover(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	creds := &mapCredentials{hashes: map[string]string{
		"alice": hashSecret(t, "correct horse"),
	}}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	// Old deploy signs a token.
	oldCfg := testEngineConfig(t)
	oldEngine, err := New().WithConfig(oldCfg).WithCredentialStore(creds).WithRedis(client).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(oldEngine.Close)

	ctx := context.Background()
	pair, err := oldEngine.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	oldKeys, err := keyset.NewProvider(keyset.Config{
		Algorithm:     oldCfg.Keys.Algorithm,
		PrivateKeyPEM: oldCfg.Keys.PrivateKeyPEM,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	_, oldKid := oldKeys.PublicKey()
	oldPubPEM, err := oldKeys.PublicKeyPEM()
	if err != nil {
		t.Fatalf("PublicKeyPEM failed: %v", err)
	}

	// New deploy signs with a fresh key but still trusts the old kid.
	newCfg := testEngineConfig(t)
	newCfg.Keys.VerifyKeysPEM = map[string][]byte{oldKid: oldPubPEM}
	newEngine, err := New().WithConfig(newCfg).WithCredentialStore(creds).WithRedis(client).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(newEngine.Close)

	auth, err := newEngine.VerifyAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("expected old-key token to verify during rollover, got %v", err)
	}
	if auth.UserID != "alice" {
		t.Fatalf("expected subject alice, got %q", auth.UserID)
	}
}
