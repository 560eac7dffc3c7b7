package authgate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ashmida/authgate/internal/flows"
	"github.com/ashmida/authgate/jwt"
	"github.com/ashmida/authgate/keyset"
	"github.com/ashmida/authgate/password"
	"github.com/ashmida/authgate/registry"
)

// Engine defines a public type used by authgate APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config      Config
	keys        *keyset.Provider
	codec       *jwt.Manager
	hasher      *password.Hasher
	store       registry.Store
	credentials CredentialStore
	audit       *auditDispatcher
	metrics     *Metrics
	flows       flows.Deps

	purgeStop chan struct{}
	purgeWG   sync.WaitGroup
	closeOnce sync.Once
}

// Close describes the close operation and its observable behavior.
//
// Close may return an error when input validation, dependency calls, or security checks fail.
// Close does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		if e.purgeStop != nil {
			close(e.purgeStop)
			e.purgeWG.Wait()
		}
		if e.audit != nil {
			e.audit.Close()
		}
	})
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e.metrics != nil {
		e.metrics.Inc(id)
	}
}

func (e *Engine) metricAdd(id MetricID, delta uint64) {
	if e.metrics != nil {
		e.metrics.Add(id, delta)
	}
}

func (e *Engine) observeLatency(id MetricID, start time.Time) {
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		e.metrics.Observe(id, time.Since(start))
	}
}

// registryCtx bounds every registry call. On timeout the engine surfaces
// ErrStorageUnavailable instead of assuming the write happened.
func (e *Engine) registryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.config.Registry.OpTimeout)
}

func (e *Engine) buildFlows() flows.Deps {
	// Hashed once at wiring time with the configured parameters; unknown-user
	// logins verify against it so their latency matches real accounts.
	dummyHash, _ := e.hasher.Hash("authgate-timing-pad")

	return flows.Deps{
		Login: flows.LoginDeps{
			PasswordHash:   e.credentials.PasswordHash,
			VerifyPassword: e.hasher.Verify,
			DummyHash:      dummyHash,
			IssueAccessToken: func(userID string) (string, error) {
				return e.codec.IssueAccess(userID)
			},
			IssueRefreshToken: func(userID string) (string, error) {
				return e.codec.IssueRefresh(userID)
			},
			ReplaceRecord: func(ctx context.Context, rec registry.Record) error {
				opCtx, cancel := e.registryCtx(ctx)
				defer cancel()
				return e.store.Replace(opCtx, rec)
			},
			RefreshLifetime: func() time.Duration { return e.config.Token.RefreshTTL },
			AccessLifetime:  func() time.Duration { return e.config.Token.AccessTTL },
			UnknownUser:     ErrUnknownUser,
			HashFormat:      password.ErrHashFormat,
		},
		Refresh: flows.RefreshDeps{
			VerifyRefresh: func(tokenStr string) (*jwt.Claims, error) {
				return e.codec.Verify(tokenStr, jwt.TypeRefresh)
			},
			IssueAccessToken: func(userID string) (string, error) {
				return e.codec.IssueAccess(userID)
			},
			IssueRefreshToken: func(userID string) (string, error) {
				return e.codec.IssueRefresh(userID)
			},
			RotateRecord: func(ctx context.Context, oldToken string, rec registry.Record) error {
				opCtx, cancel := e.registryCtx(ctx)
				defer cancel()
				return e.store.Rotate(opCtx, oldToken, rec)
			},
			RefreshLifetime: func() time.Duration { return e.config.Token.RefreshTTL },
			AccessLifetime:  func() time.Duration { return e.config.Token.AccessTTL },
		},
		Logout: flows.LogoutDeps{
			VerifyRefresh: func(tokenStr string) (*jwt.Claims, error) {
				return e.codec.Verify(tokenStr, jwt.TypeRefresh)
			},
			DeleteRecord: func(ctx context.Context, token string) (bool, error) {
				opCtx, cancel := e.registryCtx(ctx)
				defer cancel()
				return e.store.Delete(opCtx, token)
			},
			DeleteAllForUser: func(ctx context.Context, userID string) (int, error) {
				opCtx, cancel := e.registryCtx(ctx)
				defer cancel()
				return e.store.DeleteAllForUser(opCtx, userID)
			},
		},
		Validate: flows.ValidateDeps{
			VerifyAccess: func(tokenStr string) (*jwt.Claims, error) {
				return e.codec.Verify(tokenStr, jwt.TypeAccess)
			},
		},
	}
}

// Login describes the login operation and its observable behavior.
//
// Login may return an error when input validation, dependency calls, or security checks fail.
// Login does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Login(ctx context.Context, userID, pass string) (*TokenPair, error) {
	if e == nil || e.store == nil || e.credentials == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		defer e.observeLatency(MetricLoginLatency, time.Now())
	}

	res := flows.RunLogin(ctx, userID, pass, e.flows.Login)

	switch res.Failure {
	case flows.LoginFailureNone:
		e.metricInc(MetricSessionCreated)
		e.metricInc(MetricLoginSuccess)
		e.emitAudit(ctx, auditEventLoginSuccess, true, userID, nil, nil)
		return &TokenPair{
			AccessToken:  res.AccessToken,
			RefreshToken: res.RefreshToken,
		}, nil

	case flows.LoginFailureEmptyInput, flows.LoginFailureUnknownUser,
		flows.LoginFailurePasswordMismatch, flows.LoginFailureHashFormat:
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, userID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"reason": loginFailureReason(res.Failure)}
		})
		return nil, ErrInvalidCredentials

	case flows.LoginFailureLookup:
		e.metricInc(MetricLoginFailure)
		e.metricInc(MetricStorageUnavailable)
		mapped := fmt.Errorf("%w: %v", ErrStorageUnavailable, res.Err)
		e.emitAudit(ctx, auditEventStorageUnavailable, false, userID, mapped, func() map[string]string {
			return map[string]string{"op": "credential_lookup"}
		})
		return nil, mapped

	case flows.LoginFailurePersist:
		e.metricInc(MetricLoginFailure)
		if errors.Is(res.Err, registry.ErrStoreUnavailable) {
			e.metricInc(MetricStorageUnavailable)
			mapped := fmt.Errorf("%w: %v", ErrStorageUnavailable, res.Err)
			e.emitAudit(ctx, auditEventStorageUnavailable, false, userID, mapped, func() map[string]string {
				return map[string]string{"op": "replace"}
			})
			return nil, mapped
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, userID, res.Err, func() map[string]string {
			return map[string]string{"reason": "persist_failed"}
		})
		return nil, res.Err

	default:
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, userID, res.Err, func() map[string]string {
			return map[string]string{"reason": "issue_failed"}
		})
		return nil, res.Err
	}
}

func loginFailureReason(kind flows.LoginFailureKind) string {
	switch kind {
	case flows.LoginFailureEmptyInput:
		return "empty_input"
	case flows.LoginFailureUnknownUser:
		return "user_not_found"
	case flows.LoginFailureHashFormat:
		return "hash_unparseable"
	default:
		return "password_mismatch"
	}
}

// Refresh describes the refresh operation and its observable behavior.
//
// Refresh may return an error when input validation, dependency calls, or security checks fail.
// Refresh does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		defer e.observeLatency(MetricRefreshLatency, time.Now())
	}

	res := flows.RunRefresh(ctx, refreshToken, e.flows.Refresh)

	switch res.Failure {
	case flows.RefreshFailureNone:
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, auditEventRefreshSuccess, true, res.UserID, nil, nil)
		return &TokenPair{
			AccessToken:  res.AccessToken,
			RefreshToken: res.RefreshToken,
		}, nil

	case flows.RefreshFailureExpired:
		e.metricInc(MetricRefreshFailure)
		mapped := fmt.Errorf("%w: %w", ErrTokenInvalid, ErrTokenExpired)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, res.UserID, mapped, func() map[string]string {
			return map[string]string{"reason": "token_expired"}
		})
		return nil, mapped

	case flows.RefreshFailureDecode:
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, res.UserID, ErrTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "decode_failed"}
		})
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, res.Err)

	case flows.RefreshFailureReuse:
		e.metricInc(MetricRefreshReuseDetected)
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, auditEventRefreshReuse, false, res.UserID, ErrRefreshReuse, func() map[string]string {
			return map[string]string{"reason": "absent"}
		})
		return nil, ErrRefreshReuse

	case flows.RefreshFailureRotate:
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricStorageUnavailable)
		mapped := fmt.Errorf("%w: %v", ErrStorageUnavailable, res.Err)
		e.emitAudit(ctx, auditEventStorageUnavailable, false, res.UserID, mapped, func() map[string]string {
			return map[string]string{"op": "rotate"}
		})
		return nil, mapped

	default:
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, res.UserID, res.Err, func() map[string]string {
			return map[string]string{"reason": "issue_failed"}
		})
		return nil, res.Err
	}
}

// Logout describes the logout operation and its observable behavior.
//
// Logout may return an error when input validation, dependency calls, or security checks fail.
// Logout does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}

	res := flows.RunLogout(ctx, refreshToken, e.flows.Logout)

	switch res.Failure {
	case flows.LogoutFailureNone:
		e.metricInc(MetricLogout)
		if res.Revoked {
			e.metricInc(MetricSessionInvalidated)
		}
		e.emitAudit(ctx, auditEventLogout, true, res.UserID, nil, func() map[string]string {
			if res.Revoked {
				return nil
			}
			return map[string]string{"note": "already_absent"}
		})
		return nil

	case flows.LogoutFailureDecode:
		e.emitAudit(ctx, auditEventAccessVerifyFailure, false, res.UserID, ErrTokenInvalid, func() map[string]string {
			return map[string]string{"op": "logout"}
		})
		if errors.Is(res.Err, jwt.ErrExpired) {
			return fmt.Errorf("%w: %w", ErrTokenInvalid, ErrTokenExpired)
		}
		return fmt.Errorf("%w: %v", ErrTokenInvalid, res.Err)

	default:
		e.metricInc(MetricStorageUnavailable)
		mapped := fmt.Errorf("%w: %v", ErrStorageUnavailable, res.Err)
		e.emitAudit(ctx, auditEventStorageUnavailable, false, res.UserID, mapped, func() map[string]string {
			return map[string]string{"op": "delete"}
		})
		return mapped
	}
}

// LogoutAll revokes every live refresh token for the user. Administrative
// form of Logout; it does not require a token in hand.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}

	removed, err := flows.RunLogoutAll(ctx, userID, e.flows.Logout)
	if err != nil {
		e.metricInc(MetricStorageUnavailable)
		mapped := fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		e.emitAudit(ctx, auditEventStorageUnavailable, false, userID, mapped, func() map[string]string {
			return map[string]string{"op": "delete_all"}
		})
		return 0, mapped
	}

	e.metricInc(MetricLogoutAll)
	e.metricAdd(MetricSessionInvalidated, uint64(removed))
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, nil, func() map[string]string {
		return map[string]string{"removed": fmt.Sprintf("%d", removed)}
	})
	return removed, nil
}

// VerifyAccessToken describes the verifyaccesstoken operation and its observable behavior.
//
// VerifyAccessToken may return an error when input validation, dependency calls, or security checks fail.
// VerifyAccessToken does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) VerifyAccessToken(ctx context.Context, tokenStr string) (*AuthResult, error) {
	if e == nil || e.codec == nil {
		return nil, ErrEngineNotReady
	}

	res := flows.RunValidate(tokenStr, e.flows.Validate)

	switch res.Failure {
	case flows.ValidateFailureNone:
		e.metricInc(MetricAccessVerifySuccess)
		out := &AuthResult{UserID: res.Claims.Subject}
		if res.Claims.IssuedAt != nil {
			out.IssuedAt = res.Claims.IssuedAt.Time
		}
		if res.Claims.ExpiresAt != nil {
			out.ExpiresAt = res.Claims.ExpiresAt.Time
		}
		return out, nil

	case flows.ValidateFailureExpired:
		e.metricInc(MetricAccessVerifyFailure)
		e.emitAudit(ctx, auditEventAccessVerifyFailure, false, "", ErrTokenExpired, func() map[string]string {
			return map[string]string{"reason": "token_expired"}
		})
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, ErrTokenExpired)

	default:
		e.metricInc(MetricAccessVerifyFailure)
		e.emitAudit(ctx, auditEventAccessVerifyFailure, false, "", ErrTokenInvalid, func() map[string]string {
			return map[string]string{"reason": "decode_failed"}
		})
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, res.Err)
	}
}

// JWKS describes the jwks operation and its observable behavior.
//
// JWKS may return an error when input validation, dependency calls, or security checks fail.
// JWKS does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) JWKS() (keyset.JWKS, error) {
	if e == nil || e.keys == nil {
		return keyset.JWKS{}, ErrEngineNotReady
	}
	return e.keys.JWKS()
}

// PurgeExpired runs one registry expiry sweep and returns the number of
// records removed. The background loop calls this on its ticker; it is
// exported so integrators can drive sweeps from their own scheduler instead.
func (e *Engine) PurgeExpired(ctx context.Context) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}

	opCtx, cancel := e.registryCtx(ctx)
	defer cancel()

	removed, err := e.store.PurgeExpired(opCtx, time.Now())
	if err != nil {
		e.metricInc(MetricStorageUnavailable)
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	e.metricInc(MetricPurgeRuns)
	e.metricAdd(MetricPurgedRecords, uint64(removed))
	e.emitAudit(ctx, auditEventPurgeCompleted, true, "", nil, func() map[string]string {
		return map[string]string{"removed": fmt.Sprintf("%d", removed)}
	})
	return removed, nil
}

func (e *Engine) startPurgeLoop() {
	interval := e.config.Registry.PurgeInterval
	if interval <= 0 {
		return
	}

	e.purgeStop = make(chan struct{})
	e.purgeWG.Add(1)
	go func() {
		defer e.purgeWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.PurgeExpired(context.Background()); err != nil {
					log.Print("authgate: registry purge sweep failed")
				}
			case <-e.purgeStop:
				return
			}
		}
	}()
}
