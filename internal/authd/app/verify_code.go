package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskhive/auth-core/internal/auth"
	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/observability"
)

// VerifyCode checks a candidate code against the stored encrypted record and,
// on success, resolves or creates the user account and issues a credential
// pair. The progressive delay precedes the check to flatten timing oracles.
func (s *AuthService) VerifyCode(ctx context.Context, rawPhone, candidate, countryCode, clientIP, userAgent, deviceInfo string) (*VerifyCodeResult, error) {
	ctx, span := tracer.Start(ctx, "auth.verify_code")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Normalize.
	phone, err := domain.NormalizePhone(rawPhone)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_phone")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	phoneHash := auth.HashPhone(phone)

	// 2-3. IP rate limit, then the per-phone lock flag.
	if err := s.checkVerifyLimits(ctx, phone, phoneHash, clientIP); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 4. Progressive delay driven by the phone's failed-attempt counter.
	s.applyProgressiveDelay(ctx, phoneHash)

	// 5-8. Validate the candidate against the stored record.
	if err := s.checkCandidate(ctx, phone, phoneHash, candidate, clientIP, userAgent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 9. Resolve or create the account.
	user, isNew, err := s.resolveUser(ctx, phoneHash, countryCode)
	if err != nil {
		if errors.Is(err, domain.ErrUserBlocked) {
			s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, userAgent, "user_blocked")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 10. Issue the credential pair with a fresh refresh family.
	pair, err := s.issueCredentialPair(ctx, user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 11. Stamp last login (sets verified on first success) and audit.
	now := s.clock.Now().UTC().Format(time.RFC3339)
	if err := s.userStore.SetLastLogin(ctx, user.UserID, now, !user.Verified); err != nil {
		logger.WarnContext(ctx, "failed to stamp last login", "error", err, "user_id", user.UserID)
	}

	s.audit(ctx, AuditEntry{
		EventType:   domain.AuditCodeVerified,
		Success:     true,
		UserID:      user.UserID,
		PhoneMasked: phone.Masked(),
		PhoneHash:   phoneHash,
		IP:          clientIP,
		UserAgent:   userAgent,
		DeviceInfo:  deviceInfo,
		EventData:   map[string]string{"is_new_user": fmt.Sprintf("%t", isNew)},
	})

	codeVerifiedTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Bool("auth.is_new_user", isNew))
	logger.InfoContext(ctx, "auth.code_verified",
		"user_id", user.UserID,
		"phone_hash", phoneHash,
		"is_new_user", isNew,
	)

	return &VerifyCodeResult{
		UserID:                user.UserID,
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		ExpiresIn:             pair.ExpiresIn,
		Role:                  user.Role,
		RequiresRoleSelection: user.Role == "",
		IsNewUser:             isNew,
	}, nil
}

// checkVerifyLimits enforces the per-IP verification cap (fail-open on
// limiter errors, mirroring the send flow's IP policy) and the per-phone
// lock flag (fail-closed).
func (s *AuthService) checkVerifyLimits(ctx context.Context, phone domain.PhoneNumber, phoneHash, clientIP string) error {
	status, err := s.rateLimiter.CheckVerify(ctx, clientIP)
	if err != nil {
		s.logger.WarnContext(ctx, "ip rate limit check failed, proceeding (fail-open)",
			"error", err, "client_ip", clientIP)
	} else if !status.Allowed {
		s.logViolation(ctx, phone, phoneHash, clientIP, "verify_code", "exceeded")
		return &domain.RateLimitError{
			Sentinel:   domain.ErrIPRateLimited,
			Limit:      status.Limit,
			Window:     status.Window,
			RetryAfter: status.RetryAfter,
		}
	}

	if err == nil {
		if incErr := s.rateLimiter.IncrementVerify(ctx, clientIP); incErr != nil {
			s.logger.WarnContext(ctx, "failed to increment verify counter", "error", incErr)
		}
	}

	lock, err := s.rateLimiter.CheckLock(ctx, phoneHash)
	if err != nil {
		return fmt.Errorf("check lock: %w", errors.Join(err, domain.ErrUnavailable))
	}
	if lock.Locked {
		s.logViolation(ctx, phone, phoneHash, clientIP, "verify_code", "locked")
		return &domain.LockedError{Reason: lock.Reason, RetryAfter: lock.RetryAfter}
	}
	return nil
}

// applyProgressiveDelay sleeps min(base * 2^(n-1), max) where n is the
// phone's failed-attempt count. No delay before the first failure.
func (s *AuthService) applyProgressiveDelay(ctx context.Context, phoneHash string) {
	n, err := s.rateLimiter.FailureCount(ctx, phoneHash)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read failure count, skipping delay", "error", err)
		return
	}
	if n <= 0 {
		return
	}

	delay := domain.ProgressiveDelayMin << (n - 1)
	if delay > domain.ProgressiveDelayMax || delay <= 0 {
		delay = domain.ProgressiveDelayMax
	}
	s.sleep(ctx, delay)
}

// checkCandidate retrieves the stored record, applies the attempt budget,
// and verifies the candidate. On success the record is cleared and the
// phone's limiter state reset.
func (s *AuthService) checkCandidate(ctx context.Context, phone domain.PhoneNumber, phoneHash, candidate, clientIP, userAgent string) error {
	record, backend, err := s.codeStore.Get(ctx, phone)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, userAgent, "no_active_code")
			return domain.ErrInvalidVerificationCode
		}
		return fmt.Errorf("get verification code: %w", errors.Join(err, domain.ErrUnavailable))
	}
	if backend == BackendSecondary {
		storeFallbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "get")))
	}

	// Atomic increment is the synchronization point between concurrent
	// verification attempts.
	attempts, err := s.codeStore.IncrementAttempts(ctx, phone)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", errors.Join(err, domain.ErrUnavailable))
	}

	if attempts > s.limits.MaxVerifyAttempts {
		if clearErr := s.codeStore.Clear(ctx, phone); clearErr != nil {
			s.logger.ErrorContext(ctx, "failed to clear exhausted code", "error", clearErr)
		}
		s.recordVerifyFailure(ctx, phone, phoneHash, clientIP)
		s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, userAgent, "max_attempts_exceeded")
		return domain.ErrMaxAttemptsExceeded
	}

	if verifyErr := s.cipher.Verify(*record, candidate); verifyErr != nil {
		s.recordVerifyFailure(ctx, phone, phoneHash, clientIP)
		if errors.Is(verifyErr, domain.ErrCodeExpired) {
			s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, userAgent, "code_expired")
			return domain.ErrCodeExpired
		}
		// The final wrong attempt exhausts the code immediately; no further
		// attempt is possible.
		if attempts >= s.limits.MaxVerifyAttempts {
			if clearErr := s.codeStore.Clear(ctx, phone); clearErr != nil {
				s.logger.ErrorContext(ctx, "failed to clear exhausted code", "error", clearErr)
			}
			s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, userAgent, "max_attempts_exceeded")
			return domain.ErrMaxAttemptsExceeded
		}
		s.auditVerifyFailure(ctx, phone, phoneHash, clientIP, userAgent, "code_mismatch")
		remaining := s.limits.MaxVerifyAttempts - attempts
		return fmt.Errorf("%w: %d attempts remaining", domain.ErrInvalidVerificationCode, remaining)
	}

	// Success: single use, then forget the failure history.
	if clearErr := s.codeStore.Clear(ctx, phone); clearErr != nil {
		s.logger.ErrorContext(ctx, "failed to clear used code", "error", clearErr)
	}
	if resetErr := s.rateLimiter.Reset(ctx, phoneHash); resetErr != nil {
		s.logger.WarnContext(ctx, "failed to reset limiter state", "error", resetErr)
	}
	return nil
}

// recordVerifyFailure feeds the failure counter behind the progressive delay
// and the brute-force lockout, auditing the lockout when it triggers.
func (s *AuthService) recordVerifyFailure(ctx context.Context, phone domain.PhoneNumber, phoneHash, clientIP string) {
	locked, err := s.rateLimiter.RecordFailure(ctx, phoneHash, domain.LockReasonOTP)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record verification failure", "error", err)
		return
	}
	if locked {
		lockoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(domain.LockReasonOTP))))
		s.audit(ctx, AuditEntry{
			EventType:   domain.AuditLockout,
			Success:     false,
			PhoneMasked: phone.Masked(),
			PhoneHash:   phoneHash,
			IP:          clientIP,
			EventData:   map[string]string{"reason": string(domain.LockReasonOTP)},
		})
	}
}

// auditVerifyFailure records a failed verification attempt.
func (s *AuthService) auditVerifyFailure(ctx context.Context, phone domain.PhoneNumber, phoneHash, clientIP, userAgent, reason string) {
	authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	s.audit(ctx, AuditEntry{
		EventType:     domain.AuditVerifyFailed,
		Success:       false,
		PhoneMasked:   phone.Masked(),
		PhoneHash:     phoneHash,
		IP:            clientIP,
		UserAgent:     userAgent,
		FailureReason: reason,
	})
}

// resolveUser finds the account keyed by (phone_hash, country_code) or
// creates it. Blocked accounts are rejected.
func (s *AuthService) resolveUser(ctx context.Context, phoneHash, countryCode string) (*UserRecord, bool, error) {
	user, err := s.userStore.FindByPhone(ctx, phoneHash, countryCode)
	if err == nil {
		if user.Blocked {
			return nil, false, domain.ErrUserBlocked
		}
		return user, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("find user: %w", err)
	}

	now := s.clock.Now().UTC().Format(time.RFC3339)
	fresh := UserRecord{
		UserID:      domain.GenerateUserID().String(),
		PhoneHash:   phoneHash,
		CountryCode: countryCode,
		Verified:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if createErr := s.userStore.Create(ctx, fresh); createErr != nil {
		// Lost the creation race: another request registered this phone.
		if errors.Is(createErr, domain.ErrAlreadyExists) {
			existing, findErr := s.userStore.FindByPhone(ctx, phoneHash, countryCode)
			if findErr != nil {
				return nil, false, fmt.Errorf("find user after race: %w", findErr)
			}
			if existing.Blocked {
				return nil, false, domain.ErrUserBlocked
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create user: %w", createErr)
	}

	return &fresh, true, nil
}

// issueCredentialPair mints an access credential and persists a refresh
// credential in a fresh family.
func (s *AuthService) issueCredentialPair(ctx context.Context, user *UserRecord) (*RefreshResult, error) {
	userID, err := domain.NewUserID(user.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid stored user ID: %w", err)
	}

	mintResult, err := s.minter.MintAccessToken(userID, domain.Role(user.Role), user.Verified)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	refreshToken, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := s.clock.Now().UTC()
	expiry := now.Add(domain.RefreshTokenLifetime)
	rec := RefreshRecord{
		CredentialID: domain.GenerateCredentialID().String(),
		UserID:       user.UserID,
		FamilyID:     domain.GenerateFamilyID().String(),
		TokenHash:    auth.HashRefreshToken(refreshToken),
		CreatedAt:    now.Format(time.RFC3339),
		ExpiresAt:    expiry.Format(time.RFC3339),
		TTL:          expiry.Unix(),
	}
	if err := s.refreshStore.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist refresh credential: %w", err)
	}

	tokenMintedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", "verify_code")))

	return &RefreshResult{
		AccessToken:  mintResult.Token,
		RefreshToken: refreshToken,
		ExpiresIn:    int(domain.AccessTokenLifetime.Seconds()),
	}, nil
}
