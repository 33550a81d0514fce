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

// Refresh rotates a credential pair. Presenting a revoked credential is
// treated as evidence of theft: the whole family is revoked before the
// request is rejected.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	ctx, span := tracer.Start(ctx, "auth.refresh")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Look up by hash; the raw credential is never stored.
	tokenHash := auth.HashRefreshToken(refreshToken)
	rec, err := s.refreshStore.GetByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.auditRefreshFailure(ctx, "", "unknown_token")
			span.SetStatus(codes.Error, "unknown refresh token")
			return nil, domain.ErrInvalidRefreshToken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("look up refresh credential: %w", err)
	}

	// 2. Revoked or expired credentials are invalid; a revoked one also
	// condemns its whole family.
	if rec.Revoked {
		s.revokeFamilyOnReuse(ctx, rec)
		s.auditRefreshFailure(ctx, rec.UserID, "token_reuse")
		span.SetStatus(codes.Error, "refresh token reuse detected")
		logger.WarnContext(ctx, "auth.refresh_token_reuse",
			"user_id", rec.UserID, "family_id", rec.FamilyID)
		return nil, domain.ErrRefreshTokenReuse
	}
	expired, err := s.recordExpired(rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if expired {
		s.auditRefreshFailure(ctx, rec.UserID, "token_expired")
		span.SetStatus(codes.Error, "refresh token expired")
		return nil, domain.ErrInvalidRefreshToken
	}

	// 3. Load the owner; blocked accounts cannot refresh.
	user, err := s.userStore.GetByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.auditRefreshFailure(ctx, rec.UserID, "owner_missing")
			return nil, domain.ErrInvalidRefreshToken
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load credential owner: %w", err)
	}
	if user.Blocked {
		s.auditRefreshFailure(ctx, rec.UserID, "user_blocked")
		span.SetStatus(codes.Error, "user blocked")
		return nil, domain.ErrUserBlocked
	}

	// 4. Rotate within the same family. The conditional write serializes
	// concurrent refreshes of the same credential; the loser sees reuse.
	result, err := s.rotate(ctx, rec, user)
	if err != nil {
		if errors.Is(err, domain.ErrRefreshTokenReuse) {
			s.revokeFamilyOnReuse(ctx, rec)
			s.auditRefreshFailure(ctx, rec.UserID, "rotation_race")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.audit(ctx, AuditEntry{
		EventType: domain.AuditTokenRefresh,
		Success:   true,
		UserID:    rec.UserID,
		EventData: map[string]string{"family_id": rec.FamilyID},
	})
	logger.InfoContext(ctx, "auth.token_refreshed",
		"user_id", rec.UserID, "family_id", rec.FamilyID)

	return result, nil
}

// rotate mints the new pair and persists the successor credential, marking
// the predecessor revoked with its successor pointer set.
func (s *AuthService) rotate(ctx context.Context, rec *RefreshRecord, user *UserRecord) (*RefreshResult, error) {
	newToken, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := s.clock.Now().UTC()
	expiry := now.Add(domain.RefreshTokenLifetime)
	successor := RefreshRecord{
		CredentialID: domain.GenerateCredentialID().String(),
		UserID:       rec.UserID,
		FamilyID:     rec.FamilyID,
		TokenHash:    auth.HashRefreshToken(newToken),
		CreatedAt:    now.Format(time.RFC3339),
		ExpiresAt:    expiry.Format(time.RFC3339),
		TTL:          expiry.Unix(),
	}

	if err := s.refreshStore.Rotate(ctx, rec.CredentialID, successor); err != nil {
		if errors.Is(err, domain.ErrRefreshTokenReuse) {
			return nil, domain.ErrRefreshTokenReuse
		}
		return nil, fmt.Errorf("rotate refresh credential: %w", err)
	}

	userID, err := domain.NewUserID(user.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid stored user ID: %w", err)
	}
	mintResult, err := s.minter.MintAccessToken(userID, domain.Role(user.Role), user.Verified)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	tokenMintedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", "refresh")))

	return &RefreshResult{
		AccessToken:  mintResult.Token,
		RefreshToken: newToken,
		ExpiresIn:    int(domain.AccessTokenLifetime.Seconds()),
	}, nil
}

// revokeFamilyOnReuse revokes every sibling of a compromised credential.
func (s *AuthService) revokeFamilyOnReuse(ctx context.Context, rec *RefreshRecord) {
	if rec.FamilyID == "" {
		return
	}
	n, err := s.refreshStore.RevokeFamily(ctx, rec.FamilyID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke credential family",
			"error", err, "family_id", rec.FamilyID)
		return
	}
	familyRevokedTotal.Add(ctx, 1)
	s.logger.WarnContext(ctx, "auth.refresh_family_revoked",
		"family_id", rec.FamilyID, "revoked", n)
}

// recordExpired reports whether the credential's expiry has elapsed.
func (s *AuthService) recordExpired(rec *RefreshRecord) (bool, error) {
	expiresAt, err := time.Parse(time.RFC3339, rec.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("parse refresh expiry: %w", err)
	}
	return !s.clock.Now().UTC().Before(expiresAt), nil
}

// auditRefreshFailure records a failed refresh attempt.
func (s *AuthService) auditRefreshFailure(ctx context.Context, userID, reason string) {
	authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	s.audit(ctx, AuditEntry{
		EventType:     domain.AuditTokenRefresh,
		Success:       false,
		UserID:        userID,
		FailureReason: reason,
	})
}
