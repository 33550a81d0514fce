package app

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/observability"
)

// Logout blacklists the access credential's JTI until its natural expiry and
// revokes every refresh credential the subject holds.
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	ctx, span := tracer.Start(ctx, "auth.logout")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Full validation including expiry and the blacklist itself, so a
	// second logout with the same credential fails cleanly.
	claims, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_token")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// 2. Blacklist the JTI for the credential's remaining lifetime.
	if err := s.blacklist.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("blacklist jti: %w", err)
	}

	// 3. Revoke the subject's refresh credentials.
	revoked, err := s.refreshStore.RevokeAllForUser(ctx, claims.Subject)
	if err != nil {
		logger.ErrorContext(ctx, "failed to revoke refresh credentials on logout",
			"error", err, "user_id", claims.Subject)
	}

	s.audit(ctx, AuditEntry{
		EventType: domain.AuditLogout,
		Success:   true,
		UserID:    claims.Subject,
		EventData: map[string]string{"refresh_revoked": fmt.Sprintf("%d", revoked)},
	})
	logger.InfoContext(ctx, "auth.logout", "user_id", claims.Subject, "refresh_revoked", revoked)

	return nil
}
