package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/observability"
)

// SelectRole sets the user's role exactly once. The write is conditional on
// the role being unset, so a concurrent selection loses cleanly.
func (s *AuthService) SelectRole(ctx context.Context, userID, rawRole string) (*UserRecord, error) {
	ctx, span := tracer.Start(ctx, "auth.select_role")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	role, err := domain.ParseRole(rawRole)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	user, err := s.userStore.GetByID(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user.Blocked {
		span.SetStatus(codes.Error, "user blocked")
		return nil, domain.ErrUserBlocked
	}
	if user.Role != "" {
		span.SetStatus(codes.Error, "role already selected")
		return nil, domain.ErrRoleAlreadySelected
	}

	now := s.clock.Now().UTC().Format(time.RFC3339)
	if err := s.userStore.SelectRole(ctx, userID, role.String(), now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrRoleAlreadySelected) {
			return nil, domain.ErrRoleAlreadySelected
		}
		return nil, fmt.Errorf("persist role: %w", err)
	}

	user.Role = role.String()
	user.UpdatedAt = now

	s.audit(ctx, AuditEntry{
		EventType: domain.AuditRoleSelected,
		Success:   true,
		UserID:    userID,
		EventData: map[string]string{"role": role.String()},
	})
	roleSelectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role.String())))
	logger.InfoContext(ctx, "auth.role_selected", "user_id", userID, "role", role.String())

	return user, nil
}
