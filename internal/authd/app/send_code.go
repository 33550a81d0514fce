package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskhive/auth-core/internal/auth"
	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/observability"
)

// SendCode generates a verification code, stores it encrypted, and delivers
// it by SMS. The rate limiter is consulted before the resend cooldown so the
// more restrictive condition wins.
func (s *AuthService) SendCode(ctx context.Context, rawPhone, countryCode, clientIP string) (*SendCodeResult, error) {
	ctx, span := tracer.Start(ctx, "auth.send_code")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	// 1. Normalize to E.164.
	phone, err := domain.NormalizePhone(rawPhone)
	if err != nil {
		authFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_phone")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	phoneHash := auth.HashPhone(phone)

	// 2. Rate limit: per-phone send caps and lockout (fail-closed).
	if err := s.checkSendLimits(ctx, phone, phoneHash, clientIP); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 3. Resend cooldown: a live code younger than the cooldown blocks resend.
	if err := s.checkResendCooldown(ctx, phone); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// 4-5. Generate and seal the code.
	code, err := auth.GenerateCode()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate verification code: %w", err)
	}

	record, err := s.cipher.Encrypt(code, phone, s.limits.CodeValidity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("encrypt verification code: %w", err)
	}

	// 6. Store — supersedes any prior code for this phone.
	backend, err := s.codeStore.Put(ctx, record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store verification code: %w", errors.Join(err, domain.ErrUnavailable))
	}
	if backend == BackendSecondary {
		storeFallbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "put")))
	}

	// 7. Deliver. On transport failure the just-stored code is cleared so a
	// code the caller never received cannot linger.
	messageID, sendErr := s.sms.Send(ctx, phone, s.formatCodeMessage(code.Expose()))
	if sendErr != nil {
		if clearErr := s.codeStore.Clear(ctx, phone); clearErr != nil {
			logger.ErrorContext(ctx, "failed to clear code after SMS failure",
				"error", clearErr, "phone_hash", phoneHash)
		}
		s.audit(ctx, AuditEntry{
			EventType:     domain.AuditCodeSent,
			Success:       false,
			PhoneMasked:   phone.Masked(),
			PhoneHash:     phoneHash,
			IP:            clientIP,
			FailureReason: "sms_delivery_failed",
		})
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, sendErr.Error())
		logger.ErrorContext(ctx, "sms delivery failed",
			"error", sendErr, "phone_hash", phoneHash, "provider", s.sms.Name())
		return nil, fmt.Errorf("deliver verification code: %w", domain.ErrUnavailable)
	}

	// 8. Count the successful send.
	if err := s.rateLimiter.IncrementSMS(ctx, phoneHash); err != nil {
		logger.WarnContext(ctx, "failed to increment sms counter", "error", err, "phone_hash", phoneHash)
	}

	// 9. Audit — masked phone, no code material.
	now := s.clock.Now().UTC()
	s.audit(ctx, AuditEntry{
		EventType:   domain.AuditCodeSent,
		Success:     true,
		PhoneMasked: phone.Masked(),
		PhoneHash:   phoneHash,
		IP:          clientIP,
		EventData: map[string]string{
			"country_code": countryCode,
			"message_id":   messageID,
			"backend":      string(backend),
		},
	})

	codeSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", string(backend))))
	logger.InfoContext(ctx, "auth.code_sent", "phone_hash", phoneHash, "backend", string(backend))

	return &SendCodeResult{
		NextResendAt: now.Add(s.limits.ResendCooldown),
		Backend:      backend,
	}, nil
}

// checkSendLimits enforces the per-phone lockout and send caps (fail-closed).
func (s *AuthService) checkSendLimits(ctx context.Context, phone domain.PhoneNumber, phoneHash, clientIP string) error {
	lock, err := s.rateLimiter.CheckLock(ctx, phoneHash)
	if err != nil {
		return fmt.Errorf("check lock: %w", errors.Join(err, domain.ErrUnavailable))
	}
	if lock.Locked {
		s.logViolation(ctx, phone, phoneHash, clientIP, "send_code", "locked")
		return &domain.LockedError{Reason: lock.Reason, RetryAfter: lock.RetryAfter}
	}

	status, err := s.rateLimiter.CheckSMS(ctx, phoneHash)
	if err != nil {
		return fmt.Errorf("check sms rate limit: %w", errors.Join(err, domain.ErrUnavailable))
	}
	if !status.Allowed {
		s.logViolation(ctx, phone, phoneHash, clientIP, "send_code", "exceeded")
		return &domain.RateLimitError{
			Sentinel:   domain.ErrPhoneRateLimited,
			Limit:      status.Limit,
			Window:     status.Window,
			RetryAfter: status.RetryAfter,
		}
	}
	return nil
}

// checkResendCooldown rejects a resend while the live code is younger than
// the cooldown. Creation age is derived from the remaining TTL.
func (s *AuthService) checkResendCooldown(ctx context.Context, phone domain.PhoneNumber) error {
	ttl, ok, err := s.codeStore.TTL(ctx, phone)
	if err != nil {
		return fmt.Errorf("check resend cooldown: %w", errors.Join(err, domain.ErrUnavailable))
	}
	if !ok {
		return nil
	}

	age := s.limits.CodeValidity - ttl
	if age < s.limits.ResendCooldown {
		return &domain.RateLimitError{
			Sentinel:   domain.ErrResendCooldown,
			Limit:      1,
			Window:     s.limits.ResendCooldown,
			RetryAfter: s.limits.ResendCooldown - age,
		}
	}
	return nil
}

// logViolation records a rate-limit violation in metrics and the audit log.
func (s *AuthService) logViolation(ctx context.Context, phone domain.PhoneNumber, phoneHash, clientIP, endpoint, kind string) {
	rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("kind", kind),
	))
	s.audit(ctx, AuditEntry{
		EventType:   domain.AuditRateViolation,
		Success:     false,
		PhoneMasked: phone.Masked(),
		PhoneHash:   phoneHash,
		IP:          clientIP,
		EventData: map[string]string{
			"endpoint": endpoint,
			"kind":     kind,
		},
	})
}

// formatCodeMessage builds the SMS body carrying the verification code.
func (s *AuthService) formatCodeMessage(code string) string {
	minutes := int(s.limits.CodeValidity.Minutes())
	return fmt.Sprintf("Your TaskHive verification code is %s. It expires in %d minutes.", code, minutes)
}
