package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/dynamo"
	redisclient "github.com/taskhive/auth-core/internal/redis"
)

// blacklistKeyPrefix marks a revoked access-credential JTI.
// Key pattern: blacklist:jti:{jti}.
const blacklistKeyPrefix = "blacklist:jti:"

// blacklistDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the durable blacklist.
type blacklistDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error)
}

// blacklistItem is the DynamoDB item shape for the token_blacklist table.
type blacklistItem struct {
	JTI       string `dynamodbav:"jti"`
	ExpiresAt string `dynamodbav:"expires_at"`
	RevokedAt string `dynamodbav:"revoked_at"`
	TTL       int64  `dynamodbav:"ttl"`
}

// Compile-time check: BlacklistStore satisfies app.Blacklist.
var _ app.Blacklist = (*BlacklistStore)(nil)

// BlacklistStore tracks revoked JTIs in Redis for fast reads, with a durable
// DynamoDB row that survives a cache flush. Reads consult Redis first and
// fall back to DynamoDB when Redis is unreachable, so revocation outlives a
// cache outage.
type BlacklistStore struct {
	cmd       redisclient.Cmdable
	db        blacklistDynamoDB
	tableName string
	clock     domain.Clock
	logger    *slog.Logger
}

// NewBlacklistStore creates a BlacklistStore over both backends.
func NewBlacklistStore(cmd redisclient.Cmdable, db blacklistDynamoDB, tableName string, clock domain.Clock, logger *slog.Logger) *BlacklistStore {
	return &BlacklistStore{cmd: cmd, db: db, tableName: tableName, clock: clock, logger: logger}
}

// Revoke records the JTI in both backends until the credential's natural
// expiry. The durable write must succeed; the cache write is best-effort
// because the durable row backs the read fallback.
func (s *BlacklistStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ctx, span := tracer.Start(ctx, "blacklist.revoke")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "dynamodb"))

	now := s.clock.Now().UTC()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		// Already expired; nothing can be replayed.
		return nil
	}

	item := blacklistItem{
		JTI:       jti,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
		RevokedAt: now.Format(time.RFC3339),
		TTL:       expiresAt.Unix(),
	}
	av, err := dynamo.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("blacklist: marshal item: %w", err)
	}
	if _, err := s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("blacklist: revoke %q: %w", jti, err)
	}

	if err := s.cmd.Set(ctx, blacklistKeyPrefix+jti, "1", ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "blacklist cache write failed, durable row holds",
			"error", err, "jti", jti)
	}
	return nil
}

// IsRevoked checks the cache first. When Redis is unreachable the durable
// row answers; the caller gets an error only when both backends fail.
func (s *BlacklistStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, span := tracer.Start(ctx, "blacklist.is_revoked")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"))

	exists, redisErr := s.cmd.Exists(ctx, blacklistKeyPrefix+jti).Result()
	if redisErr == nil {
		if exists > 0 {
			return true, nil
		}
		return false, nil
	}
	s.logger.WarnContext(ctx, "blacklist cache read failed, consulting durable store",
		"error", redisErr, "jti", jti)

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"jti": &dynamo.AttributeValueMemberS{Value: jti},
		},
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("blacklist: both backends failed: %w", errors.Join(redisErr, err))
	}
	if out.Item == nil {
		return false, nil
	}

	var item blacklistItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return false, fmt.Errorf("blacklist: unmarshal item: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339, item.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("blacklist: parse expiry: %w", err)
	}
	return s.clock.Now().UTC().Before(expiresAt), nil
}

// PurgeExpired removes durable rows whose expiry elapsed before DynamoDB TTL
// reaped them. Called by the janitor; Redis entries expire on their own.
func (s *BlacklistStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "blacklist.purge_expired")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Scan"),
	)

	filterExpr := "expires_at < :now"
	projExpr := "jti"
	out, err := s.db.Scan(ctx, &dynamo.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: &filterExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":now": &dynamo.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
		},
		ProjectionExpression: &projExpr,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("blacklist: scan expired: %w", err)
	}

	purged := 0
	for _, raw := range out.Items {
		var row struct {
			JTI string `dynamodbav:"jti"`
		}
		if err := dynamo.UnmarshalMap(raw, &row); err != nil {
			continue
		}
		if _, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
			TableName: &s.tableName,
			Key: map[string]dynamo.AttributeValue{
				"jti": &dynamo.AttributeValueMemberS{Value: row.JTI},
			},
		}); err != nil {
			return purged, fmt.Errorf("blacklist: purge %q: %w", row.JTI, err)
		}
		purged++
	}
	return purged, nil
}
