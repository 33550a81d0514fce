package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/dynamo"
)

const (
	// GSIs on the refresh_tokens table.
	tokenHashIndexName = "token_hash_index"
	familyIndexName    = "family_index"
	userIndexName      = "user_index"
)

// refreshDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the refresh credential store.
type refreshDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	Scan(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

// refreshItem is the DynamoDB item shape for the refresh_tokens table.
type refreshItem struct {
	CredentialID string `dynamodbav:"credential_id"`
	UserID       string `dynamodbav:"user_id"`
	FamilyID     string `dynamodbav:"family_id"`
	TokenHash    string `dynamodbav:"token_hash"`
	Revoked      bool   `dynamodbav:"revoked"`
	RotatedTo    string `dynamodbav:"rotated_to,omitempty"`
	CreatedAt    string `dynamodbav:"created_at"`
	ExpiresAt    string `dynamodbav:"expires_at"`
	TTL          int64  `dynamodbav:"ttl"`
}

// Compile-time check: RefreshStore satisfies app.RefreshStore.
var _ app.RefreshStore = (*RefreshStore)(nil)

// RefreshStore persists refresh credentials in DynamoDB. Rotation uses a
// transaction so a credential can be rotated exactly once; the second rotation
// attempt trips the condition and surfaces as a reuse.
type RefreshStore struct {
	db        refreshDynamoDB
	tableName string
}

// NewRefreshStore creates a RefreshStore backed by the given DynamoDB client.
func NewRefreshStore(db refreshDynamoDB, tableName string) *RefreshStore {
	return &RefreshStore{db: db, tableName: tableName}
}

// Create inserts a new credential. The credential ID must be fresh.
func (s *RefreshStore) Create(ctx context.Context, rec app.RefreshRecord) error {
	ctx, span := tracer.Start(ctx, "dynamo.refresh.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	av, err := dynamo.MarshalMap(refreshItem(rec))
	if err != nil {
		return fmt.Errorf("refresh store: marshal credential: %w", err)
	}

	condExpr := "attribute_not_exists(credential_id)"
	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: &condExpr,
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("refresh store: create: %w", domain.ErrAlreadyExists)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("refresh store: create: %w", err)
	}
	return nil
}

// GetByHash looks up a credential by its token hash via the hash GSI.
func (s *RefreshStore) GetByHash(ctx context.Context, tokenHash string) (*app.RefreshRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.refresh.get_by_hash")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Query"),
	)

	indexName := tokenHashIndexName
	keyExpr := "token_hash = :th"
	out, err := s.db.Query(ctx, &dynamo.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &indexName,
		KeyConditionExpression: &keyExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":th": &dynamo.AttributeValueMemberS{Value: tokenHash},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("refresh store: get by hash: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("refresh store: get by hash: %w", domain.ErrNotFound)
	}

	var item refreshItem
	if err := dynamo.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, fmt.Errorf("refresh store: unmarshal credential: %w", err)
	}
	rec := app.RefreshRecord(item)
	return &rec, nil
}

// Rotate revokes the predecessor and inserts the successor in one
// transaction. The revocation is conditional on the predecessor still being
// active; losing that race means another rotation already consumed the
// credential, which surfaces as domain.ErrRefreshTokenReuse.
func (s *RefreshStore) Rotate(ctx context.Context, predecessorID string, successor app.RefreshRecord) error {
	ctx, span := tracer.Start(ctx, "dynamo.refresh.rotate")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "TransactWriteItems"),
	)

	av, err := dynamo.MarshalMap(refreshItem(successor))
	if err != nil {
		return fmt.Errorf("refresh store: marshal successor: %w", err)
	}

	revokeExpr := "SET revoked = :true, rotated_to = :succ"
	activeCond := "attribute_exists(credential_id) AND revoked = :false"
	freshCond := "attribute_not_exists(credential_id)"
	_, err = s.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{
		TransactItems: []dynamo.TransactWriteItem{
			{Update: &dynamo.Update{
				TableName: &s.tableName,
				Key: map[string]dynamo.AttributeValue{
					"credential_id": &dynamo.AttributeValueMemberS{Value: predecessorID},
				},
				UpdateExpression:    &revokeExpr,
				ConditionExpression: &activeCond,
				ExpressionAttributeValues: map[string]dynamo.AttributeValue{
					":true":  &dynamo.AttributeValueMemberBOOL{Value: true},
					":false": &dynamo.AttributeValueMemberBOOL{Value: false},
					":succ":  &dynamo.AttributeValueMemberS{Value: successor.CredentialID},
				},
			}},
			{Put: &dynamo.Put{
				TableName:           &s.tableName,
				Item:                av,
				ConditionExpression: &freshCond,
			}},
		},
	})
	if err != nil {
		if reasons, ok := dynamo.IsTransactionCanceledException(err); ok {
			for _, reason := range reasons {
				if reason == "ConditionalCheckFailed" {
					return fmt.Errorf("refresh store: rotate %q: %w", predecessorID, domain.ErrRefreshTokenReuse)
				}
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("refresh store: rotate %q: %w", predecessorID, err)
	}
	return nil
}

// RevokeFamily revokes every credential in a family via the family GSI.
func (s *RefreshStore) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	ctx, span := tracer.Start(ctx, "dynamo.refresh.revoke_family")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Query"),
	)

	indexName := familyIndexName
	keyExpr := "family_id = :fid"
	out, err := s.db.Query(ctx, &dynamo.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &indexName,
		KeyConditionExpression: &keyExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":fid": &dynamo.AttributeValueMemberS{Value: familyID},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("refresh store: query family %q: %w", familyID, err)
	}
	return s.revokeItems(ctx, out.Items)
}

// RevokeAllForUser revokes every active credential owned by a user via the
// user GSI. Used on logout.
func (s *RefreshStore) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	ctx, span := tracer.Start(ctx, "dynamo.refresh.revoke_all_for_user")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Query"),
	)

	indexName := userIndexName
	keyExpr := "user_id = :uid"
	out, err := s.db.Query(ctx, &dynamo.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &indexName,
		KeyConditionExpression: &keyExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":uid": &dynamo.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("refresh store: query user %q: %w", userID, err)
	}
	return s.revokeItems(ctx, out.Items)
}

// revokeItems marks each queried credential revoked, skipping ones that are
// already. Returns the number newly revoked.
func (s *RefreshStore) revokeItems(ctx context.Context, items []map[string]dynamo.AttributeValue) (int, error) {
	revokeExpr := "SET revoked = :true"
	activeCond := "revoked = :false"

	revoked := 0
	for _, raw := range items {
		var item refreshItem
		if err := dynamo.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		if item.Revoked {
			continue
		}
		_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
			TableName: &s.tableName,
			Key: map[string]dynamo.AttributeValue{
				"credential_id": &dynamo.AttributeValueMemberS{Value: item.CredentialID},
			},
			UpdateExpression:    &revokeExpr,
			ConditionExpression: &activeCond,
			ExpressionAttributeValues: map[string]dynamo.AttributeValue{
				":true":  &dynamo.AttributeValueMemberBOOL{Value: true},
				":false": &dynamo.AttributeValueMemberBOOL{Value: false},
			},
		})
		if err != nil {
			if dynamo.IsConditionalCheckFailed(err) {
				// Lost a race to another revocation; already done.
				continue
			}
			return revoked, fmt.Errorf("refresh store: revoke %q: %w", item.CredentialID, err)
		}
		revoked++
	}
	return revoked, nil
}

// DeleteExpired removes credentials whose expiry elapsed before DynamoDB TTL
// reaped them. Called by the janitor.
func (s *RefreshStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "dynamo.refresh.delete_expired")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Scan"),
	)

	filterExpr := "expires_at < :now"
	projExpr := "credential_id"
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
		return 0, fmt.Errorf("refresh store: scan expired: %w", err)
	}

	deleted := 0
	for _, raw := range out.Items {
		var row struct {
			CredentialID string `dynamodbav:"credential_id"`
		}
		if err := dynamo.UnmarshalMap(raw, &row); err != nil {
			continue
		}
		if _, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
			TableName: &s.tableName,
			Key: map[string]dynamo.AttributeValue{
				"credential_id": &dynamo.AttributeValueMemberS{Value: row.CredentialID},
			},
		}); err != nil {
			return deleted, fmt.Errorf("refresh store: delete %q: %w", row.CredentialID, err)
		}
		deleted++
	}
	return deleted, nil
}
