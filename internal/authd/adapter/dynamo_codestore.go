package adapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskhive/auth-core/internal/cipher"
	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/dynamo"
)

// codeDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the fallback code store. The *dynamodb.Client
// satisfies it; test stubs implement it directly.
type codeDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error)
}

// codeItem is the DynamoDB item shape for the otp_fallback table.
// Binary envelope fields are stored base64-encoded for a uniform string schema.
type codeItem struct {
	Phone        string `dynamodbav:"phone"`
	Ciphertext   string `dynamodbav:"ciphertext"`
	Nonce        string `dynamodbav:"nonce"`
	KeyID        string `dynamodbav:"key_id"`
	AttemptCount int    `dynamodbav:"attempt_count"`
	CreatedAt    string `dynamodbav:"created_at"`
	ExpiresAt    string `dynamodbav:"expires_at"`
	TTL          int64  `dynamodbav:"ttl"`
}

// DynamoCodeStore is the durable fallback verification-code backend, used
// when Redis is unreachable. DynamoDB TTL reaps rows lazily, so reads check
// expires_at themselves and the janitor sweeps leftovers.
type DynamoCodeStore struct {
	db        codeDynamoDB
	tableName string
	clock     domain.Clock
}

// NewDynamoCodeStore creates a DynamoCodeStore backed by the given client.
func NewDynamoCodeStore(db codeDynamoDB, tableName string, clock domain.Clock) *DynamoCodeStore {
	return &DynamoCodeStore{db: db, tableName: tableName, clock: clock}
}

// Put overwrites any prior code for the phone. A plain PutItem on the phone
// key is the supersede semantics here.
func (s *DynamoCodeStore) Put(ctx context.Context, rec cipher.EncryptedCode) error {
	ctx, span := tracer.Start(ctx, "dynamo.codestore.put")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	item := codeItem{
		Phone:        rec.Phone,
		Ciphertext:   base64.StdEncoding.EncodeToString(rec.Ciphertext),
		Nonce:        base64.StdEncoding.EncodeToString(rec.Nonce),
		KeyID:        rec.KeyID,
		AttemptCount: rec.AttemptCount,
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:    rec.ExpiresAt.UTC().Format(time.RFC3339),
		TTL:          rec.ExpiresAt.Unix(),
	}
	av, err := dynamo.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("fallback code store: marshal item: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("fallback code store: put: %w", err)
	}
	return nil
}

// Get retrieves the live code for phone using a strongly consistent read.
// Expired rows are treated as absent.
func (s *DynamoCodeStore) Get(ctx context.Context, phone domain.PhoneNumber) (*cipher.EncryptedCode, error) {
	ctx, span := tracer.Start(ctx, "dynamo.codestore.get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"phone": &dynamo.AttributeValueMemberS{Value: phone.String()},
		},
		ConsistentRead: dynamo.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fallback code store: get: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("fallback code store: get: %w", domain.ErrNotFound)
	}

	var item codeItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("fallback code store: unmarshal item: %w", err)
	}

	rec, err := item.toRecord()
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.clock.Now().UTC()) {
		return nil, fmt.Errorf("fallback code store: get: %w", domain.ErrNotFound)
	}
	return rec, nil
}

// TTL derives the remaining lifetime from the stored expiry.
func (s *DynamoCodeStore) TTL(ctx context.Context, phone domain.PhoneNumber) (time.Duration, bool, error) {
	rec, err := s.Get(ctx, phone)
	if err != nil {
		if domain.IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return rec.ExpiresAt.Sub(s.clock.Now().UTC()), true, nil
}

// IncrementAttempts atomically bumps attempt_count, returning the new value.
func (s *DynamoCodeStore) IncrementAttempts(ctx context.Context, phone domain.PhoneNumber) (int, error) {
	ctx, span := tracer.Start(ctx, "dynamo.codestore.increment_attempts")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	// Condition on the row existing: without it a concurrent Clear would be
	// undone by an upsert holding nothing but attempt_count.
	updateExpr := "SET attempt_count = if_not_exists(attempt_count, :zero) + :one"
	condExpr := "attribute_exists(phone)"
	out, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"phone": &dynamo.AttributeValueMemberS{Value: phone.String()},
		},
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":zero": &dynamo.AttributeValueMemberN{Value: "0"},
			":one":  &dynamo.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: dynamo.ReturnValueUpdatedNew,
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return 0, fmt.Errorf("fallback code store: increment attempts: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("fallback code store: increment attempts: %w", err)
	}

	var updated struct {
		AttemptCount int `dynamodbav:"attempt_count"`
	}
	if err := dynamo.UnmarshalMap(out.Attributes, &updated); err != nil {
		return 0, fmt.Errorf("fallback code store: unmarshal attempt count: %w", err)
	}
	return updated.AttemptCount, nil
}

// Clear deletes the row for phone.
func (s *DynamoCodeStore) Clear(ctx context.Context, phone domain.PhoneNumber) error {
	ctx, span := tracer.Start(ctx, "dynamo.codestore.clear")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "DeleteItem"),
	)

	_, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"phone": &dynamo.AttributeValueMemberS{Value: phone.String()},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("fallback code store: clear: %w", err)
	}
	return nil
}

// PurgeExpired removes rows whose expiry elapsed before DynamoDB TTL reaped
// them. Called by the janitor.
func (s *DynamoCodeStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "dynamo.codestore.purge_expired")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Scan"),
	)

	filterExpr := "expires_at < :now"
	projExpr := "phone"
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
		return 0, fmt.Errorf("fallback code store: scan expired: %w", err)
	}

	purged := 0
	for _, item := range out.Items {
		var row struct {
			Phone string `dynamodbav:"phone"`
		}
		if err := dynamo.UnmarshalMap(item, &row); err != nil {
			continue
		}
		_, err := s.db.DeleteItem(ctx, &dynamo.DeleteItemInput{
			TableName: &s.tableName,
			Key: map[string]dynamo.AttributeValue{
				"phone": &dynamo.AttributeValueMemberS{Value: row.Phone},
			},
		})
		if err != nil {
			return purged, fmt.Errorf("fallback code store: purge %q: %w", domain.MaskPhone(row.Phone), err)
		}
		purged++
	}
	return purged, nil
}

// toRecord converts the stored item back to a cipher envelope.
func (i codeItem) toRecord() (*cipher.EncryptedCode, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(i.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("fallback code store: decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(i.Nonce)
	if err != nil {
		return nil, fmt.Errorf("fallback code store: decode nonce: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339, i.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("fallback code store: parse created_at: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339, i.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("fallback code store: parse expires_at: %w", err)
	}

	return &cipher.EncryptedCode{
		Phone:        i.Phone,
		Ciphertext:   ciphertext,
		Nonce:        nonce,
		KeyID:        i.KeyID,
		AttemptCount: i.AttemptCount,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
	}, nil
}
