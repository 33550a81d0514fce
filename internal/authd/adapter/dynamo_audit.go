package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/dynamo"
)

// auditDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the audit sink.
type auditDynamoDB interface {
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error)
}

// auditItem is the DynamoDB item shape for the auth_audit table. Phones are
// stored masked or hashed only.
type auditItem struct {
	ID            string            `dynamodbav:"id"`
	EventType     string            `dynamodbav:"event_type"`
	Success       bool              `dynamodbav:"success"`
	UserID        string            `dynamodbav:"user_id,omitempty"`
	PhoneMasked   string            `dynamodbav:"phone_masked,omitempty"`
	PhoneHash     string            `dynamodbav:"phone_hash,omitempty"`
	IP            string            `dynamodbav:"ip,omitempty"`
	UserAgent     string            `dynamodbav:"user_agent,omitempty"`
	DeviceInfo    string            `dynamodbav:"device_info,omitempty"`
	EventData     map[string]string `dynamodbav:"event_data,omitempty"`
	FailureReason string            `dynamodbav:"failure_reason,omitempty"`
	CreatedAt     string            `dynamodbav:"created_at"`
	Archived      bool              `dynamodbav:"archived"`
}

// Compile-time check: AuditStore satisfies app.AuditStore.
var _ app.AuditStore = (*AuditStore)(nil)

// AuditStore is the append-only audit sink backed by DynamoDB.
type AuditStore struct {
	db        auditDynamoDB
	tableName string
}

// NewAuditStore creates an AuditStore backed by the given DynamoDB client.
func NewAuditStore(db auditDynamoDB, tableName string) *AuditStore {
	return &AuditStore{db: db, tableName: tableName}
}

// Append writes one audit entry, assigning an ID when the caller left it
// empty. Entries are never updated after the fact except for archival.
func (s *AuditStore) Append(ctx context.Context, entry app.AuditEntry) error {
	ctx, span := tracer.Start(ctx, "dynamo.audit.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	item := auditItem{
		ID:            entry.ID,
		EventType:     string(entry.EventType),
		Success:       entry.Success,
		UserID:        entry.UserID,
		PhoneMasked:   entry.PhoneMasked,
		PhoneHash:     entry.PhoneHash,
		IP:            entry.IP,
		UserAgent:     entry.UserAgent,
		DeviceInfo:    entry.DeviceInfo,
		EventData:     entry.EventData,
		FailureReason: entry.FailureReason,
		CreatedAt:     entry.CreatedAt,
		Archived:      entry.Archived,
	}
	av, err := dynamo.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("audit store: marshal entry: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName: &s.tableName,
		Item:      av,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("audit store: append %s: %w", entry.EventType, err)
	}
	return nil
}

// ArchiveOlderThan flags entries created before cutoff as archived, returning
// the number flagged. Called by the janitor.
func (s *AuditStore) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "dynamo.audit.archive_older_than")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Scan"),
	)

	filterExpr := "created_at < :cutoff AND archived = :false"
	projExpr := "id"
	out, err := s.db.Scan(ctx, &dynamo.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: &filterExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":cutoff": &dynamo.AttributeValueMemberS{Value: cutoff.UTC().Format(time.RFC3339)},
			":false":  &dynamo.AttributeValueMemberBOOL{Value: false},
		},
		ProjectionExpression: &projExpr,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("audit store: scan stale entries: %w", err)
	}

	updateExpr := "SET archived = :true"
	archived := 0
	for _, raw := range out.Items {
		var row struct {
			ID string `dynamodbav:"id"`
		}
		if err := dynamo.UnmarshalMap(raw, &row); err != nil {
			continue
		}
		if _, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
			TableName: &s.tableName,
			Key: map[string]dynamo.AttributeValue{
				"id": &dynamo.AttributeValueMemberS{Value: row.ID},
			},
			UpdateExpression: &updateExpr,
			ExpressionAttributeValues: map[string]dynamo.AttributeValue{
				":true": &dynamo.AttributeValueMemberBOOL{Value: true},
			},
		}); err != nil {
			return archived, fmt.Errorf("audit store: archive %q: %w", row.ID, err)
		}
		archived++
	}
	return archived, nil
}
