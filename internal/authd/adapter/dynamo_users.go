package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/dynamo"
)

// phoneIndexName is the GSI keyed (phone_hash HASH, country_code RANGE).
const phoneIndexName = "phone_index"

// phoneGuardPrefix keys the uniqueness sentinel items that reserve a
// (phone_hash, country_code) pair inside the users table.
const phoneGuardPrefix = "PHONE#"

// userDynamoDB is a narrow, consumer-defined interface for DynamoDB
// operations required by the user store.
type userDynamoDB interface {
	GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

// userItem is the DynamoDB item shape for the users table.
type userItem struct {
	UserID      string `dynamodbav:"user_id"`
	PhoneHash   string `dynamodbav:"phone_hash"`
	CountryCode string `dynamodbav:"country_code"`
	Role        string `dynamodbav:"role"`
	Verified    bool   `dynamodbav:"verified"`
	Blocked     bool   `dynamodbav:"blocked"`
	CreatedAt   string `dynamodbav:"created_at"`
	UpdatedAt   string `dynamodbav:"updated_at"`
	LastLoginAt string `dynamodbav:"last_login_at,omitempty"`
}

// Compile-time check: UserStore satisfies app.UserStore.
var _ app.UserStore = (*UserStore)(nil)

// UserStore persists user records in DynamoDB. Phone uniqueness is enforced
// with a sentinel item written in the same transaction as the user row.
type UserStore struct {
	db        userDynamoDB
	tableName string
}

// NewUserStore creates a UserStore backed by the given DynamoDB client.
func NewUserStore(db userDynamoDB, tableName string) *UserStore {
	return &UserStore{db: db, tableName: tableName}
}

// GetByID retrieves a user by primary key.
func (s *UserStore) GetByID(ctx context.Context, userID string) (*app.UserRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.users.get_by_id")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "GetItem"),
	)

	out, err := s.db.GetItem(ctx, &dynamo.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"user_id": &dynamo.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("user store: get %q: %w", userID, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("user store: get %q: %w", userID, domain.ErrNotFound)
	}

	var item userItem
	if err := dynamo.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("user store: unmarshal user: %w", err)
	}
	rec := app.UserRecord(item)
	return &rec, nil
}

// FindByPhone queries the phone GSI for the (phone_hash, country_code) pair.
func (s *UserStore) FindByPhone(ctx context.Context, phoneHash, countryCode string) (*app.UserRecord, error) {
	ctx, span := tracer.Start(ctx, "dynamo.users.find_by_phone")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Query"),
	)

	indexName := phoneIndexName
	keyExpr := "phone_hash = :ph AND country_code = :cc"
	out, err := s.db.Query(ctx, &dynamo.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &indexName,
		KeyConditionExpression: &keyExpr,
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":ph": &dynamo.AttributeValueMemberS{Value: phoneHash},
			":cc": &dynamo.AttributeValueMemberS{Value: countryCode},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("user store: find by phone: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("user store: find by phone: %w", domain.ErrNotFound)
	}

	var item userItem
	if err := dynamo.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, fmt.Errorf("user store: unmarshal user: %w", err)
	}
	rec := app.UserRecord(item)
	return &rec, nil
}

// Create inserts the user and a phone-uniqueness sentinel in one transaction.
// A ConditionalCheckFailed on either item surfaces as domain.ErrAlreadyExists,
// which the caller treats as a lost creation race.
func (s *UserStore) Create(ctx context.Context, user app.UserRecord) error {
	ctx, span := tracer.Start(ctx, "dynamo.users.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "TransactWriteItems"),
	)

	av, err := dynamo.MarshalMap(userItem(user))
	if err != nil {
		return fmt.Errorf("user store: marshal user: %w", err)
	}

	guardKey := phoneGuardPrefix + user.PhoneHash + "#" + user.CountryCode
	guard, err := dynamo.MarshalMap(map[string]string{
		"user_id":    guardKey,
		"owner_id":   user.UserID,
		"created_at": user.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("user store: marshal guard: %w", err)
	}

	notExists := "attribute_not_exists(user_id)"
	_, err = s.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{
		TransactItems: []dynamo.TransactWriteItem{
			{Put: &dynamo.Put{
				TableName:           &s.tableName,
				Item:                av,
				ConditionExpression: &notExists,
			}},
			{Put: &dynamo.Put{
				TableName:           &s.tableName,
				Item:                guard,
				ConditionExpression: &notExists,
			}},
		},
	})
	if err != nil {
		if reasons, ok := dynamo.IsTransactionCanceledException(err); ok {
			for _, reason := range reasons {
				if reason == "ConditionalCheckFailed" {
					return fmt.Errorf("user store: create: %w", domain.ErrAlreadyExists)
				}
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: create: %w", err)
	}
	return nil
}

// SetLastLogin stamps last_login_at and updated_at; when verified is true
// the verified flag is set in the same update.
func (s *UserStore) SetLastLogin(ctx context.Context, userID, when string, verified bool) error {
	ctx, span := tracer.Start(ctx, "dynamo.users.set_last_login")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	updateExpr := "SET last_login_at = :when, updated_at = :when"
	values := map[string]dynamo.AttributeValue{
		":when": &dynamo.AttributeValueMemberS{Value: when},
	}
	if verified {
		updateExpr += ", verified = :verified"
		values[":verified"] = &dynamo.AttributeValueMemberBOOL{Value: true}
	}

	_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"user_id": &dynamo.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression:          &updateExpr,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: set last login %q: %w", userID, err)
	}
	return nil
}

// SelectRole sets the role if and only if it is currently unset. The
// condition makes role selection write-once; a lost race surfaces as
// domain.ErrRoleAlreadySelected.
func (s *UserStore) SelectRole(ctx context.Context, userID, role, when string) error {
	ctx, span := tracer.Start(ctx, "dynamo.users.select_role")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	updateExpr := "SET #r = :role, updated_at = :when"
	condExpr := "attribute_exists(user_id) AND (attribute_not_exists(#r) OR #r = :empty)"
	_, err := s.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]dynamo.AttributeValue{
			"user_id": &dynamo.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression:    &updateExpr,
		ConditionExpression: &condExpr,
		ExpressionAttributeNames: map[string]string{
			"#r": "role",
		},
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":role":  &dynamo.AttributeValueMemberS{Value: role},
			":when":  &dynamo.AttributeValueMemberS{Value: when},
			":empty": &dynamo.AttributeValueMemberS{Value: ""},
		},
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			return fmt.Errorf("user store: select role %q: %w", userID, domain.ErrRoleAlreadySelected)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("user store: select role %q: %w", userID, err)
	}
	return nil
}
