package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/dynamo"
)

// ---------------------------------------------------------------------------
// Stub — implements auditDynamoDB for unit tests.
// ---------------------------------------------------------------------------

type stubAuditDynamo struct {
	putItemFn    func(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	updateItemFn func(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	scanFn       func(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error)
}

func (s *stubAuditDynamo) PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
	return s.putItemFn(ctx, params, optFns...)
}

func (s *stubAuditDynamo) UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
	return s.updateItemFn(ctx, params, optFns...)
}

func (s *stubAuditDynamo) Scan(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error) {
	return s.scanFn(ctx, params, optFns...)
}

var _ auditDynamoDB = (*stubAuditDynamo)(nil)

const auditTable = "auth_audit"

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAuditStore_Append(t *testing.T) {
	entry := app.AuditEntry{
		EventType:   domain.AuditCodeSent,
		Success:     true,
		PhoneMasked: "***4567",
		PhoneHash:   "abc123",
		IP:          "203.0.113.7",
		EventData:   map[string]string{"provider": "sns"},
		CreatedAt:   "2026-03-10T09:00:00Z",
	}

	t.Run("assigns an id and stores the entry", func(t *testing.T) {
		var written map[string]dynamo.AttributeValue
		stub := &stubAuditDynamo{
			putItemFn: func(_ context.Context, params *dynamo.PutItemInput, _ ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
				assert.Equal(t, auditTable, *params.TableName)
				written = params.Item
				return &dynamo.PutItemOutput{}, nil
			},
		}
		store := NewAuditStore(stub, auditTable)

		require.NoError(t, store.Append(context.Background(), entry))

		var item auditItem
		require.NoError(t, dynamo.UnmarshalMap(written, &item))
		_, err := uuid.Parse(item.ID)
		assert.NoError(t, err, "generated id should be a uuid")
		assert.Equal(t, string(domain.AuditCodeSent), item.EventType)
		assert.Equal(t, "***4567", item.PhoneMasked)
		assert.Equal(t, "sns", item.EventData["provider"])
		assert.False(t, item.Archived)
	})

	t.Run("keeps a caller-supplied id", func(t *testing.T) {
		withID := entry
		withID.ID = "fixed-id"

		var written map[string]dynamo.AttributeValue
		stub := &stubAuditDynamo{
			putItemFn: func(_ context.Context, params *dynamo.PutItemInput, _ ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
				written = params.Item
				return &dynamo.PutItemOutput{}, nil
			},
		}
		store := NewAuditStore(stub, auditTable)

		require.NoError(t, store.Append(context.Background(), withID))

		var item auditItem
		require.NoError(t, dynamo.UnmarshalMap(written, &item))
		assert.Equal(t, "fixed-id", item.ID)
	})

	t.Run("dynamo failure wraps with the event type", func(t *testing.T) {
		stub := &stubAuditDynamo{
			putItemFn: func(context.Context, *dynamo.PutItemInput, ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
				return nil, errors.New("throttled")
			},
		}
		store := NewAuditStore(stub, auditTable)

		err := store.Append(context.Background(), entry)

		assert.ErrorContains(t, err, string(domain.AuditCodeSent))
	})
}

func TestAuditStore_ArchiveOlderThan(t *testing.T) {
	cutoff := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("flags unarchived entries older than the cutoff", func(t *testing.T) {
		archived := []string{}
		stub := &stubAuditDynamo{
			scanFn: func(_ context.Context, params *dynamo.ScanInput, _ ...func(*dynamo.Options)) (*dynamo.ScanOutput, error) {
				assert.Equal(t, "created_at < :cutoff AND archived = :false", *params.FilterExpression)
				when := params.ExpressionAttributeValues[":cutoff"].(*dynamo.AttributeValueMemberS)
				assert.Equal(t, "2026-03-10T09:00:00Z", when.Value)

				items := make([]map[string]dynamo.AttributeValue, 0, 2)
				for _, id := range []string{"entry-1", "entry-2"} {
					av, err := dynamo.MarshalMap(map[string]string{"id": id})
					require.NoError(t, err)
					items = append(items, av)
				}
				return &dynamo.ScanOutput{Items: items}, nil
			},
			updateItemFn: func(_ context.Context, params *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				assert.Equal(t, "SET archived = :true", *params.UpdateExpression)
				key := params.Key["id"].(*dynamo.AttributeValueMemberS)
				archived = append(archived, key.Value)
				return &dynamo.UpdateItemOutput{}, nil
			},
		}
		store := NewAuditStore(stub, auditTable)

		n, err := store.ArchiveOlderThan(context.Background(), cutoff)

		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"entry-1", "entry-2"}, archived)
	})

	t.Run("nothing to archive", func(t *testing.T) {
		stub := &stubAuditDynamo{
			scanFn: func(context.Context, *dynamo.ScanInput, ...func(*dynamo.Options)) (*dynamo.ScanOutput, error) {
				return &dynamo.ScanOutput{}, nil
			},
		}
		store := NewAuditStore(stub, auditTable)

		n, err := store.ArchiveOlderThan(context.Background(), cutoff)

		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}
