package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/domain"
	"github.com/taskhive/auth-core/internal/dynamo"
)

// ---------------------------------------------------------------------------
// Stub — implements refreshDynamoDB for unit tests.
// ---------------------------------------------------------------------------

type stubRefreshDynamo struct {
	getItemFn            func(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error)
	putItemFn            func(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	updateItemFn         func(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	deleteItemFn         func(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error)
	queryFn              func(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	scanFn               func(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error)
	transactWriteItemsFn func(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

func (s *stubRefreshDynamo) GetItem(ctx context.Context, params *dynamo.GetItemInput, optFns ...func(*dynamo.Options)) (*dynamo.GetItemOutput, error) {
	return s.getItemFn(ctx, params, optFns...)
}

func (s *stubRefreshDynamo) PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
	return s.putItemFn(ctx, params, optFns...)
}

func (s *stubRefreshDynamo) UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
	return s.updateItemFn(ctx, params, optFns...)
}

func (s *stubRefreshDynamo) DeleteItem(ctx context.Context, params *dynamo.DeleteItemInput, optFns ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error) {
	return s.deleteItemFn(ctx, params, optFns...)
}

func (s *stubRefreshDynamo) Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
	return s.queryFn(ctx, params, optFns...)
}

func (s *stubRefreshDynamo) Scan(ctx context.Context, params *dynamo.ScanInput, optFns ...func(*dynamo.Options)) (*dynamo.ScanOutput, error) {
	return s.scanFn(ctx, params, optFns...)
}

func (s *stubRefreshDynamo) TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
	return s.transactWriteItemsFn(ctx, params, optFns...)
}

var _ refreshDynamoDB = (*stubRefreshDynamo)(nil)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const (
	refreshTable     = "refresh_tokens"
	credentialID     = "f4b8c7d0-2e4a-4b8f-9a1c-3d5e6f708192"
	nextCredentialID = "0c9d8e7f-6a5b-4c3d-8e2f-1a0b9c8d7e6f"
)

func sampleRefreshItem() refreshItem {
	return refreshItem{
		CredentialID: credentialID,
		UserID:       userID,
		FamilyID:     "3f2e1d0c-9b8a-4756-8493-21f0e9d8c7b6",
		TokenHash:    "deadbeef",
		CreatedAt:    "2026-03-10T09:00:00Z",
		ExpiresAt:    "2026-03-17T09:00:00Z",
		TTL:          time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC).Unix(),
	}
}

// ---------------------------------------------------------------------------
// Tests — GetByHash
// ---------------------------------------------------------------------------

func TestRefreshStore_GetByHash(t *testing.T) {
	t.Run("success - queries the token hash GSI", func(t *testing.T) {
		stub := &stubRefreshDynamo{
			queryFn: func(_ context.Context, params *dynamo.QueryInput, _ ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				assert.Equal(t, refreshTable, *params.TableName)
				require.NotNil(t, params.IndexName)
				assert.Equal(t, tokenHashIndexName, *params.IndexName)
				hash := params.ExpressionAttributeValues[":th"].(*dynamo.AttributeValueMemberS)
				assert.Equal(t, "deadbeef", hash.Value)

				av, err := dynamo.MarshalMap(sampleRefreshItem())
				require.NoError(t, err)
				return &dynamo.QueryOutput{Items: []map[string]dynamo.AttributeValue{av}}, nil
			},
		}
		store := NewRefreshStore(stub, refreshTable)

		rec, err := store.GetByHash(context.Background(), "deadbeef")

		require.NoError(t, err)
		assert.Equal(t, credentialID, rec.CredentialID)
		assert.Equal(t, userID, rec.UserID)
		assert.False(t, rec.Revoked)
	})

	t.Run("unknown hash is not found", func(t *testing.T) {
		stub := &stubRefreshDynamo{
			queryFn: func(context.Context, *dynamo.QueryInput, ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				return &dynamo.QueryOutput{}, nil
			},
		}
		store := NewRefreshStore(stub, refreshTable)

		_, err := store.GetByHash(context.Background(), "deadbeef")

		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

// ---------------------------------------------------------------------------
// Tests — Rotate
// ---------------------------------------------------------------------------

func TestRefreshStore_Rotate(t *testing.T) {
	successor := app.RefreshRecord(sampleRefreshItem())
	successor.CredentialID = nextCredentialID

	t.Run("success - revokes predecessor and inserts successor atomically", func(t *testing.T) {
		stub := &stubRefreshDynamo{
			transactWriteItemsFn: func(_ context.Context, params *dynamo.TransactWriteItemsInput, _ ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				require.Len(t, params.TransactItems, 2)

				update := params.TransactItems[0].Update
				require.NotNil(t, update)
				key := update.Key["credential_id"].(*dynamo.AttributeValueMemberS)
				assert.Equal(t, credentialID, key.Value)
				assert.Contains(t, *update.ConditionExpression, "revoked = :false")
				succ := update.ExpressionAttributeValues[":succ"].(*dynamo.AttributeValueMemberS)
				assert.Equal(t, nextCredentialID, succ.Value)

				put := params.TransactItems[1].Put
				require.NotNil(t, put)
				assert.Equal(t, "attribute_not_exists(credential_id)", *put.ConditionExpression)

				return &dynamo.TransactWriteItemsOutput{}, nil
			},
		}
		store := NewRefreshStore(stub, refreshTable)

		require.NoError(t, store.Rotate(context.Background(), credentialID, successor))
	})

	t.Run("lost rotation race surfaces as token reuse", func(t *testing.T) {
		stub := &stubRefreshDynamo{
			transactWriteItemsFn: func(context.Context, *dynamo.TransactWriteItemsInput, ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, dynamo.ErrTransactionCanceled("ConditionalCheckFailed", "")
			},
		}
		store := NewRefreshStore(stub, refreshTable)

		err := store.Rotate(context.Background(), credentialID, successor)

		assert.ErrorIs(t, err, domain.ErrRefreshTokenReuse)
	})

	t.Run("other transaction failure passes through", func(t *testing.T) {
		stub := &stubRefreshDynamo{
			transactWriteItemsFn: func(context.Context, *dynamo.TransactWriteItemsInput, ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, errors.New("throttled")
			},
		}
		store := NewRefreshStore(stub, refreshTable)

		err := store.Rotate(context.Background(), credentialID, successor)

		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrRefreshTokenReuse)
	})
}

// ---------------------------------------------------------------------------
// Tests — RevokeFamily / RevokeAllForUser
// ---------------------------------------------------------------------------

func TestRefreshStore_RevokeFamily(t *testing.T) {
	t.Run("revokes active credentials and skips revoked ones", func(t *testing.T) {
		active := sampleRefreshItem()
		revoked := sampleRefreshItem()
		revoked.CredentialID = nextCredentialID
		revoked.Revoked = true

		updated := []string{}
		stub := &stubRefreshDynamo{
			queryFn: func(_ context.Context, params *dynamo.QueryInput, _ ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				require.NotNil(t, params.IndexName)
				assert.Equal(t, familyIndexName, *params.IndexName)

				items := make([]map[string]dynamo.AttributeValue, 0, 2)
				for _, it := range []refreshItem{active, revoked} {
					av, err := dynamo.MarshalMap(it)
					require.NoError(t, err)
					items = append(items, av)
				}
				return &dynamo.QueryOutput{Items: items}, nil
			},
			updateItemFn: func(_ context.Context, params *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				key := params.Key["credential_id"].(*dynamo.AttributeValueMemberS)
				updated = append(updated, key.Value)
				return &dynamo.UpdateItemOutput{}, nil
			},
		}
		store := NewRefreshStore(stub, refreshTable)

		n, err := store.RevokeFamily(context.Background(), active.FamilyID)

		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{credentialID}, updated)
	})

	t.Run("concurrent revocation of the same credential is not an error", func(t *testing.T) {
		stub := &stubRefreshDynamo{
			queryFn: func(context.Context, *dynamo.QueryInput, ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				av, err := dynamo.MarshalMap(sampleRefreshItem())
				require.NoError(t, err)
				return &dynamo.QueryOutput{Items: []map[string]dynamo.AttributeValue{av}}, nil
			},
			updateItemFn: func(context.Context, *dynamo.UpdateItemInput, ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				return nil, dynamo.ErrConditionalCheckFailed()
			},
		}
		store := NewRefreshStore(stub, refreshTable)

		n, err := store.RevokeFamily(context.Background(), "family")

		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestRefreshStore_RevokeAllForUser(t *testing.T) {
	t.Run("queries the user GSI", func(t *testing.T) {
		stub := &stubRefreshDynamo{
			queryFn: func(_ context.Context, params *dynamo.QueryInput, _ ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
				require.NotNil(t, params.IndexName)
				assert.Equal(t, userIndexName, *params.IndexName)
				uid := params.ExpressionAttributeValues[":uid"].(*dynamo.AttributeValueMemberS)
				assert.Equal(t, userID, uid.Value)

				av, err := dynamo.MarshalMap(sampleRefreshItem())
				require.NoError(t, err)
				return &dynamo.QueryOutput{Items: []map[string]dynamo.AttributeValue{av}}, nil
			},
			updateItemFn: func(context.Context, *dynamo.UpdateItemInput, ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
				return &dynamo.UpdateItemOutput{}, nil
			},
		}
		store := NewRefreshStore(stub, refreshTable)

		n, err := store.RevokeAllForUser(context.Background(), userID)

		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

// ---------------------------------------------------------------------------
// Tests — Create / DeleteExpired
// ---------------------------------------------------------------------------

func TestRefreshStore_Create(t *testing.T) {
	t.Run("duplicate credential id surfaces ErrAlreadyExists", func(t *testing.T) {
		stub := &stubRefreshDynamo{
			putItemFn: func(_ context.Context, params *dynamo.PutItemInput, _ ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
				assert.Equal(t, "attribute_not_exists(credential_id)", *params.ConditionExpression)
				return nil, dynamo.ErrConditionalCheckFailed()
			},
		}
		store := NewRefreshStore(stub, refreshTable)

		err := store.Create(context.Background(), app.RefreshRecord(sampleRefreshItem()))

		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})
}

func TestRefreshStore_DeleteExpired(t *testing.T) {
	t.Run("deletes scanned rows and reports the count", func(t *testing.T) {
		deleted := []string{}
		stub := &stubRefreshDynamo{
			scanFn: func(_ context.Context, params *dynamo.ScanInput, _ ...func(*dynamo.Options)) (*dynamo.ScanOutput, error) {
				assert.Equal(t, "expires_at < :now", *params.FilterExpression)

				av, err := dynamo.MarshalMap(map[string]string{"credential_id": credentialID})
				require.NoError(t, err)
				return &dynamo.ScanOutput{Items: []map[string]dynamo.AttributeValue{av}}, nil
			},
			deleteItemFn: func(_ context.Context, params *dynamo.DeleteItemInput, _ ...func(*dynamo.Options)) (*dynamo.DeleteItemOutput, error) {
				key := params.Key["credential_id"].(*dynamo.AttributeValueMemberS)
				deleted = append(deleted, key.Value)
				return &dynamo.DeleteItemOutput{}, nil
			},
		}
		store := NewRefreshStore(stub, refreshTable)

		n, err := store.DeleteExpired(context.Background(), time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC))

		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{credentialID}, deleted)
	})
}
