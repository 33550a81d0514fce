package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/domain"
)

func TestLogout(t *testing.T) {
	t.Parallel()

	t.Run("blacklists the jti and revokes refresh credentials", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)

		minted, err := h.minter.MintAccessToken(domain.MustUserID(testUserID), domain.RoleCustomer, true)
		require.NoError(t, err)

		var revokedJTI string
		var revokedUntil time.Time
		h.blacklist.revokeFn = func(_ context.Context, jti string, expiresAt time.Time) error {
			revokedJTI = jti
			revokedUntil = expiresAt
			return nil
		}
		var revokedUser string
		h.refreshStore.revokeAllForUserFn = func(_ context.Context, userID string) (int, error) {
			revokedUser = userID
			return 2, nil
		}

		require.NoError(t, h.svc.Logout(context.Background(), minted.Token))
		assert.Equal(t, minted.JTI, revokedJTI)
		assert.Equal(t, minted.ExpiresAt.Unix(), revokedUntil.Unix())
		assert.Equal(t, testUserID, revokedUser)

		logouts := h.auditStore.find(domain.AuditLogout)
		require.Len(t, logouts, 1)
		assert.Equal(t, "2", logouts[0].EventData["refresh_revoked"])
	})

	t.Run("rejects garbage", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)

		err := h.svc.Logout(context.Background(), "not-a-jwt")
		require.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("rejects a second logout with the same credential", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)

		minted, err := h.minter.MintAccessToken(domain.MustUserID(testUserID), domain.RoleCustomer, true)
		require.NoError(t, err)

		h.blacklist.isRevokedFn = func(_ context.Context, jti string) (bool, error) {
			return jti == minted.JTI, nil
		}

		err = h.svc.Logout(context.Background(), minted.Token)
		require.ErrorIs(t, err, domain.ErrTokenRevoked)
	})

	t.Run("succeeds even when refresh revocation fails", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)

		minted, err := h.minter.MintAccessToken(domain.MustUserID(testUserID), domain.RoleCustomer, true)
		require.NoError(t, err)

		h.refreshStore.revokeAllForUserFn = func(_ context.Context, _ string) (int, error) {
			return 0, errors.New("dynamo throttled")
		}

		require.NoError(t, h.svc.Logout(context.Background(), minted.Token))
	})

	t.Run("fails when the blacklist write fails", func(t *testing.T) {
		t.Parallel()
		h := newTestHarness(t)

		minted, err := h.minter.MintAccessToken(domain.MustUserID(testUserID), domain.RoleCustomer, true)
		require.NoError(t, err)

		h.blacklist.revokeFn = func(_ context.Context, _ string, _ time.Time) error {
			return errors.New("redis down")
		}

		require.Error(t, h.svc.Logout(context.Background(), minted.Token))
	})
}
