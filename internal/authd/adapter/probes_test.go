package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/auth-core/internal/authd/adapter"
	"github.com/taskhive/auth-core/internal/dynamo"
	redisclient "github.com/taskhive/auth-core/internal/redis"
)

func TestRedisProbe(t *testing.T) {
	t.Run("healthy while redis answers ping", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redisclient.NewClient(redisclient.Config{
			Addr:         mr.Addr(),
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		})
		t.Cleanup(func() {
			require.NoError(t, client.Close())
		})
		probe := adapter.NewRedisProbe(client.RDB)

		assert.Equal(t, "redis", probe.Name())
		assert.NoError(t, probe.Healthy(context.Background()))

		mr.Close()
		assert.Error(t, probe.Healthy(context.Background()))
	})
}

type stubDescriber struct {
	err error
}

func (s *stubDescriber) DescribeTable(_ context.Context, params *dynamo.DescribeTableInput, _ ...func(*dynamo.Options)) (*dynamo.DescribeTableOutput, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dynamo.DescribeTableOutput{}, nil
}

func TestDynamoProbe(t *testing.T) {
	t.Run("healthy while the table describes", func(t *testing.T) {
		probe := adapter.NewDynamoProbe(&stubDescriber{}, "users")

		assert.Equal(t, "dynamodb", probe.Name())
		assert.NoError(t, probe.Healthy(context.Background()))
	})

	t.Run("describe failure names the table", func(t *testing.T) {
		probe := adapter.NewDynamoProbe(&stubDescriber{err: errors.New("timeout")}, "users")

		err := probe.Healthy(context.Background())

		require.Error(t, err)
		assert.Contains(t, err.Error(), `"users"`)
	})

	t.Run("cancelled context short-circuits", func(t *testing.T) {
		probe := adapter.NewDynamoProbe(&stubDescriber{}, "users")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, probe.Healthy(ctx), context.Canceled)
	})
}
