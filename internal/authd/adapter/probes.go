package adapter

import (
	"context"
	"fmt"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/dynamo"
	redisclient "github.com/taskhive/auth-core/internal/redis"
)

// Compile-time checks: probes satisfy app.HealthProbe.
var (
	_ app.HealthProbe = (*RedisProbe)(nil)
	_ app.HealthProbe = (*DynamoProbe)(nil)
)

// RedisProbe reports Redis reachability for the readiness endpoint.
type RedisProbe struct {
	cmd redisclient.Cmdable
}

// NewRedisProbe creates a RedisProbe over cmd.
func NewRedisProbe(cmd redisclient.Cmdable) *RedisProbe {
	return &RedisProbe{cmd: cmd}
}

func (p *RedisProbe) Name() string { return "redis" }

// Healthy pings Redis.
func (p *RedisProbe) Healthy(ctx context.Context) error {
	if err := p.cmd.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// tableDescriber is the narrow DynamoDB interface the probe needs.
type tableDescriber interface {
	DescribeTable(ctx context.Context, params *dynamo.DescribeTableInput, optFns ...func(*dynamo.Options)) (*dynamo.DescribeTableOutput, error)
}

// DynamoProbe reports DynamoDB reachability by describing one table.
type DynamoProbe struct {
	db        tableDescriber
	tableName string
}

// NewDynamoProbe creates a DynamoProbe that describes tableName.
func NewDynamoProbe(db tableDescriber, tableName string) *DynamoProbe {
	return &DynamoProbe{db: db, tableName: tableName}
}

func (p *DynamoProbe) Name() string { return "dynamodb" }

// Healthy describes the table.
func (p *DynamoProbe) Healthy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.db.DescribeTable(ctx, &dynamo.DescribeTableInput{
		TableName: &p.tableName,
	}); err != nil {
		return fmt.Errorf("describe table %q: %w", p.tableName, err)
	}
	return nil
}
