// Package dynamodb provides containers backed by DynamoDB BatchGetItem.
package dynamodb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/artpar/assembly/core/container"
	"github.com/artpar/assembly/ports"
)

// batchLimit is the BatchGetItem per-request key limit.
const batchLimit = 100

// Client is the subset of the DynamoDB API the container uses.
type Client interface {
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
}

// ClientConfig selects the AWS region and an optional endpoint override
// (DynamoDB Local, LocalStack).
type ClientConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// NewClient creates a DynamoDB client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg ClientConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Table describes a key lookup against one table with a simple primary key.
type Table struct {
	Name string `yaml:"table" validate:"required"`
	// KeyAttribute is the partition key attribute name.
	KeyAttribute string `yaml:"key" validate:"required"`
	// Attributes limits the returned attributes. The key is always included.
	Attributes     []string `yaml:"attributes"`
	ConsistentRead bool     `yaml:"consistent_read"`
	// MaxRetries bounds the retries of unprocessed keys.
	MaxRetries int `yaml:"max_retries"`
	// BaseDelay is the first retry backoff; it doubles on every attempt.
	BaseDelay time.Duration `yaml:"base_delay"`
}

// Option configures a DynamoDB container.
type Option func(*loader)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(ld *loader) { ld.logger = l }
}

type loader struct {
	client Client
	table  Table
	logger zerolog.Logger
}

// NewContainer builds a container returning items as map[string]any.
// Numbers unmarshal as float64; keys are matched by their text form, so
// integer keys still find their items.
func NewContainer(client Client, namespace string, table Table, opts ...Option) (*container.Keyed, error) {
	if table.Name == "" || table.KeyAttribute == "" {
		return nil, fmt.Errorf("container %q: table and key attribute are required", namespace)
	}
	if table.MaxRetries == 0 {
		table.MaxRetries = 3
	}
	if table.BaseDelay == 0 {
		table.BaseDelay = 100 * time.Millisecond
	}

	ld := &loader{client: client, table: table, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(ld)
	}

	keyOf := func(entity any) (any, error) {
		item, ok := entity.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected item type %T", entity)
		}
		return item[table.KeyAttribute], nil
	}
	return container.NewKeyed(namespace, ld.load, keyOf, container.WithMappingType(ports.OneToOne)), nil
}

func (ld *loader) load(ctx context.Context, keys []any) ([]any, error) {
	requests := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		av, err := attributevalue.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %v: %w", k, err)
		}
		requests = append(requests, map[string]types.AttributeValue{ld.table.KeyAttribute: av})
	}

	var out []any
	for start := 0; start < len(requests); start += batchLimit {
		items, err := ld.batch(ctx, requests[start:min(start+batchLimit, len(requests))])
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// batch fetches one chunk, retrying unprocessed keys with exponential
// backoff.
func (ld *loader) batch(ctx context.Context, keys []map[string]types.AttributeValue) ([]any, error) {
	ka := types.KeysAndAttributes{Keys: keys}
	if ld.table.ConsistentRead {
		ka.ConsistentRead = aws.Bool(true)
	}
	if len(ld.table.Attributes) > 0 {
		ka.ProjectionExpression, ka.ExpressionAttributeNames = projection(ld.table.KeyAttribute, ld.table.Attributes)
	}

	var out []any
	for attempt := 0; ; attempt++ {
		res, err := ld.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{ld.table.Name: ka},
		})
		if err != nil {
			return nil, fmt.Errorf("batch get %s: %w", ld.table.Name, err)
		}

		for _, item := range res.Responses[ld.table.Name] {
			var m map[string]any
			if err := attributevalue.UnmarshalMap(item, &m); err != nil {
				return nil, fmt.Errorf("unmarshal %s item: %w", ld.table.Name, err)
			}
			out = append(out, m)
		}

		pending := res.UnprocessedKeys[ld.table.Name].Keys
		if len(pending) == 0 {
			return out, nil
		}
		if attempt >= ld.table.MaxRetries {
			return nil, fmt.Errorf("batch get %s: %d keys unprocessed after %d retries", ld.table.Name, len(pending), attempt)
		}

		delay := ld.table.BaseDelay << attempt
		ld.logger.Debug().
			Str("table", ld.table.Name).
			Int("unprocessed", len(pending)).
			Dur("backoff", delay).
			Msg("retrying unprocessed keys")
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		ka.Keys = pending
	}
}

// projection builds a projection expression with placeholder names, since
// many attribute names are reserved words.
func projection(key string, attrs []string) (*string, map[string]string) {
	names := make(map[string]string, len(attrs)+1)
	parts := make([]string, 0, len(attrs)+1)
	add := func(a string) {
		for _, existing := range names {
			if existing == a {
				return
			}
		}
		p := "#p" + strconv.Itoa(len(names))
		names[p] = a
		parts = append(parts, p)
	}
	add(key)
	for _, a := range attrs {
		add(a)
	}
	return aws.String(strings.Join(parts, ", ")), names
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
