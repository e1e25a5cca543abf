// Package dynamodb provides the DynamoDB backed record store.
package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/ubuntu/invoice-ingest/internal/common/constants"
	"github.com/ubuntu/invoice-ingest/internal/ingest/record"
)

// Config represents the DynamoDB connection settings.
// An empty Endpoint uses the AWS default endpoint for the region.
type Config struct {
	Endpoint string
	Region   string
	Table    string

	// AccessKeyID and SecretAccessKey are static credentials, for local endpoints.
	// The default credential chain is used when they are empty.
	AccessKeyID     string
	SecretAccessKey string
}

// LogValue implements slog.LogValuer and hides the secret access key.
func (c Config) LogValue() slog.Value {
	secret := c.SecretAccessKey
	if secret != "" {
		secret = constants.Redacted
	}
	return slog.GroupValue(
		slog.String("endpoint", c.Endpoint),
		slog.String("region", c.Region),
		slog.String("table", c.Table),
		slog.String("accesskeyid", c.AccessKeyID),
		slog.String("secretaccesskey", secret),
	)
}

type client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Table is a record store backed by a DynamoDB table keyed by id.
type Table struct {
	client client
	name   string
}

type options struct {
	newClient func(ctx context.Context, cfg Config) (client, error)
}

// Options represents an optional function to override Table default values.
type Options func(*options)

// New returns a Table using the given configuration.
func New(ctx context.Context, cfg Config, args ...Options) (*Table, error) {
	opts := options{
		newClient: newClient,
	}
	for _, opt := range args {
		opt(&opts)
	}

	c, err := opts.newClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create DynamoDB client: %v", err)
	}

	name := cfg.Table
	if name == "" {
		name = constants.DefaultTableName
	}
	slog.Info("Using DynamoDB table", "table", name, "endpoint", cfg.Endpoint)

	return &Table{client: c, name: name}, nil
}

func newClient(ctx context.Context, cfg Config) (client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Put writes the record, replacing any existing item with the same id.
func (t Table) Put(ctx context.Context, r record.Record) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.name),
		Item:      ToItem(r),
	})
	if err != nil {
		return fmt.Errorf("failed to put record %q: %v", r.ID, err)
	}
	return nil
}

// Get returns the record with the given id, or nil if there is none.
func (t Table) Get(ctx context.Context, id string) (*record.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.name),
		Key:            map[string]types.AttributeValue{record.FieldID: &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get record %q: %v", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	r, err := FromItem(out.Item)
	if err != nil {
		return nil, fmt.Errorf("invalid record %q stored in DynamoDB: %v", id, err)
	}
	return &r, nil
}

// ToItem converts a record to a DynamoDB item. Numbers keep their exact textual form.
func ToItem(r record.Record) map[string]types.AttributeValue {
	item := make(map[string]types.AttributeValue, len(r.Extra)+4)
	for k, v := range r.Fields() {
		item[k] = toAttributeValue(v)
	}
	return item
}

// FromItem converts a DynamoDB item back to a record.
func FromItem(item map[string]types.AttributeValue) (record.Record, error) {
	fields := make(map[string]any, len(item))
	for k, av := range item {
		v, err := fromAttributeValue(av)
		if err != nil {
			return record.Record{}, fmt.Errorf("attribute %q: %v", k, err)
		}
		fields[k] = v
	}
	return record.FromValue(record.FromAny(fields))
}

func toAttributeValue(v any) types.AttributeValue {
	switch t := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}
	case bool:
		return &types.AttributeValueMemberBOOL{Value: t}
	case json.Number:
		return &types.AttributeValueMemberN{Value: t.String()}
	case string:
		return &types.AttributeValueMemberS{Value: t}
	case []any:
		l := make([]types.AttributeValue, 0, len(t))
		for _, e := range t {
			l = append(l, toAttributeValue(e))
		}
		return &types.AttributeValueMemberL{Value: l}
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(t))
		for k, e := range t {
			m[k] = toAttributeValue(e)
		}
		return &types.AttributeValueMemberM{Value: m}
	default:
		return &types.AttributeValueMemberS{Value: fmt.Sprint(t)}
	}
}

func fromAttributeValue(av types.AttributeValue) (any, error) {
	switch t := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberBOOL:
		return t.Value, nil
	case *types.AttributeValueMemberN:
		return json.Number(t.Value), nil
	case *types.AttributeValueMemberS:
		return t.Value, nil
	case *types.AttributeValueMemberL:
		l := make([]any, 0, len(t.Value))
		for _, e := range t.Value {
			v, err := fromAttributeValue(e)
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
		return l, nil
	case *types.AttributeValueMemberM:
		m := make(map[string]any, len(t.Value))
		for k, e := range t.Value {
			v, err := fromAttributeValue(e)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", av)
	}
}
