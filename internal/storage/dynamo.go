package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"usage_sink/internal/models"
	"usage_sink/internal/usage"
)

const dynamoBackend = "dynamodb"

// Item attribute names
const (
	AttrUserID           = "user_id"
	AttrCompositeKey     = "composite_key"
	AttrRequestID        = "request_id"
	AttrUsername         = "username"
	AttrEmail            = "email"
	AttrUserCreatedAt    = "user_created_at"
	AttrSessionID        = "session_id"
	AttrModelProvider    = "model_provider"
	AttrModelName        = "model_name"
	AttrPromptTokens     = "prompt_tokens"
	AttrCompletionTokens = "completion_tokens"
	AttrTotalTokens      = "total_tokens"
	AttrTotalCost        = "total_cost"
	AttrTimeTakenSec     = "time_taken_sec"
	AttrCreatedAt        = "created_at"
	AttrRawMetadata      = "raw_metadata"
	AttrRawUsage         = "raw_usage"
	AttrLoggedAt         = "logged_at"
)

// DynamoAPI is the subset of *dynamodb.Client the gateway uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoConfig holds DynamoDB connection settings
type DynamoConfig struct {
	Table    string
	Region   string
	Endpoint string // e.g. http://localhost:8000 for DynamoDB Local

	// Static credentials; when empty the default AWS chain is used
	AccessKeyID     string
	SecretAccessKey string

	// CreateTableTimeout bounds EnsureTable's wait for ACTIVE
	CreateTableTimeout time.Duration
}

// NewDynamoClient builds a client from the default AWS config chain plus the
// overrides in cfg.
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// DynamoGateway writes each record as one denormalized item keyed by
// (user_id, composite_key). PutItem replaces the whole item, so a repeated
// write with the same record leaves the same item behind.
type DynamoGateway struct {
	client DynamoAPI
	table  string
	cfg    DynamoConfig
}

var _ usage.Gateway = (*DynamoGateway)(nil)

// NewDynamoGateway creates a gateway writing to cfg.Table.
func NewDynamoGateway(client DynamoAPI, cfg DynamoConfig) (*DynamoGateway, error) {
	if cfg.Table == "" {
		return nil, ErrMissingTable
	}
	if cfg.CreateTableTimeout <= 0 {
		cfg.CreateTableTimeout = 2 * time.Minute
	}
	return &DynamoGateway{client: client, table: cfg.Table, cfg: cfg}, nil
}

// Write stores rec as a single item.
func (g *DynamoGateway) Write(ctx context.Context, rec *models.Record) error {
	item, err := g.item(rec)
	if err != nil {
		return newPersistenceError(dynamoBackend, "encode item", err)
	}

	_, err = g.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(g.table),
		Item:      item,
	})
	if err != nil {
		return newPersistenceError(dynamoBackend, "put item", err)
	}
	return nil
}

// item flattens the three entities. Decimals go out as N attributes rounded
// to the relational scales (see dynamoNumber); optional fields are omitted
// when unset.
func (g *DynamoGateway) item(rec *models.Record) (map[string]types.AttributeValue, error) {
	rawMetadata, err := rec.UsageLog.RawMetadata.Text()
	if err != nil {
		return nil, fmt.Errorf("raw_metadata: %w", err)
	}
	rawUsage, err := rec.UsageLog.RawUsage.Text()
	if err != nil {
		return nil, fmt.Errorf("raw_usage: %w", err)
	}

	r := rec.Request
	item := map[string]types.AttributeValue{
		AttrUserID:           str(r.UserID),
		AttrCompositeKey:     str(usage.CompositeKey(r.UserID, r.RequestID)),
		AttrRequestID:        str(r.RequestID),
		AttrUserCreatedAt:    str(formatTime(rec.User.CreatedAt)),
		AttrModelProvider:    str(r.ModelProvider),
		AttrModelName:        str(r.ModelName),
		AttrPromptTokens:     num(strconv.FormatInt(r.PromptTokens, 10)),
		AttrCompletionTokens: num(strconv.FormatInt(r.CompletionTokens, 10)),
		AttrTotalTokens:      num(strconv.FormatInt(r.TotalTokens, 10)),
		AttrTotalCost:        num(dynamoNumber(r.TotalCost, CostScale)),
		AttrTimeTakenSec:     num(dynamoNumber(r.TimeTakenSec, TimeScale)),
		AttrCreatedAt:        str(formatTime(r.CreatedAt)),
		AttrRawMetadata:      str(rawMetadata),
		AttrRawUsage:         str(rawUsage),
		AttrLoggedAt:         str(formatTime(rec.UsageLog.LoggedAt)),
	}

	if rec.User.Username != nil {
		item[AttrUsername] = str(*rec.User.Username)
	}
	if rec.User.Email != nil {
		item[AttrEmail] = str(*rec.User.Email)
	}
	if r.SessionID != nil {
		item[AttrSessionID] = str(*r.SessionID)
	}

	return item, nil
}

// EnsureTable creates the table with on-demand billing when it does not exist
// and waits for it to become active.
func (g *DynamoGateway) EnsureTable(ctx context.Context) error {
	_, err := g.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(g.table)})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return newPersistenceError(dynamoBackend, "describe table", err)
	}

	_, err = g.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(g.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(AttrUserID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(AttrCompositeKey), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(AttrUserID), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(AttrCompositeKey), KeyType: types.KeyTypeRange},
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return newPersistenceError(dynamoBackend, "create table", err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(g.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(g.table)}, g.cfg.CreateTableTimeout); err != nil {
		return newPersistenceError(dynamoBackend, "wait for table", err)
	}
	return nil
}

// Health reports an error unless the table exists and is ACTIVE.
func (g *DynamoGateway) Health(ctx context.Context) error {
	out, err := g.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(g.table)})
	if err != nil {
		return newPersistenceError(dynamoBackend, "describe table", err)
	}
	if out.Table == nil || out.Table.TableStatus != types.TableStatusActive {
		return fmt.Errorf("%w: %s", ErrTableNotActive, g.table)
	}
	return nil
}

func str(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func num(s string) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: s}
}

// dynamoMaxDigits is the precision limit of a DynamoDB number.
const dynamoMaxDigits = 38

// dynamoNumber rounds d half away from zero to scale places, then drops
// further low-order digits while it still carries more than dynamoMaxDigits
// significant digits, which DynamoDB rejects.
func dynamoNumber(d decimal.Decimal, scale int32) string {
	d = d.Round(scale)
	digits := int32(len(new(big.Int).Abs(d.Coefficient()).String()))
	if excess := digits - dynamoMaxDigits; excess > 0 {
		d = d.Round(-d.Exponent() - excess)
	}
	return d.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
