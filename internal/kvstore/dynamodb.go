package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// Attribute names of the DynamoDB table. The table is keyed by
// (collection HASH, id RANGE).
const (
	attrCollection = "collection"
	attrID         = "id"
	attrBody       = "body"
	attrVersion    = "version"
	attrUpdatedAt  = "updated_at"
)

// DynamoDB BatchWriteItem accepts at most 25 items per request.
const dynamoBatchSize = 25

// DynamoDBAPI is the subset of the DynamoDB client used by the store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBStore implements core.DocumentStore on a DynamoDB table. Every
// write stamps a fresh version token; transactions commit with
// TransactWriteItems conditioned on the versions they read.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
	logger    zerolog.Logger
	closed    atomic.Bool
}

// NewDynamoDBStore loads the AWS configuration and checks the table exists.
func NewDynamoDBStore(ctx context.Context, cfg config.DynamoDBConfig, logger zerolog.Logger) (*DynamoDBStore, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if cfg.TableName == "" {
		return nil, fmt.Errorf("table name is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		// Custom endpoint (e.g., LocalStack).
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	client := dynamodb.NewFromConfig(awsCfg, opts...)

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.DescribeTable(checkCtx, &dynamodb.DescribeTableInput{
		TableName: aws.String(cfg.TableName),
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB table %s: %w", cfg.TableName, err)
	}

	return NewDynamoDBStoreWithClient(client, cfg.TableName, logger), nil
}

// NewDynamoDBStoreWithClient wraps an existing client.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, tableName string, logger zerolog.Logger) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		logger:    logger.With().Str("component", "dynamodb_store").Logger(),
	}
}

func itemKey(path string) (map[string]types.AttributeValue, error) {
	collection, id, err := core.SplitPath(path)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		attrCollection: &types.AttributeValueMemberS{Value: collection},
		attrID:         &types.AttributeValueMemberS{Value: id},
	}, nil
}

func newItem(path string, doc core.Document) (map[string]types.AttributeValue, error) {
	item, err := itemKey(path)
	if err != nil {
		return nil, err
	}
	body, err := core.EncodeDocument(doc)
	if err != nil {
		return nil, err
	}
	item[attrBody] = &types.AttributeValueMemberB{Value: body}
	item[attrVersion] = &types.AttributeValueMemberS{Value: uuid.NewString()}
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)}
	return item, nil
}

func decodeItem(item map[string]types.AttributeValue) (core.Document, string, error) {
	var version string
	if v, ok := item[attrVersion].(*types.AttributeValueMemberS); ok {
		version = v.Value
	}
	body, ok := item[attrBody].(*types.AttributeValueMemberB)
	if !ok {
		return nil, version, fmt.Errorf("item has no binary body")
	}
	doc, err := core.DecodeDocument(body.Value)
	return doc, version, err
}

func (d *DynamoDBStore) getItem(ctx context.Context, path string) (map[string]types.AttributeValue, error) {
	key, err := itemKey(path)
	if err != nil {
		return nil, err
	}
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", path, err)
	}
	return out.Item, nil
}

// Get implements core.DocumentStore.
func (d *DynamoDBStore) Get(ctx context.Context, path string) (core.Document, error) {
	if d.closed.Load() {
		return nil, core.ErrStoreClosed
	}
	item, err := d.getItem(ctx, path)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}
	doc, _, err := decodeItem(item)
	return doc, err
}

// Set implements core.DocumentStore.
func (d *DynamoDBStore) Set(ctx context.Context, path string, doc core.Document) error {
	if d.closed.Load() {
		return core.ErrStoreClosed
	}
	item, err := newItem(path, doc)
	if err != nil {
		return err
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

// Delete implements core.DocumentStore.
func (d *DynamoDBStore) Delete(ctx context.Context, path string) error {
	if d.closed.Load() {
		return core.ErrStoreClosed
	}
	key, err := itemKey(path)
	if err != nil {
		return err
	}
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       key,
	}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// BatchSet implements core.DocumentStore in chunks of 25 items, resubmitting
// unprocessed items.
func (d *DynamoDBStore) BatchSet(ctx context.Context, docs map[string]core.Document) error {
	if d.closed.Load() {
		return core.ErrStoreClosed
	}

	requests := make([]types.WriteRequest, 0, len(docs))
	for path, doc := range docs {
		item, err := newItem(path, doc)
		if err != nil {
			return err
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}

	for start := 0; start < len(requests); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(requests))
		pending := map[string][]types.WriteRequest{d.tableName: requests[start:end]}

		for attempt := 0; len(pending[d.tableName]) > 0; attempt++ {
			if attempt >= maxTxAttempts {
				return fmt.Errorf("failed to batch write: %d items left unprocessed", len(pending[d.tableName]))
			}
			out, err := d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("failed to batch write: %w", err)
			}
			pending = out.UnprocessedItems
			if len(pending[d.tableName]) > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
				}
			}
		}
	}
	return nil
}

// List implements core.DocumentStore with a consistent Query over the
// collection partition.
func (d *DynamoDBStore) List(ctx context.Context, collection, after string, limit int) ([]core.Snapshot, error) {
	if d.closed.Load() {
		return nil, core.ErrStoreClosed
	}

	names := map[string]string{"#c": attrCollection}
	values := map[string]types.AttributeValue{":c": &types.AttributeValueMemberS{Value: collection}}
	cond := "#c = :c"
	if after != "" {
		names["#i"] = attrID
		values[":after"] = &types.AttributeValueMemberS{Value: after}
		cond += " AND #i > :after"
	}

	var (
		out      []core.Snapshot
		startKey map[string]types.AttributeValue
	)
	for {
		in := &dynamodb.QueryInput{
			TableName:                 aws.String(d.tableName),
			KeyConditionExpression:    aws.String(cond),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ConsistentRead:            aws.Bool(true),
			ExclusiveStartKey:         startKey,
		}
		if limit > 0 {
			in.Limit = aws.Int32(int32(limit - len(out)))
		}
		page, err := d.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", collection, err)
		}
		for _, item := range page.Items {
			id, _ := item[attrID].(*types.AttributeValueMemberS)
			doc, _, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			if id != nil {
				out = append(out, core.Snapshot{ID: id.Value, Data: doc})
			}
		}
		startKey = page.LastEvaluatedKey
		if startKey == nil || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
	}
}

// RunTransaction implements core.DocumentStore. Reads are consistent and
// remember the version token they saw (empty when absent); the commit
// conditions every written or read key on that token.
func (d *DynamoDBStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx core.Transaction) error) error {
	if d.closed.Load() {
		return core.ErrStoreClosed
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx := &dynamoTx{store: d, reads: make(map[string]string), writes: make(map[string]*core.Document)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if len(tx.writes) == 0 {
			return nil
		}

		items, err := tx.buildWriteItems()
		if err != nil {
			return err
		}
		_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			d.logger.Debug().Int("attempt", attempt+1).Msg("transaction canceled, retrying")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}
	return core.ErrTxConflict
}

// Close implements core.DocumentStore. The SDK client holds no connections
// that need releasing.
func (d *DynamoDBStore) Close() error {
	d.closed.Store(true)
	return nil
}

type dynamoTx struct {
	store  *DynamoDBStore
	reads  map[string]string
	writes map[string]*core.Document
}

func (t *dynamoTx) Get(ctx context.Context, path string) (core.Document, error) {
	if doc, ok := t.writes[path]; ok {
		if doc == nil {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
		}
		return cloneDocument(*doc)
	}

	item, err := t.store.getItem(ctx, path)
	if err != nil {
		return nil, err
	}
	if item == nil {
		if _, seen := t.reads[path]; !seen {
			t.reads[path] = ""
		}
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}
	doc, version, err := decodeItem(item)
	if err != nil {
		return nil, err
	}
	if _, seen := t.reads[path]; !seen {
		t.reads[path] = version
	}
	return doc, nil
}

func (t *dynamoTx) Set(path string, doc core.Document) {
	t.writes[path] = &doc
}

func (t *dynamoTx) Delete(path string) {
	t.writes[path] = nil
}

// condition returns the condition expression guarding path, if it was read.
func (t *dynamoTx) condition(path string) (*string, map[string]string, map[string]types.AttributeValue) {
	version, seen := t.reads[path]
	if !seen {
		return nil, nil, nil
	}
	if version == "" {
		return aws.String("attribute_not_exists(#i)"), map[string]string{"#i": attrID}, nil
	}
	return aws.String("#v = :v"),
		map[string]string{"#v": attrVersion},
		map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: version}}
}

func (t *dynamoTx) buildWriteItems() ([]types.TransactWriteItem, error) {
	table := aws.String(t.store.tableName)
	items := make([]types.TransactWriteItem, 0, len(t.writes)+len(t.reads))

	for path, doc := range t.writes {
		cond, names, values := t.condition(path)
		if doc == nil {
			key, err := itemKey(path)
			if err != nil {
				return nil, err
			}
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 table,
				Key:                       key,
				ConditionExpression:       cond,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			}})
			continue
		}
		item, err := newItem(path, *doc)
		if err != nil {
			return nil, err
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:                 table,
			Item:                      item,
			ConditionExpression:       cond,
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}})
	}

	for path := range t.reads {
		if _, written := t.writes[path]; written {
			continue
		}
		key, err := itemKey(path)
		if err != nil {
			return nil, err
		}
		cond, names, values := t.condition(path)
		items = append(items, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:                 table,
			Key:                       key,
			ConditionExpression:       cond,
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}})
	}
	return items, nil
}

// DynamoDBStoreFactory creates DynamoDB document stores.
type DynamoDBStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *DynamoDBStoreFactory) Type() string {
	return "dynamodb"
}

// Create implements StoreFactory.
func (f *DynamoDBStoreFactory) Create(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (core.DocumentStore, error) {
	return NewDynamoDBStore(ctx, cfg.DynamoDB, logger)
}

// DynamoDBConfigValidator validates the DynamoDB store section.
type DynamoDBConfigValidator struct{}

// Type returns the type identifier for this validator.
func (v *DynamoDBConfigValidator) Type() string {
	return "dynamodb"
}

// Validate implements config.ConfigValidator.
func (v *DynamoDBConfigValidator) Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	store := cfg.Store
	if store.Type != "dynamodb" {
		return fmt.Errorf("invalid type for DynamoDB validator: %s", store.Type)
	}
	if store.DynamoDB.Region == "" {
		return fmt.Errorf("region is required for DynamoDB")
	}
	if store.DynamoDB.TableName == "" {
		return fmt.Errorf("table_name is required for DynamoDB")
	}
	if store.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got: %d", store.MaxRetries)
	}
	return nil
}

func init() {
	RegisterFactory(&DynamoDBStoreFactory{})
	config.RegisterValidator(&DynamoDBConfigValidator{})
}
