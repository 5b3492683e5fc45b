package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB table attribute names. The table uses a composite primary key
// with TTL enabled on the ttl attribute.
const (
	PartitionKey = "pk"
	SortKey      = "sk"
	TitleAttr    = "title"
	StateAttr    = "state"
	UpdatedAttr  = "updated_at"
	TTLAttr      = "ttl"

	// LastSyncedAttr holds the checkpoint watermark as Unix epoch seconds.
	LastSyncedAttr = "last_synced_at"

	checkpointPK = "CHECKPOINT"

	// dynamoBatchSize is the DynamoDB BatchWriteItem item limit.
	dynamoBatchSize = 25

	maxUnprocessedRetries = 5
	unprocessedMaxBackoff = 2 * time.Second
)

// DynamoAPI is the subset of the DynamoDB client used by Dynamo. It exists
// so tests can inject a mock.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	DescribeTimeToLive(ctx context.Context, params *dynamodb.DescribeTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTimeToLiveOutput, error)
}

// Dynamo implements RecordStore and CheckpointStore on a single DynamoDB
// table. Records live under pk "PROJECT#<project_id>" / sk "MR#<iid>";
// checkpoints under pk "CHECKPOINT" / sk "SOURCE#<source>". The checkpoint
// advance uses a conditional write, so concurrent runs race safely.
type Dynamo struct {
	client    DynamoAPI
	tableName string
	opTimeout time.Duration
	clock     func() time.Time
}

// DynamoOption customises a Dynamo store.
type DynamoOption func(*Dynamo)

// WithDynamoAPI injects a custom DynamoDB API implementation, typically a
// mock in tests.
func WithDynamoAPI(api DynamoAPI) DynamoOption {
	return func(d *Dynamo) {
		d.client = api
	}
}

// WithDynamoClock sets the clock used for TTL computation and expiry
// filtering. Defaults to time.Now.
func WithDynamoClock(clock func() time.Time) DynamoOption {
	return func(d *Dynamo) {
		d.clock = clock
	}
}

// WithDynamoOpTimeout bounds each DynamoDB call. Zero disables the bound.
func WithDynamoOpTimeout(timeout time.Duration) DynamoOption {
	return func(d *Dynamo) {
		d.opTimeout = timeout
	}
}

// NewDynamo creates a Dynamo store against the given table. The AWS config
// supplies credentials and region unless WithDynamoAPI overrides the client.
func NewDynamo(awsCfg aws.Config, tableName string, opts ...DynamoOption) (*Dynamo, error) {
	if tableName == "" {
		return nil, errors.New("table name cannot be empty")
	}

	d := &Dynamo{
		tableName: tableName,
		opTimeout: 5 * time.Second,
		clock:     time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.client == nil {
		d.client = dynamodb.NewFromConfig(awsCfg)
	}
	return d, nil
}

// Init validates the table schema: composite pk/sk primary key, table
// active, TTL enabled on the ttl attribute.
func (d *Dynamo) Init(ctx context.Context) error {
	out, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		var notFound *dynamodbtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return fmt.Errorf("table %s does not exist", d.tableName)
		}
		return unavailable("describing table "+d.tableName, err)
	}

	if len(out.Table.KeySchema) < 2 {
		return fmt.Errorf("table %s must have a composite primary key", d.tableName)
	}
	if got := aws.ToString(out.Table.KeySchema[0].AttributeName); got != PartitionKey {
		return fmt.Errorf("table %s has partition key %s, expected %s", d.tableName, got, PartitionKey)
	}
	if got := aws.ToString(out.Table.KeySchema[1].AttributeName); got != SortKey {
		return fmt.Errorf("table %s has sort key %s, expected %s", d.tableName, got, SortKey)
	}
	if out.Table.TableStatus != dynamodbtypes.TableStatusActive {
		return fmt.Errorf("table %s is not active (status: %s)", d.tableName, out.Table.TableStatus)
	}

	ttlOut, err := d.client.DescribeTimeToLive(ctx, &dynamodb.DescribeTimeToLiveInput{
		TableName: aws.String(d.tableName),
	})
	if err != nil {
		return unavailable("describing TTL for table "+d.tableName, err)
	}
	desc := ttlOut.TimeToLiveDescription
	if desc == nil || desc.TimeToLiveStatus != dynamodbtypes.TimeToLiveStatusEnabled {
		return fmt.Errorf("table %s must have TTL enabled on attribute %s", d.tableName, TTLAttr)
	}
	if got := aws.ToString(desc.AttributeName); got != TTLAttr {
		return fmt.Errorf("table %s has TTL attribute %s, expected %s", d.tableName, got, TTLAttr)
	}

	return nil
}

func recordPK(projectID int) string { return fmt.Sprintf("PROJECT#%d", projectID) }
func recordSK(iid int) string       { return fmt.Sprintf("MR#%d", iid) }
func checkpointSK(source string) string {
	return "SOURCE#" + source
}

func (d *Dynamo) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.opTimeout)
}

func (d *Dynamo) recordItem(rec Record, ttl time.Duration) map[string]dynamodbtypes.AttributeValue {
	expires := strconv.FormatInt(d.clock().Add(ttl).Unix(), 10)
	return map[string]dynamodbtypes.AttributeValue{
		PartitionKey: &dynamodbtypes.AttributeValueMemberS{Value: recordPK(rec.Key.ProjectID)},
		SortKey:      &dynamodbtypes.AttributeValueMemberS{Value: recordSK(rec.Key.IID)},
		TitleAttr:    &dynamodbtypes.AttributeValueMemberS{Value: rec.Title},
		StateAttr:    &dynamodbtypes.AttributeValueMemberS{Value: string(rec.State)},
		UpdatedAttr:  &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(rec.UpdatedAt.Unix(), 10)},
		TTLAttr:      &dynamodbtypes.AttributeValueMemberN{Value: expires},
	}
}

func (d *Dynamo) Upsert(ctx context.Context, rec Record, ttl time.Duration) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      d.recordItem(rec, ttl),
	})
	if err != nil {
		return unavailable(fmt.Sprintf("writing record %s to table %s", rec.Key, d.tableName), err)
	}
	return nil
}

// UpsertBatch writes records in chunks of up to 25 via BatchWriteItem,
// retrying unprocessed items with exponential backoff. Records that fail
// validation are reported individually and excluded from the write; they
// never abort the rest of the batch.
func (d *Dynamo) UpsertBatch(ctx context.Context, recs []Record, ttl time.Duration) []BatchResult {
	results := make([]BatchResult, len(recs))

	// Validate up front so a bad record cannot poison its chunk, and track
	// the last occurrence of every key. BatchWriteItem rejects a request
	// containing duplicate keys outright, so only the last write for a key
	// goes on the wire.
	lastIndex := make(map[Key]int, len(recs))
	for i, rec := range recs {
		results[i] = BatchResult{Key: rec.Key}
		if err := rec.Validate(); err != nil {
			results[i].Err = err
			continue
		}
		lastIndex[rec.Key] = i
	}

	var writable []int
	for i, rec := range recs {
		if results[i].Err != nil || lastIndex[rec.Key] != i {
			continue
		}
		writable = append(writable, i)
	}

	for start := 0; start < len(writable); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(writable))
		chunk := writable[start:end]

		if err := d.writeChunk(ctx, recs, chunk, ttl); err != nil {
			for _, i := range chunk {
				results[i].Err = err
			}
		}
	}

	// Superseded duplicates share the fate of the write that carried their
	// key.
	for i, rec := range recs {
		if results[i].Err != nil {
			continue
		}
		if j := lastIndex[rec.Key]; j != i {
			results[i].Err = results[j].Err
		}
	}

	return results
}

// writeChunk issues one BatchWriteItem for the given record indexes,
// retrying unprocessed items until they drain or the retry budget runs out.
func (d *Dynamo) writeChunk(ctx context.Context, recs []Record, indexes []int, ttl time.Duration) error {
	requests := make([]dynamodbtypes.WriteRequest, 0, len(indexes))
	for _, i := range indexes {
		requests = append(requests, dynamodbtypes.WriteRequest{
			PutRequest: &dynamodbtypes.PutRequest{Item: d.recordItem(recs[i], ttl)},
		})
	}

	input := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]dynamodbtypes.WriteRequest{d.tableName: requests},
	}

	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		opCtx, cancel := d.opCtx(ctx)
		out, err := d.client.BatchWriteItem(opCtx, input)
		cancel()
		if err != nil {
			return unavailable(fmt.Sprintf("batch writing %d records to table %s", len(indexes), d.tableName), err)
		}

		unprocessed := out.UnprocessedItems[d.tableName]
		if len(unprocessed) == 0 {
			return nil
		}
		if attempt == maxUnprocessedRetries {
			return unavailable(
				fmt.Sprintf("table %s", d.tableName),
				fmt.Errorf("%d unprocessed items after %d retries", len(unprocessed), maxUnprocessedRetries),
			)
		}

		select {
		case <-ctx.Done():
			return unavailable("batch write to table "+d.tableName, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, unprocessedMaxBackoff)
		input.RequestItems = out.UnprocessedItems
	}
}

func (d *Dynamo) Get(ctx context.Context, key Key) (*ExpiringEntry, error) {
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]dynamodbtypes.AttributeValue{
			PartitionKey: &dynamodbtypes.AttributeValueMemberS{Value: recordPK(key.ProjectID)},
			SortKey:      &dynamodbtypes.AttributeValueMemberS{Value: recordSK(key.IID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable(fmt.Sprintf("reading record %s from table %s", key, d.tableName), err)
	}
	if out.Item == nil {
		return nil, nil
	}

	entry, err := parseRecordItem(key, out.Item)
	if err != nil {
		return nil, err
	}

	// DynamoDB purges expired items asynchronously, so filter here too.
	if entry.Expired(d.clock()) {
		return nil, nil
	}
	return entry, nil
}

func parseRecordItem(key Key, item map[string]dynamodbtypes.AttributeValue) (*ExpiringEntry, error) {
	entry := &ExpiringEntry{Record: Record{Key: key}}

	if v, ok := item[TitleAttr].(*dynamodbtypes.AttributeValueMemberS); ok {
		entry.Title = v.Value
	}
	if v, ok := item[StateAttr].(*dynamodbtypes.AttributeValueMemberS); ok {
		state, err := ParseState(v.Value)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", key, err)
		}
		entry.State = state
	}
	if v, ok := item[UpdatedAttr].(*dynamodbtypes.AttributeValueMemberN); ok {
		epoch, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("record %s: parsing %s: %w", key, UpdatedAttr, err)
		}
		entry.UpdatedAt = time.Unix(epoch, 0).UTC()
	}
	if v, ok := item[TTLAttr].(*dynamodbtypes.AttributeValueMemberN); ok {
		epoch, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("record %s: parsing %s: %w", key, TTLAttr, err)
		}
		entry.ExpiresAt = time.Unix(epoch, 0).UTC()
	}

	return entry, nil
}

func (d *Dynamo) LastSynced(ctx context.Context, source string) (time.Time, error) {
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]dynamodbtypes.AttributeValue{
			PartitionKey: &dynamodbtypes.AttributeValueMemberS{Value: checkpointPK},
			SortKey:      &dynamodbtypes.AttributeValueMemberS{Value: checkpointSK(source)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, unavailable("reading checkpoint for "+source, err)
	}
	if out.Item == nil {
		return time.Time{}, nil
	}

	v, ok := out.Item[LastSyncedAttr].(*dynamodbtypes.AttributeValueMemberN)
	if !ok {
		return time.Time{}, fmt.Errorf("checkpoint for %s has no %s attribute", source, LastSyncedAttr)
	}
	epoch, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing checkpoint for %s: %w", source, err)
	}
	return time.Unix(epoch, 0).UTC(), nil
}

// AdvanceLastSynced writes the checkpoint conditionally: the item must be
// absent when prev is zero, or its stored watermark must equal prev. A
// failed condition means another run advanced the checkpoint first.
func (d *Dynamo) AdvanceLastSynced(ctx context.Context, source string, prev, next time.Time) error {
	ctx, cancel := d.opCtx(ctx)
	defer cancel()

	input := &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item: map[string]dynamodbtypes.AttributeValue{
			PartitionKey:   &dynamodbtypes.AttributeValueMemberS{Value: checkpointPK},
			SortKey:        &dynamodbtypes.AttributeValueMemberS{Value: checkpointSK(source)},
			LastSyncedAttr: &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(next.Unix(), 10)},
		},
	}

	if prev.IsZero() {
		input.ConditionExpression = aws.String(fmt.Sprintf("attribute_not_exists(%s)", LastSyncedAttr))
	} else {
		input.ConditionExpression = aws.String(fmt.Sprintf("%s = :prev", LastSyncedAttr))
		input.ExpressionAttributeValues = map[string]dynamodbtypes.AttributeValue{
			":prev": &dynamodbtypes.AttributeValueMemberN{Value: strconv.FormatInt(prev.Unix(), 10)},
		}
	}

	if _, err := d.client.PutItem(ctx, input); err != nil {
		var conditionFailed *dynamodbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrCheckpointConflict
		}
		return unavailable("advancing checkpoint for "+source, err)
	}
	return nil
}

func (d *Dynamo) Close() error {
	return nil
}
