// Package dynamo stores conversation transcripts and quota balances in a
// DynamoDB table, sharing them between replicas without a relational
// database.
//
// Transcript layout: every item a user owns lives under PK=USER#<user>.
// Turns are SK=CONV#<id>#TURN#<seq> with a zero-padded sequence; SK=META#<id>
// carries the turn count and guards appends with a conditional write.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/MikeSquared-Agency/warden/internal/conversation"
)

const (
	skPrefixMeta = "META#"

	DefaultTTL = 30 * 24 * time.Hour

	// maxTransactItems is DynamoDB's per-transaction item limit.
	maxTransactItems = 100

	maxWriteAttempts = 8
)

// ErrConflict is returned when a conditional write kept losing the race for
// its item.
var ErrConflict = errors.New("dynamo: concurrent write conflict")

// dynamodbAPI is the minimal DynamoDB interface required by Transcripts and
// Ledger.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Transcripts implements conversation.Cache on a DynamoDB table with string
// keys PK and SK. Items carry a ttl attribute so idle conversations expire
// when TTL is enabled on the table.
type Transcripts struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// New creates a transcript store. A non-positive ttl falls back to DefaultTTL.
func New(api dynamodbAPI, tableName string, ttl time.Duration) (*Transcripts, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Transcripts{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func userPK(user string) string { return "USER#" + user }

func metaSK(id string) string { return skPrefixMeta + id }

func turnPrefix(id string) string { return "CONV#" + id + "#TURN#" }

func turnSK(id string, seq int) string { return fmt.Sprintf("%s%010d", turnPrefix(id), seq) }

func (t *Transcripts) Get(ctx context.Context, key conversation.Key) (conversation.Transcript, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	items, err := t.query(ctx, key.User, turnPrefix(key.ID))
	if err != nil {
		return nil, conversation.Unavailable("get transcript", err)
	}
	tr := make(conversation.Transcript, 0, len(items))
	for _, item := range items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, conversation.Unavailable("get transcript", err)
		}
		tr = append(tr, turn)
	}
	return tr, nil
}

// query returns every item in the user's partition whose SK starts with
// prefix, in ascending SK order.
func (t *Transcripts) query(ctx context.Context, user, prefix string) ([]map[string]types.AttributeValue, error) {
	return queryPrefix(ctx, t.api, t.tableName, userPK(user), prefix)
}

func queryPrefix(ctx context.Context, api dynamodbAPI, table, pk, prefix string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	var items []map[string]types.AttributeValue
	for {
		out, err := api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamo: query: %w", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (t *Transcripts) turnCount(ctx context.Context, key conversation.Key) (int, bool, error) {
	out, err := t.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(t.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(key.User)},
			"SK": &types.AttributeValueMemberS{Value: metaSK(key.ID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, fmt.Errorf("dynamo: get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, false, nil
	}
	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return 0, false, fmt.Errorf("dynamo: decode turns: %w", err)
	}
	return turns, true, nil
}

// Append writes the turns and the new META# count in one transaction. The
// META# put is conditional on the count read beforehand, so a concurrent
// append cancels the transaction and this one re-checks against the newer
// transcript. With a non-negative base that re-check reports ErrStale.
func (t *Transcripts) Append(ctx context.Context, key conversation.Key, base int, turns ...conversation.Turn) (conversation.Transcript, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if len(turns)+1 > maxTransactItems {
		return nil, fmt.Errorf("%w: %d turns exceed one transaction", conversation.ErrInvalidTurn, len(turns))
	}
	now := t.now().UTC()
	turns = conversation.Stamp(turns, now)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		count, exists, err := t.turnCount(ctx, key)
		if err != nil {
			return nil, conversation.Unavailable("append turns", err)
		}
		if err := conversation.CheckAppend(count, base, turns); err != nil {
			return nil, err
		}

		_, err = t.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: t.appendItems(key, count, exists, turns, now),
		})
		if err == nil {
			return t.Get(ctx, key)
		}
		if !isConditionFailure(err) {
			return nil, conversation.Unavailable("append turns", fmt.Errorf("dynamo: transact write: %w", err))
		}
	}
	return nil, conversation.Unavailable("append turns", ErrConflict)
}

func (t *Transcripts) appendItems(key conversation.Key, count int, exists bool, turns []conversation.Turn, now time.Time) []types.TransactWriteItem {
	expires := now.Add(t.ttl).Unix()
	items := make([]types.TransactWriteItem, 0, len(turns)+1)
	for i, turn := range turns {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(t.tableName),
				Item:                turnItem(key, count+i, turn, expires),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}

	meta := &types.Put{
		TableName: aws.String(t.tableName),
		Item:      metaItem(key, count+len(turns), now, expires),
	}
	if exists {
		meta.ConditionExpression = aws.String("turns = :expected")
		meta.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
		}
	} else {
		meta.ConditionExpression = aws.String("attribute_not_exists(PK)")
	}
	return append(items, types.TransactWriteItem{Put: meta})
}

// Delete removes the META# item first so concurrent appends restart from an
// empty conversation, then the turns in transaction-sized chunks.
func (t *Transcripts) Delete(ctx context.Context, key conversation.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	_, exists, err := t.turnCount(ctx, key)
	if err != nil {
		return false, conversation.Unavailable("delete conversation", err)
	}
	turns, err := t.query(ctx, key.User, turnPrefix(key.ID))
	if err != nil {
		return false, conversation.Unavailable("delete conversation", err)
	}
	if !exists && len(turns) == 0 {
		return false, nil
	}

	keys := make([]map[string]types.AttributeValue, 0, len(turns)+1)
	if exists {
		keys = append(keys, map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(key.User)},
			"SK": &types.AttributeValueMemberS{Value: metaSK(key.ID)},
		})
	}
	for _, item := range turns {
		keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
	}
	for start := 0; start < len(keys); start += maxTransactItems {
		end := min(start+maxTransactItems, len(keys))
		writes := make([]types.TransactWriteItem, 0, end-start)
		for _, k := range keys[start:end] {
			writes = append(writes, types.TransactWriteItem{
				Delete: &types.Delete{TableName: aws.String(t.tableName), Key: k},
			})
		}
		if _, err := t.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes}); err != nil {
			return false, conversation.Unavailable("delete conversation", fmt.Errorf("dynamo: transact delete: %w", err))
		}
	}
	return true, nil
}

// List reads the user's META# items.
func (t *Transcripts) List(ctx context.Context, user string) ([]conversation.Summary, error) {
	if err := conversation.ValidateUser(user); err != nil {
		return nil, err
	}
	items, err := t.query(ctx, user, skPrefixMeta)
	if err != nil {
		return nil, conversation.Unavailable("list conversations", err)
	}
	out := make([]conversation.Summary, 0, len(items))
	for _, item := range items {
		s, err := itemToSummary(item)
		if err != nil {
			return nil, conversation.Unavailable("list conversations", err)
		}
		if s.Turns > 0 {
			out = append(out, s)
		}
	}
	conversation.SortSummaries(out)
	return out, nil
}

func isConditionFailure(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, r := range canceled.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func turnItem(key conversation.Key, seq int, turn conversation.Turn, expires int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: userPK(key.User)},
		"SK":             &types.AttributeValueMemberS{Value: turnSK(key.ID, seq)},
		"conversationId": &types.AttributeValueMemberS{Value: key.ID},
		"role":           &types.AttributeValueMemberS{Value: string(turn.Role)},
		"content":        &types.AttributeValueMemberS{Value: turn.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: turn.Timestamp.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)},
	}
}

func metaItem(key conversation.Key, turns int, now time.Time, expires int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: userPK(key.User)},
		"SK":             &types.AttributeValueMemberS{Value: metaSK(key.ID)},
		"conversationId": &types.AttributeValueMemberS{Value: key.ID},
		"lastActivity":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		"turns":          &types.AttributeValueMemberN{Value: strconv.Itoa(turns)},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)},
	}
}

func itemToSummary(item map[string]types.AttributeValue) (conversation.Summary, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return conversation.Summary{}, err
	}
	turns, err := intAttr(item, "turns")
	if err != nil {
		return conversation.Summary{}, err
	}
	last, err := strAttr(item, "lastActivity")
	if err != nil {
		return conversation.Summary{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, last)
	if err != nil {
		return conversation.Summary{}, fmt.Errorf("dynamo: parse lastActivity: %w", err)
	}
	return conversation.Summary{ID: id, Turns: turns, UpdatedAt: ts}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (conversation.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return conversation.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return conversation.Turn{}, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return conversation.Turn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return conversation.Turn{}, fmt.Errorf("dynamo: parse createdAt: %w", err)
	}
	return conversation.Turn{Role: conversation.Role(role), Content: content, Timestamp: ts}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamo: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamo: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamo: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamo: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("dynamo: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
