package dynamo

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory table that understands the handful of
// expressions Transcripts and Ledger issue.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]types.AttributeValue

	txErr     error
	queryErr  error
	updateErr error
	txCalls   int
	pageSize  int
	conflicts int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]map[string]types.AttributeValue)}
}

func sAttr(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func nAttr(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func num(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func (f *fakeDynamo) lookup(key map[string]types.AttributeValue) map[string]types.AttributeValue {
	return f.items[sAttr(key, "PK")][sAttr(key, "SK")]
}

func (f *fakeDynamo) store(item map[string]types.AttributeValue) {
	pk, sk := sAttr(item, "PK"), sAttr(item, "SK")
	if f.items[pk] == nil {
		f.items[pk] = make(map[string]map[string]types.AttributeValue)
	}
	f.items[pk][sk] = item
}

// holds evaluates a condition expression against the stored item.
func holds(existing map[string]types.AttributeValue, cond string, values map[string]types.AttributeValue) bool {
	switch {
	case cond == "":
		return true
	case strings.HasPrefix(cond, "attribute_not_exists"):
		return existing == nil
	case cond == "turns = :expected":
		return existing != nil && nAttr(existing, "turns") == nAttr(values, ":expected")
	case cond == condDebit:
		return existing != nil && nAttr(existing, "available") >= nAttr(values, ":amt")
	case cond == condReplenish:
		return existing != nil && nAttr(existing, "replenishedAt") == nAttr(values, ":prev")
	}
	panic("fakeDynamo: unsupported condition " + cond)
}

func update(existing map[string]types.AttributeValue, expr string, values map[string]types.AttributeValue) map[string]types.AttributeValue {
	next := make(map[string]types.AttributeValue, len(existing))
	for k, v := range existing {
		next[k] = v
	}
	switch expr {
	case exprDebit:
		next["available"] = num(nAttr(existing, "available") - nAttr(values, ":amt"))
	case exprCredit:
		next["available"] = num(nAttr(existing, "available") + nAttr(values, ":amt"))
	case exprReplenish:
		next["available"] = num(nAttr(existing, "available") + nAttr(values, ":inc"))
		next["replenishedAt"] = num(nAttr(values, ":next"))
	default:
		panic("fakeDynamo: unsupported update " + expr)
	}
	return next
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.lookup(in.Key)}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !holds(f.lookup(in.Item), aws.ToString(in.ConditionExpression), in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.store(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	existing := f.lookup(in.Key)
	if !holds(existing, aws.ToString(in.ConditionExpression), in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	next := update(existing, aws.ToString(in.UpdateExpression), in.ExpressionAttributeValues)
	for k, v := range in.Key {
		next[k] = v
	}
	f.store(next)
	return &dynamodb.UpdateItemOutput{Attributes: next}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	pk := sAttr(in.ExpressionAttributeValues, ":pk")
	prefix := sAttr(in.ExpressionAttributeValues, ":prefix")
	var keys []string
	for sk := range f.items[pk] {
		if strings.HasPrefix(sk, prefix) {
			keys = append(keys, sk)
		}
	}
	sort.Strings(keys)
	if in.ExclusiveStartKey != nil {
		start := sAttr(in.ExclusiveStartKey, "SK")
		i := sort.SearchStrings(keys, start)
		if i < len(keys) && keys[i] == start {
			i++
		}
		keys = keys[i:]
	}

	out := &dynamodb.QueryOutput{}
	if f.pageSize > 0 && len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		last := keys[len(keys)-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: last},
		}
	}
	for _, sk := range keys {
		out.Items = append(out.Items, f.items[pk][sk])
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	if f.txErr != nil {
		return nil, f.txErr
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	if f.conflicts > 0 {
		f.conflicts--
		failed = true
		reasons[len(reasons)-1].Code = aws.String("ConditionalCheckFailed")
	}
	for i, w := range in.TransactItems {
		ok := true
		switch {
		case w.Put != nil:
			ok = holds(f.lookup(w.Put.Item), aws.ToString(w.Put.ConditionExpression), w.Put.ExpressionAttributeValues)
		case w.Update != nil:
			ok = holds(f.lookup(w.Update.Key), aws.ToString(w.Update.ConditionExpression), w.Update.ExpressionAttributeValues)
		}
		if !ok {
			failed = true
			reasons[i].Code = aws.String("ConditionalCheckFailed")
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, w := range in.TransactItems {
		switch {
		case w.Put != nil:
			f.store(w.Put.Item)
		case w.Update != nil:
			next := update(f.lookup(w.Update.Key), aws.ToString(w.Update.UpdateExpression), w.Update.ExpressionAttributeValues)
			for k, v := range w.Update.Key {
				next[k] = v
			}
			f.store(next)
		case w.Delete != nil:
			pk, sk := sAttr(w.Delete.Key, "PK"), sAttr(w.Delete.Key, "SK")
			delete(f.items[pk], sk)
			if len(f.items[pk]) == 0 {
				delete(f.items, pk)
			}
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}
