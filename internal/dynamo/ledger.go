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

	"github.com/MikeSquared-Agency/warden/internal/quota"
)

// Ledger items live under PK=LIMITER#<name>, SK=SUBJECT#<subject> with a
// numeric available balance and replenishedAt in unix nanoseconds.
const (
	skPrefixSubject = "SUBJECT#"

	exprDebit     = "SET available = available - :amt"
	condDebit     = "available >= :amt"
	exprCredit    = "SET available = available + :amt"
	exprReplenish = "SET available = available + :inc, replenishedAt = :next"
	condReplenish = "replenishedAt = :prev"
	condAbsent    = "attribute_not_exists(PK)"
)

// Ledger implements quota.Ledger with conditional writes, so every replica
// sharing the table debits the same balances.
type Ledger struct {
	api       dynamodbAPI
	tableName string
	limiters  map[string]quota.Limiter
	now       func() time.Time
}

func NewLedger(api dynamodbAPI, tableName string, limiters []quota.Limiter) (*Ledger, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &Ledger{api: api, tableName: tableName, limiters: quota.Index(limiters), now: time.Now}, nil
}

func limiterPK(limiter string) string { return "LIMITER#" + limiter }

func ledgerKey(limiter, subject string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: limiterPK(limiter)},
		"SK": &types.AttributeValueMemberS{Value: skPrefixSubject + subject},
	}
}

func amountValue(n int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{":amt": &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}}
}

func (l *Ledger) TryConsume(ctx context.Context, limiter, subject string, amount int64) (quota.Decision, error) {
	claims, err := quota.NormalizeClaims([]quota.Claim{{Limiter: limiter, Subject: subject, Amount: amount}}, l.limiters)
	if err != nil {
		return quota.Decision{}, err
	}
	remaining, err := l.reserve(ctx, claims)
	if err != nil {
		var ex *quota.ExceededError
		if errors.As(err, &ex) {
			return quota.Decision{Granted: false, Remaining: ex.Available}, nil
		}
		return quota.Decision{}, err
	}
	return quota.Decision{Granted: true, Remaining: remaining}, nil
}

func (l *Ledger) Reserve(ctx context.Context, claims []quota.Claim) (*quota.Reservation, error) {
	claims, err := quota.NormalizeClaims(claims, l.limiters)
	if err != nil {
		return nil, err
	}
	if _, err := l.reserve(ctx, claims); err != nil {
		return nil, err
	}
	return quota.NewReservation(claims, l.now()), nil
}

// reserve debits every claim or none. A single claim is one conditional
// UpdateItem whose result is the remaining balance; several claims go through
// one transaction. The returned balance is meaningful for a single claim only.
func (l *Ledger) reserve(ctx context.Context, claims []quota.Claim) (int64, error) {
	for _, c := range claims {
		if err := l.ensure(ctx, c.Limiter, c.Subject); err != nil {
			return 0, quota.Unavailable("reserve", err)
		}
	}

	if len(claims) == 1 {
		c := claims[0]
		out, err := l.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(l.tableName),
			Key:                       ledgerKey(c.Limiter, c.Subject),
			UpdateExpression:          aws.String(exprDebit),
			ConditionExpression:       aws.String(condDebit),
			ExpressionAttributeValues: amountValue(c.Amount),
			ReturnValues:              types.ReturnValueUpdatedNew,
		})
		if err != nil {
			var failed *types.ConditionalCheckFailedException
			if errors.As(err, &failed) {
				return 0, l.exceeded(ctx, c)
			}
			return 0, quota.Unavailable("reserve", fmt.Errorf("dynamo: update: %w", err))
		}
		remaining, err := int64Attr(out.Attributes, "available")
		if err != nil {
			return 0, quota.Unavailable("reserve", err)
		}
		return remaining, nil
	}

	writes := make([]types.TransactWriteItem, 0, len(claims))
	for _, c := range claims {
		writes = append(writes, l.debit(c.Limiter, c.Subject, c.Amount))
	}
	_, err := l.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	if err == nil {
		return 0, nil
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for i, r := range canceled.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" && i < len(claims) {
				return 0, l.exceeded(ctx, claims[i])
			}
		}
	}
	return 0, quota.Unavailable("reserve", fmt.Errorf("dynamo: transact write: %w", err))
}

func (l *Ledger) exceeded(ctx context.Context, c quota.Claim) error {
	available, err := l.read(ctx, c.Limiter, c.Subject)
	if err != nil {
		return quota.Unavailable("reserve", err)
	}
	return &quota.ExceededError{Limiter: c.Limiter, Subject: c.Subject, Available: available, Needed: c.Amount}
}

func (l *Ledger) debit(limiter, subject string, n int64) types.TransactWriteItem {
	return types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(l.tableName),
		Key:                       ledgerKey(limiter, subject),
		UpdateExpression:          aws.String(exprDebit),
		ConditionExpression:       aws.String(condDebit),
		ExpressionAttributeValues: amountValue(n),
	}}
}

func (l *Ledger) credit(limiter, subject string, n int64) types.TransactWriteItem {
	return types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(l.tableName),
		Key:                       ledgerKey(limiter, subject),
		UpdateExpression:          aws.String(exprCredit),
		ExpressionAttributeValues: amountValue(n),
	}}
}

// ensure creates the subject's item at the limiter's initial quota on first
// reference.
func (l *Ledger) ensure(ctx context.Context, limiter, subject string) error {
	item := ledgerKey(limiter, subject)
	item["limiter"] = &types.AttributeValueMemberS{Value: limiter}
	item["subject"] = &types.AttributeValueMemberS{Value: subject}
	item["available"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(l.limiters[limiter].InitialQuota, 10)}
	item["replenishedAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(l.now().UnixNano(), 10)}
	_, err := l.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                item,
		ConditionExpression: aws.String(condAbsent),
	})
	var exists *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("dynamo: ensure %s/%s: %w", limiter, subject, err)
	}
	return nil
}

func (l *Ledger) read(ctx context.Context, limiter, subject string) (int64, error) {
	out, err := l.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.tableName),
		Key:            ledgerKey(limiter, subject),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("dynamo: read %s/%s: %w", limiter, subject, err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, fmt.Errorf("dynamo: read %s/%s: item missing", limiter, subject)
	}
	return int64Attr(out.Item, "available")
}

func (l *Ledger) balance(ctx context.Context, limiter, subject string) (int64, error) {
	if err := l.ensure(ctx, limiter, subject); err != nil {
		return 0, err
	}
	return l.read(ctx, limiter, subject)
}

func (l *Ledger) Release(ctx context.Context, r *quota.Reservation) error {
	if r == nil || r.Done() {
		return nil
	}
	writes := make([]types.TransactWriteItem, 0, len(r.Claims))
	for _, c := range r.Claims {
		writes = append(writes, l.credit(c.Limiter, c.Subject, c.Amount))
	}
	if _, err := l.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes}); err != nil {
		return quota.Unavailable("release", fmt.Errorf("dynamo: transact write: %w", err))
	}
	r.MarkDone()
	return nil
}

// Settle applies every claim's adjustment in one transaction. Extra debits
// are conditional on the balance read beforehand still covering them; a
// concurrent debit cancels the transaction and the adjustment is recomputed.
func (l *Ledger) Settle(ctx context.Context, r *quota.Reservation, actual int64) error {
	if r == nil || r.Done() {
		return nil
	}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		writes := make([]types.TransactWriteItem, 0, len(r.Claims))
		for _, c := range r.Claims {
			available, err := l.balance(ctx, c.Limiter, c.Subject)
			if err != nil {
				return quota.Unavailable("settle", err)
			}
			switch delta := quota.SettleDelta(c.Amount, actual, available); {
			case delta > 0:
				writes = append(writes, l.debit(c.Limiter, c.Subject, delta))
			case delta < 0:
				writes = append(writes, l.credit(c.Limiter, c.Subject, -delta))
			}
		}
		if len(writes) == 0 {
			r.MarkDone()
			return nil
		}
		_, err := l.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
		if err == nil {
			r.MarkDone()
			return nil
		}
		if !isConditionFailure(err) {
			return quota.Unavailable("settle", fmt.Errorf("dynamo: transact write: %w", err))
		}
	}
	return quota.Unavailable("settle", ErrConflict)
}

func (l *Ledger) Available(ctx context.Context, limiter, subject string) (int64, error) {
	if _, ok := l.limiters[limiter]; !ok {
		return 0, fmt.Errorf("%w: %s", quota.ErrUnknownLimiter, limiter)
	}
	available, err := l.balance(ctx, limiter, subject)
	if err != nil {
		return 0, quota.Unavailable("available", err)
	}
	return available, nil
}

// Replenish credits every due subject of lim. Each credit is conditional on
// replenishedAt being unchanged, so two replicas replenishing the same
// period grant it once.
func (l *Ledger) Replenish(ctx context.Context, lim quota.Limiter, now time.Time) (int, error) {
	if _, ok := l.limiters[lim.Name]; !ok {
		return 0, fmt.Errorf("%w: %s", quota.ErrUnknownLimiter, lim.Name)
	}
	if lim.Period <= 0 || lim.QuotaIncrease <= 0 {
		return 0, nil
	}
	items, err := queryPrefix(ctx, l.api, l.tableName, limiterPK(lim.Name), skPrefixSubject)
	if err != nil {
		return 0, quota.Unavailable("replenish", err)
	}

	granted := 0
	for _, item := range items {
		available, err := int64Attr(item, "available")
		if err != nil {
			return granted, quota.Unavailable("replenish", err)
		}
		last, err := int64Attr(item, "replenishedAt")
		if err != nil {
			return granted, quota.Unavailable("replenish", err)
		}
		next, at, periods := quota.Grant(lim, available, time.Unix(0, last), now)
		if periods == 0 {
			continue
		}
		_, err = l.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(l.tableName),
			Key:                 map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]},
			UpdateExpression:    aws.String(exprReplenish),
			ConditionExpression: aws.String(condReplenish),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":inc":  &types.AttributeValueMemberN{Value: strconv.FormatInt(next-available, 10)},
				":next": &types.AttributeValueMemberN{Value: strconv.FormatInt(at.UnixNano(), 10)},
				":prev": &types.AttributeValueMemberN{Value: strconv.FormatInt(last, 10)},
			},
		})
		if err != nil {
			var raced *types.ConditionalCheckFailedException
			if errors.As(err, &raced) {
				continue
			}
			return granted, quota.Unavailable("replenish", fmt.Errorf("dynamo: update: %w", err))
		}
		granted++
	}
	return granted, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamo: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamo: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamo: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
