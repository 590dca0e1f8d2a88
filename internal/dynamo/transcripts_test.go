package dynamo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/warden/internal/conversation"
	"github.com/MikeSquared-Agency/warden/internal/conversation/conversationtest"
)

func mustNew(t *testing.T, db *fakeDynamo) *Transcripts {
	t.Helper()
	tr, err := New(db, "warden-conversations", time.Hour)
	require.NoError(t, err)
	return tr
}

var abc = conversation.Key{User: "u1", ID: "abc"}

func TestTranscriptsContract(t *testing.T) {
	conversationtest.Run(t, func(t *testing.T) conversation.Cache {
		return mustNew(t, newFakeDynamo())
	})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "table", 0)
	require.Error(t, err)
	_, err = New(newFakeDynamo(), "  ", 0)
	require.Error(t, err)

	tr, err := New(newFakeDynamo(), "table", 0)
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, tr.ttl)
}

func TestAppend_WritesTurnsAndMetaTogether(t *testing.T) {
	db := newFakeDynamo()
	tr := mustNew(t, db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	_, err := tr.Append(context.Background(), abc, 0,
		conversation.Turn{Role: conversation.RoleUser, Content: "q"},
		conversation.Turn{Role: conversation.RoleAssistant, Content: "a"},
	)
	require.NoError(t, err)
	require.Equal(t, 1, db.txCalls)

	items := db.items["USER#u1"]
	require.Len(t, items, 3)
	require.Contains(t, items, "CONV#abc#TURN#0000000000")
	require.Contains(t, items, "CONV#abc#TURN#0000000001")
	meta := items["META#abc"]
	turns, err := intAttr(meta, "turns")
	require.NoError(t, err)
	require.Equal(t, 2, turns)
	ttl, err := intAttr(meta, "ttl")
	require.NoError(t, err)
	require.EqualValues(t, now.Add(time.Hour).Unix(), ttl)
}

func TestAppend_RetriesOnConflict(t *testing.T) {
	db := newFakeDynamo()
	db.conflicts = 2
	tr := mustNew(t, db)

	got, err := tr.Append(context.Background(), abc, 0, conversation.Turn{Role: conversation.RoleUser, Content: "q"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 3, db.txCalls)
}

func TestAppend_GivesUpAfterRepeatedConflicts(t *testing.T) {
	db := newFakeDynamo()
	db.conflicts = maxWriteAttempts
	tr := mustNew(t, db)

	_, err := tr.Append(context.Background(), abc, 0, conversation.Turn{Role: conversation.RoleUser, Content: "q"})
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, conversation.ErrUnavailable)
}

func TestAppend_BackendErrorIsUnavailable(t *testing.T) {
	db := newFakeDynamo()
	db.txErr = errors.New("throttled")
	tr := mustNew(t, db)

	_, err := tr.Append(context.Background(), abc, 0, conversation.Turn{Role: conversation.RoleUser, Content: "q"})
	require.ErrorIs(t, err, conversation.ErrUnavailable)
	require.Contains(t, err.Error(), "throttled")
}

func TestGet_FollowsPagination(t *testing.T) {
	db := newFakeDynamo()
	tr := mustNew(t, db)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := tr.Append(ctx, abc, conversation.AtEnd, conversation.Turn{Role: nextRole(t, ctx, tr, abc), Content: "x"})
		require.NoError(t, err)
	}
	db.pageSize = 2

	got, err := tr.Get(ctx, abc)
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.NoError(t, got.Validate())
}

func TestGet_QueryErrorIsUnavailable(t *testing.T) {
	db := newFakeDynamo()
	db.queryErr = errors.New("boom")
	tr := mustNew(t, db)
	_, err := tr.Get(context.Background(), abc)
	require.ErrorIs(t, err, conversation.ErrUnavailable)
}

func TestAppend_StaleBaseAfterConflictStoresNothing(t *testing.T) {
	db := newFakeDynamo()
	tr := mustNew(t, db)
	ctx := context.Background()
	_, err := tr.Append(ctx, abc, 0, conversation.Turn{Role: conversation.RoleUser, Content: "q"})
	require.NoError(t, err)

	_, err = tr.Append(ctx, abc, 0, conversation.Turn{Role: conversation.RoleUser, Content: "q"})
	require.ErrorIs(t, err, conversation.ErrStale)
	require.False(t, errors.Is(err, conversation.ErrUnavailable))
	require.Len(t, db.items["USER#u1"], 2)
}

func TestList_SkipsOtherUsersAndTurns(t *testing.T) {
	db := newFakeDynamo()
	tr := mustNew(t, db)
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return first }
	_, err := tr.Append(ctx, abc, 0, conversation.Turn{Role: conversation.RoleUser, Content: "q"})
	require.NoError(t, err)
	tr.now = func() time.Time { return first.Add(time.Minute) }
	_, err = tr.Append(ctx, conversation.Key{User: "u1", ID: "def"}, 0,
		conversation.Turn{Role: conversation.RoleUser, Content: "q"},
		conversation.Turn{Role: conversation.RoleAssistant, Content: "a"},
	)
	require.NoError(t, err)
	_, err = tr.Append(ctx, conversation.Key{User: "u2", ID: "abc"}, 0, conversation.Turn{Role: conversation.RoleUser, Content: "q"})
	require.NoError(t, err)

	got, err := tr.List(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []conversation.Summary{
		{ID: "def", Turns: 2, UpdatedAt: first.Add(time.Minute)},
		{ID: "abc", Turns: 1, UpdatedAt: first},
	}, got)
}

func TestDelete_RemovesMetaAndTurns(t *testing.T) {
	db := newFakeDynamo()
	tr := mustNew(t, db)
	ctx := context.Background()
	_, err := tr.Append(ctx, abc, 0,
		conversation.Turn{Role: conversation.RoleUser, Content: "q"},
		conversation.Turn{Role: conversation.RoleAssistant, Content: "a"},
	)
	require.NoError(t, err)
	_, err = tr.Append(ctx, conversation.Key{User: "u1", ID: "abd"}, 0, conversation.Turn{Role: conversation.RoleUser, Content: "q"})
	require.NoError(t, err)

	ok, err := tr.Delete(ctx, abc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, db.items["USER#u1"], 2)
	require.Contains(t, db.items["USER#u1"], "META#abd")

	ok, err = tr.Delete(ctx, abc)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestItemToTurn_Malformed(t *testing.T) {
	_, err := itemToTurn(map[string]types.AttributeValue{
		"role":      &types.AttributeValueMemberS{Value: "user"},
		"content":   &types.AttributeValueMemberS{Value: "q"},
		"createdAt": &types.AttributeValueMemberS{Value: "yesterday"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "createdAt")

	_, err = itemToTurn(map[string]types.AttributeValue{"role": &types.AttributeValueMemberN{Value: "1"}})
	require.Error(t, err)
}

func nextRole(t *testing.T, ctx context.Context, tr *Transcripts, key conversation.Key) conversation.Role {
	t.Helper()
	cur, err := tr.Get(ctx, key)
	require.NoError(t, err)
	return cur.NextRole()
}
