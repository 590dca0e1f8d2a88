// Package conversationtest provides a behavioural test suite that every
// conversation.Cache backend runs against itself.
package conversationtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/warden/internal/conversation"
)

// Factory returns a fresh, empty cache for one subtest.
type Factory func(t *testing.T) conversation.Cache

// Run exercises the Cache contract: empty reads, alternation, stale bases,
// ordering under concurrent appends, isolation between conversations and
// owners, listing and deletion.
func Run(t *testing.T, newCache Factory) {
	alice := func(id string) conversation.Key { return conversation.Key{User: "alice", ID: id} }
	bob := func(id string) conversation.Key { return conversation.Key{User: "bob", ID: id} }
	user := func(content string) conversation.Turn {
		return conversation.Turn{Role: conversation.RoleUser, Content: content}
	}
	assistant := func(content string) conversation.Turn {
		return conversation.Turn{Role: conversation.RoleAssistant, Content: content}
	}

	t.Run("unknown conversation is empty", func(t *testing.T) {
		c := newCache(t)
		tr, err := c.Get(context.Background(), alice("conv-missing"))
		require.NoError(t, err)
		require.Empty(t, tr)
	})

	t.Run("append keeps order", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		_, err := c.Append(ctx, alice("conv-1"), 0, user("hello"))
		require.NoError(t, err)
		tr, err := c.Append(ctx, alice("conv-1"), 1, assistant("hi there"))
		require.NoError(t, err)
		require.Len(t, tr, 2)

		got, err := c.Get(ctx, alice("conv-1"))
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, conversation.RoleUser, got[0].Role)
		require.Equal(t, "hello", got[0].Content)
		require.Equal(t, conversation.RoleAssistant, got[1].Role)
		require.Equal(t, "hi there", got[1].Content)
		require.False(t, got[0].Timestamp.IsZero())
	})

	t.Run("rejects broken alternation", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		_, err := c.Append(ctx, alice("conv-2"), conversation.AtEnd, assistant("first"))
		require.ErrorIs(t, err, conversation.ErrInvalidTurn)

		_, err = c.Append(ctx, alice("conv-2"), conversation.AtEnd, user("q1"))
		require.NoError(t, err)
		_, err = c.Append(ctx, alice("conv-2"), conversation.AtEnd, user("q2"))
		require.ErrorIs(t, err, conversation.ErrInvalidTurn)

		got, err := c.Get(ctx, alice("conv-2"))
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("exchange appends atomically", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		tr, err := c.Append(ctx, alice("conv-x"), 0, user("q1"), assistant("a1"))
		require.NoError(t, err)
		require.Len(t, tr, 2)

		// The second turn is invalid, so neither may be stored.
		_, err = c.Append(ctx, alice("conv-x"), 2, user("q2"), user("q3"))
		require.ErrorIs(t, err, conversation.ErrInvalidTurn)

		got, err := c.Get(ctx, alice("conv-x"))
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "a1", got[1].Content)
	})

	t.Run("stale base stores nothing", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		_, err := c.Append(ctx, alice("conv-s"), 0, user("q1"), assistant("a1"))
		require.NoError(t, err)

		// A second writer that read the empty transcript loses.
		_, err = c.Append(ctx, alice("conv-s"), 0, user("q2"), assistant("a2"))
		require.ErrorIs(t, err, conversation.ErrStale)

		got, err := c.Get(ctx, alice("conv-s"))
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.True(t, got.Holds(0, []conversation.Turn{user("q1"), assistant("a1")}))
	})

	t.Run("conversations are isolated", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		_, err := c.Append(ctx, alice("conv-a"), 0, user("a"))
		require.NoError(t, err)
		got, err := c.Get(ctx, alice("conv-b"))
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("owners are isolated", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		_, err := c.Append(ctx, alice("shared"), 0, user("alice private question"), assistant("secret answer"))
		require.NoError(t, err)

		got, err := c.Get(ctx, bob("shared"))
		require.NoError(t, err)
		require.Empty(t, got)

		_, err = c.Append(ctx, bob("shared"), 0, user("bob question"))
		require.NoError(t, err)

		deleted, err := c.Delete(ctx, bob("shared"))
		require.NoError(t, err)
		require.True(t, deleted)

		got, err = c.Get(ctx, alice("shared"))
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run("list returns the owner's conversations", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		_, err := c.Append(ctx, alice("conv-l1"), 0, user("q1"), assistant("a1"))
		require.NoError(t, err)
		_, err = c.Append(ctx, alice("conv-l2"), 0, user("q1"))
		require.NoError(t, err)
		_, err = c.Append(ctx, bob("conv-l3"), 0, user("q1"))
		require.NoError(t, err)

		got, err := c.List(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, got, 2)
		turns := map[string]int{}
		for _, s := range got {
			turns[s.ID] = s.Turns
			require.False(t, s.UpdatedAt.IsZero())
		}
		require.Equal(t, map[string]int{"conv-l1": 2, "conv-l2": 1}, turns)

		got, err = c.List(ctx, "carol")
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("delete", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		_, err := c.Append(ctx, alice("conv-d"), 0, user("bye"))
		require.NoError(t, err)

		deleted, err := c.Delete(ctx, alice("conv-d"))
		require.NoError(t, err)
		require.True(t, deleted)

		deleted, err = c.Delete(ctx, alice("conv-d"))
		require.NoError(t, err)
		require.False(t, deleted)

		got, err := c.Get(ctx, alice("conv-d"))
		require.NoError(t, err)
		require.Empty(t, got)

		listed, err := c.List(ctx, "alice")
		require.NoError(t, err)
		require.Empty(t, listed)
	})

	t.Run("concurrent appends never interleave", func(t *testing.T) {
		c := newCache(t)
		ctx := context.Background()
		const writers, perWriter = 8, 5

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					if err := appendNext(ctx, c, alice("conv-race"), fmt.Sprintf("w%d-%d", w, i)); err != nil {
						errs <- err
						return
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := c.Get(ctx, alice("conv-race"))
		require.NoError(t, err)
		require.Len(t, got, writers*perWriter)
		require.NoError(t, got.Validate())
	})
}

// appendNext appends one turn with whatever role the conversation expects,
// retrying when another writer got there first.
func appendNext(ctx context.Context, c conversation.Cache, key conversation.Key, content string) error {
	for attempt := 0; attempt < 10000; attempt++ {
		tr, err := c.Get(ctx, key)
		if err != nil {
			return err
		}
		_, err = c.Append(ctx, key, len(tr), conversation.Turn{Role: tr.NextRole(), Content: content})
		if err == nil {
			return nil
		}
		if !errors.Is(err, conversation.ErrStale) {
			return err
		}
	}
	return fmt.Errorf("append %q: gave up", content)
}
