package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "huddle/pkg/database"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "nested", "test.db")
	cfg.WriteRetryDelay = 10 * time.Millisecond
	cfg.WriteTimeout = 5 * time.Second

	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// stores runs the DurableStore contract against both implementations.
func stores(t *testing.T) map[string]interfaces.DurableStore {
	return map[string]interfaces.DurableStore{
		"sqlite": setupTestDB(t),
		"memory": NewMemoryStore(),
	}
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testMessage(id, group string, at time.Time) *types.Message {
	return &types.Message{
		ID:         id,
		GroupID:    group,
		SenderID:   "alice",
		SenderName: "Alice",
		Text:       "text " + id,
		CreatedAt:  at,
		Reactions:  map[string][]string{},
		ReadBy:     []string{},
	}
}

func TestStore_MessageRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			edited := base.Add(time.Minute)
			msg := testMessage("m1", "g1", base)
			msg.IsEncrypted = true
			msg.Attachments = []types.Attachment{{URL: "/uploads/a.png", Kind: "image", SizeBytes: 42, OriginalName: "a.png"}}
			require.NoError(t, store.CreateMessage(ctx, msg))

			msg.AddReaction("👍", "bob")
			msg.AddReader("bob")
			msg.EditHistory = []types.EditEntry{{PriorText: "text m1", EditedAt: edited}}
			msg.EditedAt = &edited
			msg.Text = "changed"
			msg.Pinned = true
			msg.PinnedBy = "bob"
			msg.PinnedAt = &edited
			require.NoError(t, store.UpdateMessage(ctx, msg))

			got, err := store.FindMessages(ctx, interfaces.MessageQuery{MessageID: "m1"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			m := got[0]
			assert.Equal(t, "changed", m.Text)
			assert.True(t, m.IsEncrypted)
			assert.True(t, m.CreatedAt.Equal(base))
			assert.Equal(t, []string{"bob"}, m.Reactions["👍"])
			assert.Equal(t, []string{"bob"}, m.ReadBy)
			require.Len(t, m.EditHistory, 1)
			assert.Equal(t, "text m1", m.EditHistory[0].PriorText)
			require.NotNil(t, m.PinnedAt)
			assert.True(t, m.PinnedAt.Equal(edited))
			assert.Equal(t, "a.png", m.Attachments[0].OriginalName)
		})
	}
}

func TestStore_FindMessagesOrdering(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, store.CreateMessage(ctx, testMessage(fmt.Sprintf("m%d", i), "g1", base.Add(time.Duration(i)*time.Second))))
			}
			// Same timestamp: id breaks the tie, descending.
			require.NoError(t, store.CreateMessage(ctx, testMessage("m4b", "g1", base.Add(4*time.Second))))
			require.NoError(t, store.CreateMessage(ctx, testMessage("other", "g2", base)))

			all, err := store.FindMessages(ctx, interfaces.MessageQuery{GroupID: "g1"})
			require.NoError(t, err)
			assert.Equal(t, []string{"m4b", "m4", "m3", "m2", "m1", "m0"}, ids(all))

			page, err := store.FindMessages(ctx, interfaces.MessageQuery{GroupID: "g1", Before: base.Add(3 * time.Second), Limit: 2})
			require.NoError(t, err)
			assert.Equal(t, []string{"m2", "m1"}, ids(page))
		})
	}
}

func TestStore_RepliesAndPinnedFilter(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				msg := testMessage(fmt.Sprintf("m%d", i), "g1", base.Add(time.Duration(i)*time.Second))
				msg.Pinned = i%2 == 1
				require.NoError(t, store.CreateMessage(ctx, msg))
			}
			reply := testMessage("r1", "g1", base.Add(time.Minute))
			reply.ReplyTo = &types.ReplyRef{ID: "m0", Text: "text m0", SenderName: "Alice", CreatedAt: base}
			require.NoError(t, store.CreateMessage(ctx, reply))

			got, err := store.FindMessages(ctx, interfaces.MessageQuery{MessageID: "r1"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.NotNil(t, got[0].ReplyTo)
			assert.Equal(t, "m0", got[0].ReplyTo.ID)
			assert.Equal(t, "Alice", got[0].ReplyTo.SenderName)
			assert.True(t, got[0].ReplyTo.CreatedAt.Equal(base))

			plain, err := store.FindMessages(ctx, interfaces.MessageQuery{MessageID: "m0"})
			require.NoError(t, err)
			assert.Nil(t, plain[0].ReplyTo)

			pinned, err := store.FindMessages(ctx, interfaces.MessageQuery{GroupID: "g1", PinnedOnly: true})
			require.NoError(t, err)
			assert.Equal(t, []string{"m3", "m1"}, ids(pinned))
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.ErrorIs(t, store.UpdateMessage(ctx, testMessage("ghost", "g1", base)), interfaces.ErrNotFound)
			assert.ErrorIs(t, store.DeleteMessage(ctx, "ghost"), interfaces.ErrNotFound)

			require.NoError(t, store.CreateMessage(ctx, testMessage("m1", "g1", base)))
			require.NoError(t, store.DeleteMessage(ctx, "m1"))
			got, err := store.FindMessages(ctx, interfaces.MessageQuery{MessageID: "m1"})
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStore_GroupUpsert(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			g := &types.Group{
				ID:            "g1",
				Name:          "team",
				OwnerID:       "alice",
				Moderators:    map[string]bool{"bob": true},
				Members:       map[string]time.Time{"alice": base, "bob": base.Add(time.Second)},
				InviteCode:    "AB12CD",
				Settings:      types.DefaultGroupSettings(),
				EncryptionKey: "secret",
				CreatedAt:     base,
				LastActivity:  base,
			}
			require.NoError(t, store.SaveGroup(ctx, g))

			g.Name = "renamed"
			g.Members["carol"] = base.Add(2 * time.Second)
			require.NoError(t, store.SaveGroup(ctx, g))

			groups, err := store.ListGroups(ctx)
			require.NoError(t, err)
			require.Len(t, groups, 1)
			got := groups[0]
			assert.Equal(t, "renamed", got.Name)
			assert.Equal(t, []string{"alice", "bob", "carol"}, got.MemberIDs())
			assert.True(t, got.Moderators["bob"])
			assert.Equal(t, "secret", got.EncryptionKey)
			assert.Equal(t, types.DefaultGroupSettings(), got.Settings)
		})
	}
}

func TestManager_SingleWriterPattern(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	const numWrites = 20
	var wg sync.WaitGroup
	errs := make(chan error, numWrites)
	for i := 0; i < numWrites; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := manager.CreateMessage(ctx, testMessage(fmt.Sprintf("c%02d", id), "g1", base.Add(time.Duration(id)*time.Millisecond))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent write failed: %v", err)
	}

	all, err := manager.FindMessages(ctx, interfaces.MessageQuery{GroupID: "g1"})
	require.NoError(t, err)
	assert.Len(t, all, numWrites)
}

func TestManager_DuplicateInsertFailsAfterRetry(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, manager.CreateMessage(ctx, testMessage("m1", "g1", base)))
	assert.Error(t, manager.CreateMessage(ctx, testMessage("m1", "g1", base)))
}

func TestManager_CleanShutdown(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, manager.HealthCheck(ctx))

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	assert.ErrorIs(t, manager.CreateMessage(ctx, testMessage("late", "g1", base)), ErrClosed)
}

func TestOpen_SelectsDriver(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.Driver = dbconfig.DriverMemory
	store, err := Open(cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	cfg.Driver = "postgres"
	_, err = Open(cfg)
	assert.Error(t, err)
}

func TestBreakerStore_OpensAndRecovers(t *testing.T) {
	mem := NewMemoryStore()
	store := NewBreakerStore(mem, BreakerSettings{
		MaxRequests:         1,
		Timeout:             20 * time.Millisecond,
		ConsecutiveFailures: 2,
	})
	ctx := context.Background()

	// Missing rows do not count against the database.
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, store.DeleteMessage(ctx, "ghost"), interfaces.ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed.String(), store.State())

	boom := errors.New("disk I/O error")
	mem.SetFailure(boom)
	assert.ErrorIs(t, store.CreateMessage(ctx, testMessage("a", "g1", base)), boom)
	assert.ErrorIs(t, store.CreateMessage(ctx, testMessage("b", "g1", base)), boom)
	assert.Equal(t, gobreaker.StateOpen.String(), store.State())

	err := store.CreateMessage(ctx, testMessage("c", "g1", base))
	assert.Equal(t, types.KindInternal, types.KindOf(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	mem.SetFailure(nil)
	assert.NoError(t, store.HealthCheck(ctx))
	require.Eventually(t, func() bool {
		return store.CreateMessage(ctx, testMessage("d", "g1", base)) == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, gobreaker.StateClosed.String(), store.State())
	assert.Equal(t, 1, mem.MessageCount())
}

func ids(msgs []*types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
