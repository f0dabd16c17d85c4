package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bluesky-social/jetstream/pkg/models"
	"github.com/stretchr/testify/require"
)

func commitEvent(did, collection, op, rkey string, record []byte) *models.Event {
	return &models.Event{
		Did:    did,
		TimeUS: time.Now().UnixMicro(),
		Kind:   models.EventKindCommit,
		Commit: &models.Commit{
			Rev:        "rev",
			Operation:  op,
			Collection: collection,
			RKey:       rkey,
			Record:     record,
			CID:        "bafyfake",
		},
	}
}

func TestHandlePostCreate(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)
	ctx := context.Background()

	rec, _ := json.Marshal(map[string]any{
		"text":      "good morning",
		"createdAt": "2026-08-01T12:00:00.000Z",
	})

	evt := commitEvent("did:plc:alice", "app.bsky.feed.post", models.CommitOperationCreate, "3abc", rec)
	require.NoError(t, ix.HandleEvent(ctx, evt))

	var p Post
	require.NoError(t, store.db.First(&p).Error)
	require.Equal(t, "at://did:plc:alice/app.bsky.feed.post/3abc", p.Uri)
	require.Equal(t, "did:plc:alice", p.Author)
	require.Equal(t, "good morning", p.Text)
	require.Equal(t, 2026, p.Created.Year())
}

func TestHandlePostCreateDropsReposts(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)
	ctx := context.Background()

	rec, _ := json.Marshal(map[string]any{
		"subject": map[string]any{
			"uri": "at://did:plc:bob/app.bsky.feed.post/orig",
			"cid": "bafyorig",
		},
		"createdAt": "2026-08-01T12:00:00.000Z",
	})

	evt := commitEvent("did:plc:alice", "app.bsky.feed.post", models.CommitOperationCreate, "3abc", rec)
	require.NoError(t, ix.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, store.db.Model(&Post{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestHandlePostDelete(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)
	ctx := context.Background()

	require.NoError(t, store.InsertPost(ctx, testPost("at://did:plc:alice/app.bsky.feed.post/3abc", "did:plc:alice", time.Now().UTC())))

	evt := commitEvent("did:plc:alice", "app.bsky.feed.post", models.CommitOperationDelete, "3abc", nil)
	require.NoError(t, ix.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, store.db.Model(&Post{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestHandlePostDeleteBeforeCreate(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)

	evt := commitEvent("did:plc:alice", "app.bsky.feed.post", models.CommitOperationDelete, "never", nil)
	require.NoError(t, ix.HandleEvent(context.Background(), evt))
}

func TestHandlePostUpdateIgnored(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)
	ctx := context.Background()

	rec, _ := json.Marshal(map[string]any{"text": "edited", "createdAt": "2026-08-01T12:00:00.000Z"})
	evt := commitEvent("did:plc:alice", "app.bsky.feed.post", models.CommitOperationUpdate, "3abc", rec)
	require.NoError(t, ix.HandleEvent(ctx, evt))

	var count int64
	require.NoError(t, store.db.Model(&Post{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestHandlePostMalformedRecord(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)

	evt := commitEvent("did:plc:alice", "app.bsky.feed.post", models.CommitOperationCreate, "3abc", []byte("{not json"))
	require.Error(t, ix.HandleEvent(context.Background(), evt))
}

func TestHandlePostBadCreatedAtFallsBack(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)
	ctx := context.Background()

	rec, _ := json.Marshal(map[string]any{"text": "hi", "createdAt": "not-a-date"})
	evt := commitEvent("did:plc:alice", "app.bsky.feed.post", models.CommitOperationCreate, "3abc", rec)
	require.NoError(t, ix.HandleEvent(ctx, evt))

	var p Post
	require.NoError(t, store.db.First(&p).Error)
	require.WithinDuration(t, time.Now().UTC(), p.Created, time.Minute)
}

func TestHandleFollowCreateAndDelete(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)
	ctx := context.Background()

	rec, _ := json.Marshal(map[string]any{
		"subject":   "did:plc:bob",
		"createdAt": "2026-08-01T12:00:00.000Z",
	})

	evt := commitEvent("did:plc:alice", "app.bsky.graph.follow", models.CommitOperationCreate, "3fol", rec)
	require.NoError(t, ix.HandleEvent(ctx, evt))

	var f Follow
	require.NoError(t, store.db.First(&f).Error)
	require.Equal(t, "did:plc:alice", f.Follower)
	require.Equal(t, "did:plc:bob", f.Target)

	del := commitEvent("did:plc:alice", "app.bsky.graph.follow", models.CommitOperationDelete, "3fol", nil)
	require.NoError(t, ix.HandleEvent(ctx, del))

	var count int64
	require.NoError(t, store.db.Model(&Follow{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestHandleFollowMissingSubject(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)

	rec, _ := json.Marshal(map[string]any{"createdAt": "2026-08-01T12:00:00.000Z"})
	evt := commitEvent("did:plc:alice", "app.bsky.graph.follow", models.CommitOperationCreate, "3fol", rec)
	require.Error(t, ix.HandleEvent(context.Background(), evt))
}

func TestHandleUnknownCollectionIgnored(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)

	evt := commitEvent("did:plc:alice", "app.bsky.feed.like", models.CommitOperationCreate, "3like", []byte("{}"))
	require.NoError(t, ix.HandleEvent(context.Background(), evt))

	var count int64
	require.NoError(t, store.db.Model(&Post{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestHandleNonCommitEvents(t *testing.T) {
	store := newTestStore(t)
	ix := NewIndexer(store)
	ctx := context.Background()

	require.NoError(t, ix.HandleEvent(ctx, &models.Event{Did: "did:plc:alice", Kind: models.EventKindAccount}))
	require.NoError(t, ix.HandleEvent(ctx, &models.Event{Did: "did:plc:alice", Kind: models.EventKindIdentity}))
	require.Error(t, ix.HandleEvent(ctx, &models.Event{Did: "did:plc:alice", Kind: models.EventKindCommit}))
}
