package main

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeAppview serves canned follow and feed pages. Page size of one exercises
// cursor handling everywhere.
type fakeAppview struct {
	follows map[string][]string
	feeds   map[string][]authorFeedPost
	fail    map[string]bool
}

func (f *fakeAppview) GetFollows(ctx context.Context, actor, cursor string) ([]string, string, error) {
	if f.fail[actor] {
		return nil, "", fmt.Errorf("upstream unavailable")
	}

	all := f.follows[actor]
	return pageOf(all, cursor)
}

func (f *fakeAppview) GetAuthorFeed(ctx context.Context, actor, cursor string) ([]authorFeedPost, string, error) {
	if f.fail[actor] {
		return nil, "", fmt.Errorf("upstream unavailable")
	}

	all := f.feeds[actor]
	idx := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &idx)
	}
	if idx >= len(all) {
		return nil, "", nil
	}

	next := ""
	if idx+1 < len(all) {
		next = fmt.Sprintf("%d", idx+1)
	}
	return []authorFeedPost{all[idx]}, next, nil
}

func pageOf(all []string, cursor string) ([]string, string, error) {
	idx := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &idx)
	}
	if idx >= len(all) {
		return nil, "", nil
	}

	next := ""
	if idx+1 < len(all) {
		next = fmt.Sprintf("%d", idx+1)
	}
	return []string{all[idx]}, next, nil
}

func newTestBackfiller(store *Store, av appview) *Backfiller {
	bf := NewBackfiller(store, av)
	bf.limiter = rate.NewLimiter(rate.Inf, 1)
	return bf
}

func feedPost(author string, i int) authorFeedPost {
	return authorFeedPost{
		Uri:     fmt.Sprintf("at://%s/app.bsky.feed.post/%d", author, i),
		Cid:     "bafyfake",
		Text:    "post",
		Created: time.Now().UTC(),
	}
}

func TestBackfillFollowsPaging(t *testing.T) {
	store := newTestStore(t)
	av := &fakeAppview{
		follows: map[string][]string{
			"did:plc:viewer": {"did:plc:alice", "did:plc:bob", "did:plc:carol"},
		},
	}
	bf := newTestBackfiller(store, av)

	require.NoError(t, bf.BackfillUser(context.Background(), "did:plc:viewer"))

	var follows []Follow
	require.NoError(t, store.db.Order("target_did").Find(&follows).Error)
	require.Len(t, follows, 3)
	for _, f := range follows {
		require.Equal(t, "did:plc:viewer", f.Follower)
		require.True(t, strings.HasPrefix(f.Uri, "at://did:plc:viewer/app.bsky.graph.follow/"))
	}
}

func TestBackfillSkipsReposts(t *testing.T) {
	store := newTestStore(t)

	repost := feedPost("did:plc:alice", 0)
	repost.Repost = true

	av := &fakeAppview{
		follows: map[string][]string{"did:plc:viewer": {"did:plc:alice"}},
		feeds: map[string][]authorFeedPost{
			"did:plc:alice": {repost, feedPost("did:plc:alice", 1)},
		},
	}
	bf := newTestBackfiller(store, av)

	require.NoError(t, bf.BackfillUser(context.Background(), "did:plc:viewer"))

	var posts []Post
	require.NoError(t, store.db.Find(&posts).Error)
	require.Len(t, posts, 1)
	require.Equal(t, "at://did:plc:alice/app.bsky.feed.post/1", posts[0].Uri)
}

func TestBackfillCapsPostsPerUser(t *testing.T) {
	store := newTestStore(t)

	var feed []authorFeedPost
	for i := 0; i < 30; i++ {
		feed = append(feed, feedPost("did:plc:alice", i))
	}

	av := &fakeAppview{
		follows: map[string][]string{"did:plc:viewer": {"did:plc:alice"}},
		feeds:   map[string][]authorFeedPost{"did:plc:alice": feed},
	}
	bf := newTestBackfiller(store, av)

	require.NoError(t, bf.BackfillUser(context.Background(), "did:plc:viewer"))

	var count int64
	require.NoError(t, store.db.Model(&Post{}).Count(&count).Error)
	require.EqualValues(t, bf.postsPerUser, count)
}

func TestBackfillSurvivesPerUserFailures(t *testing.T) {
	store := newTestStore(t)

	av := &fakeAppview{
		follows: map[string][]string{"did:plc:viewer": {"did:plc:broken", "did:plc:alice"}},
		feeds: map[string][]authorFeedPost{
			"did:plc:alice": {feedPost("did:plc:alice", 0)},
		},
		fail: map[string]bool{"did:plc:broken": true},
	}
	bf := newTestBackfiller(store, av)

	require.NoError(t, bf.BackfillUser(context.Background(), "did:plc:viewer"))

	var posts []Post
	require.NoError(t, store.db.Find(&posts).Error)
	require.Len(t, posts, 1)
	require.Equal(t, "did:plc:alice", posts[0].Author)
}

func TestCurrentFollowTargets(t *testing.T) {
	store := newTestStore(t)
	av := &fakeAppview{
		follows: map[string][]string{
			"did:plc:viewer": {"did:plc:alice", "did:plc:bob"},
		},
	}
	bf := newTestBackfiller(store, av)

	targets, err := bf.CurrentFollowTargets(context.Background(), "did:plc:viewer")
	require.NoError(t, err)
	require.Equal(t, []string{"did:plc:alice", "did:plc:bob"}, targets)
}
