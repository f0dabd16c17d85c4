package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// appview is the slice of the public appview API the backfiller and the
// follow reconciler need. Tests inject a fake.
type appview interface {
	GetFollows(ctx context.Context, actor, cursor string) ([]string, string, error)
	GetAuthorFeed(ctx context.Context, actor, cursor string) ([]authorFeedPost, string, error)
}

type authorFeedPost struct {
	Uri     string
	Cid     string
	Text    string
	Created time.Time

	// Repost marks feed items that are reposts, either flagged by the
	// appview (reason) or carrying a subject reference instead of content.
	Repost bool
}

type publicAppview struct {
	client *xrpc.Client
}

func NewPublicAppview(host string) *publicAppview {
	return &publicAppview{client: &xrpc.Client{Host: host}}
}

func (a *publicAppview) GetFollows(ctx context.Context, actor, cursor string) ([]string, string, error) {
	resp, err := bsky.GraphGetFollows(ctx, a.client, actor, cursor, 100)
	if err != nil {
		return nil, "", fmt.Errorf("getFollows(%s): %w", actor, err)
	}

	var dids []string
	for _, f := range resp.Follows {
		if f.Did != "" {
			dids = append(dids, f.Did)
		}
	}

	var next string
	if resp.Cursor != nil {
		next = *resp.Cursor
	}
	return dids, next, nil
}

func (a *publicAppview) GetAuthorFeed(ctx context.Context, actor, cursor string) ([]authorFeedPost, string, error) {
	resp, err := bsky.FeedGetAuthorFeed(ctx, a.client, actor, cursor, "", false, 100)
	if err != nil {
		return nil, "", fmt.Errorf("getAuthorFeed(%s): %w", actor, err)
	}

	var posts []authorFeedPost
	for _, item := range resp.Feed {
		if item.Post == nil {
			continue
		}

		out := authorFeedPost{
			Uri: item.Post.Uri,
			Cid: item.Post.Cid,
		}

		if item.Reason != nil {
			out.Repost = true
		}

		if item.Post.Record != nil {
			if fp, ok := item.Post.Record.Val.(*bsky.FeedPost); ok {
				out.Text = fp.Text
				out.Created = parseCreatedAt(fp.CreatedAt)
			} else {
				out.Repost = true
			}
		}

		posts = append(posts, out)
	}

	var next string
	if resp.Cursor != nil {
		next = *resp.Cursor
	}
	return posts, next, nil
}

// Backfiller bootstraps the follow graph and recent posts for users we have
// never seen before. Triggered from the feed endpoint when a requester has no
// follows in the index.
type Backfiller struct {
	store        *Store
	appview      appview
	limiter      *rate.Limiter
	postsPerUser int

	lk       sync.Mutex
	inflight map[string]bool
}

func NewBackfiller(store *Store, av appview) *Backfiller {
	return &Backfiller{
		store:        store,
		appview:      av,
		limiter:      rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		postsPerUser: 10,
		inflight:     make(map[string]bool),
	}
}

// Enqueue kicks off a backfill for the given user in the background. At most
// one backfill per user runs at a time; a panic in the worker is contained.
func (bf *Backfiller) Enqueue(did string) {
	bf.lk.Lock()
	if bf.inflight[did] {
		bf.lk.Unlock()
		return
	}
	bf.inflight[did] = true
	bf.lk.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("backfill panicked", "did", did, "panic", r)
			}

			bf.lk.Lock()
			delete(bf.inflight, did)
			bf.lk.Unlock()
		}()

		if err := bf.BackfillUser(context.Background(), did); err != nil {
			slog.Warn("backfill failed", "did", did, "error", err)
		}
	}()
}

func (bf *Backfiller) BackfillUser(ctx context.Context, did string) error {
	count, err := bf.backfillFollows(ctx, did)
	if err != nil {
		return fmt.Errorf("backfill follows: %w", err)
	}

	slog.Info("backfilled follows", "did", did, "count", count)

	if err := bf.backfillPostsForFollows(ctx, did); err != nil {
		return fmt.Errorf("backfill posts: %w", err)
	}

	return nil
}

func (bf *Backfiller) backfillFollows(ctx context.Context, did string) (int, error) {
	var total int
	var cursor string
	for {
		targets, next, err := bf.appview.GetFollows(ctx, did, cursor)
		if err != nil {
			return total, err
		}

		for _, target := range targets {
			// The public follows listing doesn't expose record keys, so
			// these rows get synthesized uris. The reconciliation loop
			// keeps them honest against the remote follow set.
			f := &Follow{
				Uri:      fmt.Sprintf("at://%s/app.bsky.graph.follow/%s", did, uuid.New().String()),
				Follower: did,
				Target:   target,
				Created:  time.Now().UTC(),
				Indexed:  time.Now().UTC(),
			}

			if err := bf.store.InsertFollow(ctx, f); err != nil {
				slog.Warn("failed to insert backfilled follow", "did", did, "target", target, "error", err)
				continue
			}
			total++
		}

		if next == "" {
			break
		}
		cursor = next
	}

	return total, nil
}

func (bf *Backfiller) backfillPostsForFollows(ctx context.Context, did string) error {
	var targets []string
	if err := bf.store.db.WithContext(ctx).Model(&Follow{}).
		Where("follower_did = ?", did).
		Pluck("target_did", &targets).Error; err != nil {
		return err
	}

	slog.Info("backfilling posts for follows", "did", did, "follows", len(targets))

	for _, target := range targets {
		if err := bf.limiter.Wait(ctx); err != nil {
			return err
		}

		if err := bf.backfillAuthorPosts(ctx, target); err != nil {
			slog.Warn("failed to backfill posts", "target", target, "error", err)
		}
	}

	return nil
}

func (bf *Backfiller) backfillAuthorPosts(ctx context.Context, target string) error {
	var fetched int
	var cursor string
	for {
		posts, next, err := bf.appview.GetAuthorFeed(ctx, target, cursor)
		if err != nil {
			return err
		}

		for _, p := range posts {
			if p.Repost {
				continue
			}
			if p.Uri == "" || p.Cid == "" {
				continue
			}

			if err := bf.store.InsertPost(ctx, &Post{
				Uri:     p.Uri,
				Cid:     p.Cid,
				Author:  target,
				Text:    p.Text,
				Created: p.Created,
				Indexed: time.Now().UTC(),
			}); err != nil {
				slog.Debug("failed to insert backfilled post", "uri", p.Uri, "error", err)
				continue
			}

			fetched++
			if fetched >= bf.postsPerUser {
				return nil
			}
		}

		if next == "" {
			return nil
		}
		cursor = next
	}
}

// CurrentFollowTargets pages the remote follow list to completion. Used by
// the follow reconciler as the source of truth for a user's follow set.
func (bf *Backfiller) CurrentFollowTargets(ctx context.Context, did string) ([]string, error) {
	var all []string
	var cursor string
	for {
		targets, next, err := bf.appview.GetFollows(ctx, did, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, targets...)

		if next == "" {
			return all, nil
		}
		cursor = next
	}
}
