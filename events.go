package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/jetstream/pkg/models"
)

// Indexer translates jetstream commits into store mutations. It only cares
// about posts and follows; everything else on the stream is ignored.
type Indexer struct {
	store *Store
}

func NewIndexer(store *Store) *Indexer {
	return &Indexer{store: store}
}

type postRecord struct {
	Text      string          `json:"text"`
	CreatedAt string          `json:"createdAt"`
	Subject   json.RawMessage `json:"subject,omitempty"`
}

type followRecord struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

func (ix *Indexer) HandleEvent(ctx context.Context, evt *models.Event) error {
	switch evt.Kind {
	case models.EventKindCommit:
		if evt.Commit == nil {
			return fmt.Errorf("commit event with no commit payload (did=%s)", evt.Did)
		}
		return ix.handleCommit(ctx, evt.Did, evt.Commit)
	case models.EventKindAccount, models.EventKindIdentity:
		slog.Debug("ignoring event", "kind", evt.Kind, "did", evt.Did)
		return nil
	default:
		slog.Debug("unrecognized event kind", "kind", evt.Kind, "did", evt.Did)
		return nil
	}
}

func (ix *Indexer) handleCommit(ctx context.Context, did string, commit *models.Commit) error {
	start := time.Now()
	defer func() {
		handleOpHist.WithLabelValues(commit.Operation, commit.Collection).Observe(float64(time.Since(start).Milliseconds()))
	}()

	switch commit.Collection {
	case "app.bsky.feed.post":
		return ix.handlePostCommit(ctx, did, commit)
	case "app.bsky.graph.follow":
		return ix.handleFollowCommit(ctx, did, commit)
	default:
		slog.Debug("ignoring collection", "collection", commit.Collection, "did", did)
		return nil
	}
}

func (ix *Indexer) handlePostCommit(ctx context.Context, did string, commit *models.Commit) error {
	uri := "at://" + did + "/" + commit.Collection + "/" + commit.RKey

	switch commit.Operation {
	case models.CommitOperationCreate:
		var rec postRecord
		if err := json.Unmarshal(commit.Record, &rec); err != nil {
			return fmt.Errorf("bad post record %s: %w", uri, err)
		}

		// Reposts carry a subject reference instead of original content.
		if len(rec.Subject) > 0 {
			return nil
		}

		if err := ix.store.InsertPost(ctx, &Post{
			Uri:     uri,
			Cid:     commit.CID,
			Author:  did,
			Text:    rec.Text,
			Created: parseCreatedAt(rec.CreatedAt),
			Indexed: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("insert post %s: %w", uri, err)
		}

		return nil
	case models.CommitOperationDelete:
		if err := ix.store.DeletePost(ctx, uri); err != nil {
			return fmt.Errorf("delete post %s: %w", uri, err)
		}
		return nil
	default:
		// Post updates don't affect the feed.
		return nil
	}
}

func (ix *Indexer) handleFollowCommit(ctx context.Context, did string, commit *models.Commit) error {
	uri := "at://" + did + "/" + commit.Collection + "/" + commit.RKey

	switch commit.Operation {
	case models.CommitOperationCreate:
		var rec followRecord
		if err := json.Unmarshal(commit.Record, &rec); err != nil {
			return fmt.Errorf("bad follow record %s: %w", uri, err)
		}

		if rec.Subject == "" {
			return fmt.Errorf("follow record missing subject: %s", uri)
		}

		if err := ix.store.InsertFollow(ctx, &Follow{
			Uri:      uri,
			Follower: did,
			Target:   rec.Subject,
			Created:  parseCreatedAt(rec.CreatedAt),
			Indexed:  time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("insert follow %s: %w", uri, err)
		}

		return nil
	case models.CommitOperationDelete:
		if err := ix.store.DeleteFollow(ctx, uri); err != nil {
			return fmt.Errorf("delete follow %s: %w", uri, err)
		}
		return nil
	default:
		return nil
	}
}

func parseCreatedAt(s string) time.Time {
	t, err := syntax.ParseDatetimeLenient(s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.Time()
}
