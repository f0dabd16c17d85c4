package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store owns all reads and writes against the sqlite index. Every other
// component (indexer, backfiller, cleanup loops, the xrpc server) goes
// through these methods; nothing else touches the tables.
type Store struct {
	db *gorm.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets readers proceed while the consumer writes; the busy timeout
	// covers brief writer contention instead of failing fast.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	for _, m := range []any{&Post{}, &Follow{}, &ActiveUser{}, &SequenceTracker{}} {
		if err := db.AutoMigrate(m); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) InsertPost(ctx context.Context, p *Post) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		UpdateAll: true,
	}).Create(p).Error
}

func (s *Store) DeletePost(ctx context.Context, uri string) error {
	return s.db.WithContext(ctx).Where("uri = ?", uri).Delete(&Post{}).Error
}

func (s *Store) InsertFollow(ctx context.Context, f *Follow) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		UpdateAll: true,
	}).Create(f).Error
}

func (s *Store) DeleteFollow(ctx context.Context, uri string) error {
	return s.db.WithContext(ctx).Where("uri = ?", uri).Delete(&Follow{}).Error
}

// GetFollowingPosts returns up to limit posts authored by anyone the given
// user follows, strictly older than before, newest first. Ties on created_at
// break by uri descending so pagination is deterministic.
func (s *Store) GetFollowingPosts(ctx context.Context, follower string, limit int, before time.Time) ([]Post, error) {
	targets := s.db.Table("follows").Select("target_did").Where("follower_did = ?", follower)

	var posts []Post
	if err := s.db.WithContext(ctx).
		Where("author_did IN (?)", targets).
		Where("created_at < ?", before).
		Order("created_at DESC, uri DESC").
		Limit(limit).
		Find(&posts).Error; err != nil {
		return nil, err
	}

	return posts, nil
}

func (s *Store) RecordFeedRequest(ctx context.Context, did string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_feed_request"}),
	}).Create(&ActiveUser{
		Did:             did,
		LastFeedRequest: time.Now().UTC(),
	}).Error
}

func (s *Store) GetActiveUsers(ctx context.Context, days int) ([]string, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var dids []string
	if err := s.db.WithContext(ctx).Model(&ActiveUser{}).
		Where("last_feed_request > ?", cutoff).
		Order("last_feed_request DESC").
		Pluck("did", &dids).Error; err != nil {
		return nil, err
	}

	return dids, nil
}

func (s *Store) UpdateFollowSync(ctx context.Context, did string) error {
	return s.db.WithContext(ctx).Model(&ActiveUser{}).
		Where("did = ?", did).
		Update("last_follow_sync", time.Now().UTC()).Error
}

// SyncFollowsForUser deletes follows of did whose target is no longer in the
// given set. Follows with targets still present are left untouched.
func (s *Store) SyncFollowsForUser(ctx context.Context, did string, targets []string) error {
	q := s.db.WithContext(ctx).Where("follower_did = ?", did)
	if len(targets) > 0 {
		q = q.Where("target_did NOT IN ?", targets)
	}

	res := q.Delete(&Follow{})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected > 0 {
		slog.Info("pruned stale follows", "did", did, "removed", res.RowsAffected)
	}

	return nil
}

// DeleteFollowsForUser drops every follow of the given user. Used when the
// user has fallen out of the active window.
func (s *Store) DeleteFollowsForUser(ctx context.Context, did string) (int64, error) {
	res := s.db.WithContext(ctx).Where("follower_did = ?", did).Delete(&Follow{})
	return res.RowsAffected, res.Error
}

func (s *Store) CleanupOldPosts(ctx context.Context, hours int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	res := s.db.WithContext(ctx).Where("indexed_at < ?", cutoff).Delete(&Post{})
	return res.RowsAffected, res.Error
}

func (s *Store) CountFollows(ctx context.Context, did string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Follow{}).Where("follower_did = ?", did).Count(&count).Error
	return count, err
}

func (s *Store) DistinctFollowers(ctx context.Context) ([]string, error) {
	var dids []string
	err := s.db.WithContext(ctx).Model(&Follow{}).Distinct().Pluck("follower_did", &dids).Error
	return dids, err
}

type StoreStats struct {
	Posts   int64
	Follows int64
	Users   int64
}

func (s *Store) Stats(ctx context.Context) (*StoreStats, error) {
	var st StoreStats
	if err := s.db.WithContext(ctx).Model(&Post{}).Count(&st.Posts).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&Follow{}).Count(&st.Follows).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&Follow{}).Distinct("follower_did").Count(&st.Users).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) StoreCursor(key string, seq int64) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"int_val"}),
	}).Create(&SequenceTracker{
		Key:    key,
		IntVal: seq,
	}).Error
}

func (s *Store) LoadCursor(key string) (int64, error) {
	var info SequenceTracker
	if err := s.db.Where("key = ?", key).First(&info).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	return info.IntVal, nil
}
