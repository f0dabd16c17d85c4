package main

import "time"

type Post struct {
	Uri     string    `gorm:"primaryKey;column:uri"`
	Cid     string    `gorm:"column:cid"`
	Author  string    `gorm:"column:author_did;index"`
	Text    string    `gorm:"column:text"`
	Created time.Time `gorm:"column:created_at;index"`
	Indexed time.Time `gorm:"column:indexed_at;index"`
}

type Follow struct {
	Uri      string    `gorm:"primaryKey;column:uri"`
	Follower string    `gorm:"column:follower_did;index"`
	Target   string    `gorm:"column:target_did;index"`
	Created  time.Time `gorm:"column:created_at"`
	Indexed  time.Time `gorm:"column:indexed_at"`
}

type ActiveUser struct {
	Did             string     `gorm:"primaryKey;column:did"`
	LastFeedRequest time.Time  `gorm:"column:last_feed_request"`
	LastFollowSync  *time.Time `gorm:"column:last_follow_sync"`
}

// SequenceTracker holds the last processed jetstream cursor per host so we
// can resume roughly where we left off after a restart.
type SequenceTracker struct {
	Key    string `gorm:"primaryKey;column:key"`
	IntVal int64  `gorm:"column:int_val"`
}
