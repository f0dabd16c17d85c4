package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jsclient "github.com/bluesky-social/jetstream/pkg/client"
	"github.com/bluesky-social/jetstream/pkg/client/schedulers/sequential"
	"github.com/bluesky-social/jetstream/pkg/models"
)

var wantedCollections = []string{
	"app.bsky.feed.post",
	"app.bsky.graph.follow",
}

const failureTimeInterval = time.Second * 5

// runConsumer keeps the jetstream subscription alive until the context is
// cancelled, reconnecting after failures with a growing delay.
func (s *Server) runConsumer(ctx context.Context) {
	var failures int
	for {
		if ctx.Err() != nil {
			return
		}

		cursor, err := s.store.LoadCursor(s.jetstreamHost)
		if err != nil {
			slog.Warn("failed to load jetstream cursor, starting from live", "error", err)
			cursor = 0
		}

		start := time.Now()
		if err := s.jetstreamTail(ctx, cursor); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("jetstream connection lost", "host", s.jetstreamHost, "error", err)
		}

		if time.Since(start) > failureTimeInterval {
			failures = 0
			continue
		}
		failures++

		delay := delayForFailureCount(failures)
		slog.Warn("retrying jetstream connection after delay", "host", s.jetstreamHost, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func delayForFailureCount(n int) time.Duration {
	if n < 5 {
		return (time.Second * 5) + (time.Second * 2 * time.Duration(n))
	}

	return time.Second * 30
}

func (s *Server) jetstreamTail(ctx context.Context, cursor int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("starting jetstream tail", "host", s.jetstreamHost, "cursor", cursor)

	lastStored := int64(0)
	sched := sequential.NewScheduler(
		s.jetstreamHost,
		slog.Default(),
		func(ctx context.Context, event *models.Event) error {
			s.seqLk.Lock()
			if event.TimeUS > s.lastSeq {
				s.lastSeq = event.TimeUS
				if event.TimeUS-lastStored > 1_000_000 {
					if err := s.store.StoreCursor(s.jetstreamHost, event.TimeUS); err != nil {
						slog.Error("failed to store jetstream cursor", "error", err)
					}
					lastStored = event.TimeUS
				}
			}
			s.seqLk.Unlock()

			firehoseCursorGauge.WithLabelValues("ingest").Set(float64(event.TimeUS))

			// A single bad event must not take down the subscription.
			if err := s.indexer.HandleEvent(ctx, event); err != nil {
				slog.Error("failed to handle event", "did", event.Did, "time_us", event.TimeUS, "error", err)
				return nil
			}

			firehoseCursorGauge.WithLabelValues("complete").Set(float64(event.TimeUS))
			return nil
		},
	)

	config := jsclient.DefaultClientConfig()
	config.WebsocketURL = fmt.Sprintf("wss://%s/subscribe", s.jetstreamHost)
	config.WantedCollections = wantedCollections
	config.Compress = true

	var cursorPtr *int64
	if cursor > 0 {
		cursorPtr = &cursor
	}

	client, err := jsclient.NewClient(config, slog.Default(), sched)
	if err != nil {
		return fmt.Errorf("create jetstream client: %w", err)
	}

	return client.ConnectAndRead(ctx, cursorPtr)
}
