package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/urfave/cli/v2"

	"github.com/flightless/skyline/xrpc"
)

var handleOpHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "handle_op_duration",
	Help:    "A histogram of op handling durations",
	Buckets: prometheus.ExponentialBuckets(1, 2, 15),
}, []string{"op", "collection"})

var firehoseCursorGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "firehose_cursor",
}, []string{"stage"})

func main() {
	godotenv.Load()

	app := cli.App{
		Name:  "skyline",
		Usage: "a bluesky feed generator for following without reposts",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			EnvVars: []string{"DATABASE_URL"},
			Value:   "sqlite:./feed.db",
		},
		&cli.IntFlag{
			Name:    "port",
			EnvVars: []string{"PORT"},
			Value:   3000,
		},
		&cli.StringFlag{
			Name:    "hostname",
			EnvVars: []string{"FEEDGEN_HOSTNAME"},
		},
		&cli.StringFlag{
			Name:    "service-did",
			EnvVars: []string{"FEEDGEN_SERVICE_DID"},
		},
		&cli.StringFlag{
			Name:    "jetstream-hostname",
			EnvVars: []string{"JETSTREAM_HOSTNAME"},
			Value:   "jetstream1.us-east.bsky.network",
		},
		&cli.StringFlag{
			Name:    "admin-socket",
			EnvVars: []string{"ADMIN_SOCKET"},
			Value:   "/var/run/noreposts-feed.sock",
		},
		&cli.StringFlag{
			Name:    "appview-host",
			EnvVars: []string{"APPVIEW_HOST"},
			Value:   "https://public.api.bsky.app",
		},
	}

	app.Commands = []*cli.Command{
		publishCmd,
	}

	app.Action = runServe
	app.RunAndExitOnError()
}

type Server struct {
	store      *Store
	indexer    *Indexer
	backfiller *Backfiller

	serviceDid    string
	hostname      string
	jetstreamHost string

	seqLk   sync.Mutex
	lastSeq int64
}

func runServe(cctx *cli.Context) error {
	hostname := cctx.String("hostname")
	serviceDid := cctx.String("service-did")
	if serviceDid == "" {
		if hostname == "" {
			return cli.Exit("FEEDGEN_SERVICE_DID or FEEDGEN_HOSTNAME must be set", 1)
		}
		serviceDid = "did:web:" + hostname
	}

	store, err := OpenStore(sqlitePath(cctx.String("db-url")))
	if err != nil {
		return err
	}

	appview := NewPublicAppview(cctx.String("appview-host"))

	s := &Server{
		store:         store,
		indexer:       NewIndexer(store),
		backfiller:    NewBackfiller(store, appview),
		serviceDid:    serviceDid,
		hostname:      hostname,
		jetstreamHost: cctx.String("jetstream-hostname"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := s.runAdminSocket(ctx, cctx.String("admin-socket")); err != nil {
			slog.Warn("admin socket error", "error", err)
		}
	}()

	go s.runConsumer(ctx)
	go s.runPostRetention(ctx)
	go s.runFollowReconciler(ctx)

	dir := identity.DefaultDirectory()
	verifier := xrpc.NewVerifier(&xrpc.DirectoryResolver{Dir: dir}, serviceDid)
	api := xrpc.NewServer(s, verifier, serviceDid, hostname)

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		api.Shutdown(sctx)
	}()

	return api.Start(fmt.Sprintf(":%d", cctx.Int("port")))
}

func sqlitePath(dbURL string) string {
	return strings.TrimPrefix(dbURL, "sqlite:")
}

// xrpc.Backend implementation

func (s *Server) GetFollowingPosts(ctx context.Context, did string, limit int, before time.Time) ([]xrpc.FeedEntry, error) {
	posts, err := s.store.GetFollowingPosts(ctx, did, limit, before)
	if err != nil {
		return nil, err
	}

	entries := make([]xrpc.FeedEntry, 0, len(posts))
	for _, p := range posts {
		entries = append(entries, xrpc.FeedEntry{
			Uri:     p.Uri,
			Created: p.Created,
		})
	}
	return entries, nil
}

func (s *Server) RecordFeedRequest(ctx context.Context, did string) error {
	return s.store.RecordFeedRequest(ctx, did)
}

func (s *Server) HasFollows(ctx context.Context, did string) (bool, error) {
	count, err := s.store.CountFollows(ctx, did)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Server) EnqueueBackfill(did string) {
	s.backfiller.Enqueue(did)
}
