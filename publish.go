package main

import (
	"fmt"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/urfave/cli/v2"
)

const feedRkey = "following-no-reposts"

var publishCmd = &cli.Command{
	Name:  "publish",
	Usage: "register the feed generator record on the operator's account",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "handle",
			EnvVars:  []string{"BLUESKY_IDENTIFIER"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "password",
			EnvVars:  []string{"BLUESKY_PASSWORD"},
			Required: true,
		},
		&cli.StringFlag{
			Name:  "display-name",
			Value: "Following (No Reposts)",
		},
		&cli.StringFlag{
			Name:  "description",
			Value: "Posts from accounts you follow, without reposts.",
		},
	},
	Action: runPublish,
}

func runPublish(cctx *cli.Context) error {
	ctx := cctx.Context

	hostname := cctx.String("hostname")
	serviceDid := cctx.String("service-did")
	if serviceDid == "" {
		if hostname == "" {
			return cli.Exit("FEEDGEN_SERVICE_DID or FEEDGEN_HOSTNAME must be set", 1)
		}
		serviceDid = "did:web:" + hostname
	}

	dir := identity.DefaultDirectory()
	ident, err := dir.LookupHandle(ctx, syntax.Handle(cctx.String("handle")))
	if err != nil {
		return fmt.Errorf("resolving handle: %w", err)
	}

	pds := ident.PDSEndpoint()
	if pds == "" {
		return fmt.Errorf("no pds endpoint for %s", ident.DID)
	}

	client := &xrpc.Client{Host: pds}

	ses, err := atproto.ServerCreateSession(ctx, client, &atproto.ServerCreateSession_Input{
		Identifier: ident.DID.String(),
		Password:   cctx.String("password"),
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  ses.AccessJwt,
		RefreshJwt: ses.RefreshJwt,
		Did:        ses.Did,
		Handle:     ses.Handle,
	}

	desc := cctx.String("description")
	rec := &bsky.FeedGenerator{
		Did:         serviceDid,
		DisplayName: cctx.String("display-name"),
		Description: &desc,
		CreatedAt:   syntax.DatetimeNow().String(),
	}

	resp, err := atproto.RepoPutRecord(ctx, client, &atproto.RepoPutRecord_Input{
		Collection: "app.bsky.feed.generator",
		Repo:       ses.Did,
		Rkey:       feedRkey,
		Record:     &lexutil.LexiconTypeDecoder{Val: rec},
	})
	if err != nil {
		return fmt.Errorf("publishing feed record: %w", err)
	}

	fmt.Printf("published feed generator record\nuri: %s\ncid: %s\n", resp.Uri, resp.Cid)
	return nil
}
