package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nullspace-msg/sealmsg/dm"
	"github.com/nullspace-msg/sealmsg/group"
	"github.com/nullspace-msg/sealmsg/identity"
	"github.com/nullspace-msg/sealmsg/internal/config"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/directory/client"
	"github.com/nullspace-msg/sealmsg/store"
	"github.com/nullspace-msg/sealmsg/supervisor"
	"github.com/nullspace-msg/sealmsg/wire"
)

func main() {
	app := &cli.App{
		Name:                 "sealmsg",
		Usage:                "a federated end-to-end encrypted messaging client",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "path to a sealmsg client YAML config file",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "bootstrap",
				Usage:     "create a new local identity and publish it to the directory",
				ArgsUsage: "<username> <server-name>",
				Action:    bootstrapAction,
			},
			{
				Name:      "send",
				Usage:     "send a direct message",
				ArgsUsage: "<peer-username> <text>",
				Action:    sendAction,
			},
			{
				Name:   "group-create",
				Usage:  "create a new group, printing its group id",
				Action: groupCreateAction,
			},
			{
				Name:      "group-invite",
				Usage:     "invite a user to a group",
				ArgsUsage: "<group-id-hex> <invitee-username>",
				Action:    groupInviteAction,
			},
			{
				Name:      "group-accept",
				Usage:     "accept every pending group invite found in direct messages from a sender",
				ArgsUsage: "<inviter-username>",
				Action:    groupAcceptAction,
			},
			{
				Name:      "group-send",
				Usage:     "send a message to a group",
				ArgsUsage: "<group-id-hex> <text>",
				Action:    groupSendAction,
			},
			{
				Name:   "run",
				Usage:  "run the receive/send supervisor until interrupted",
				Action: runAction,
			},
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Named("sealmsg").Fatalw("sealmsg: exiting", "err", err)
	}
}

// session bundles everything every command below needs: the local
// identity, its store, the directory client, the DM and group pipelines,
// and a freshly minted auth token.
type session struct {
	idMgr *identity.Manager
	dc    *client.Client
	st    *store.Store
	dm    *dm.Pipeline
	group *group.Pipeline

	id      identity.Identity
	ownAuth wire.AuthToken
}

func (s *session) Close() {
	s.st.Close()
	s.idMgr.Close()
	s.dc.Close()
}

func openSession(ctx context.Context, c *cli.Context) (*session, error) {
	cfg, err := config.LoadClient(c.String("config"))
	if err != nil {
		return nil, err
	}
	anchorPK, err := config.DecodeAnchorKeyHex(cfg.DirAnchorPK)
	if err != nil {
		return nil, err
	}

	dc, err := client.New(client.Config{
		BaseURL:   cfg.DirEndpoint,
		DBPath:    cfg.DirDBPath,
		AnchorKey: anchorPK,
	})
	if err != nil {
		return nil, err
	}

	idMgr, err := identity.NewManager(cfg.IdentityDB, dc)
	if err != nil {
		dc.Close()
		return nil, err
	}
	id, ok, err := idMgr.Load(ctx)
	if err != nil {
		idMgr.Close()
		dc.Close()
		return nil, err
	}
	if !ok {
		idMgr.Close()
		dc.Close()
		return nil, fmt.Errorf("sealmsg: no local identity; run 'bootstrap' first")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		idMgr.Close()
		dc.Close()
		return nil, err
	}

	rpc, err := identity.ResolveServerRPC(ctx, dc, id.ServerName)
	if err != nil {
		st.Close()
		idMgr.Close()
		dc.Close()
		return nil, err
	}
	token, err := idMgr.DeviceAuth(ctx, id, rpc)
	if err != nil {
		st.Close()
		idMgr.Close()
		dc.Close()
		return nil, err
	}

	dmPipeline := dm.NewPipeline(idMgr, dc, st)
	groupPipeline := group.NewPipeline(idMgr, dc, st, dmPipeline)

	return &session{
		idMgr: idMgr, dc: dc, st: st,
		dm: dmPipeline, group: groupPipeline,
		id: id, ownAuth: token,
	}, nil
}

func parseGroupId(s string) (wire.GroupId, error) {
	var h wire.Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return wire.GroupId{}, err
	}
	return wire.GroupId(h), nil
}

func bootstrapAction(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: sealmsg bootstrap <username> <server-name>")
	}
	username := wire.UserName(c.Args().Get(0))
	serverName := wire.ServerName(c.Args().Get(1))

	ctx := context.Background()
	cfg, err := config.LoadClient(c.String("config"))
	if err != nil {
		return err
	}
	anchorPK, err := config.DecodeAnchorKeyHex(cfg.DirAnchorPK)
	if err != nil {
		return err
	}
	dc, err := client.New(client.Config{BaseURL: cfg.DirEndpoint, DBPath: cfg.DirDBPath, AnchorKey: anchorPK})
	if err != nil {
		return err
	}
	defer dc.Close()

	idMgr, err := identity.NewManager(cfg.IdentityDB, dc)
	if err != nil {
		return err
	}
	defer idMgr.Close()

	if _, ok, err := idMgr.Load(ctx); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("sealmsg: a local identity already exists")
	}

	id, err := idMgr.Bootstrap(ctx, username, serverName, time.Now().AddDate(1, 0, 0))
	if err != nil {
		return err
	}

	if err := dc.AddOwner(ctx, string(username), id.Secret.Keys, id.Secret.Public()); err != nil {
		return err
	}
	if err := dc.InsertUserDescriptor(ctx, string(username), id.Secret.Keys, wire.UserDescriptor{
		ServerName:   serverName,
		RootCertHash: id.Secret.Hash(),
	}); err != nil {
		return err
	}

	rpc, err := identity.ResolveServerRPC(ctx, dc, serverName)
	if err != nil {
		return err
	}
	token, err := idMgr.DeviceAuth(ctx, id, rpc)
	if err != nil {
		return err
	}
	if err := idMgr.PublishMediumKey(ctx, id, rpc, token); err != nil {
		return err
	}

	fmt.Printf("bootstrapped %s on %s\n", username, serverName)
	return nil
}

func sendAction(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: sealmsg send <peer-username> <text>")
	}
	ctx := context.Background()
	s, err := openSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	peer := wire.UserName(c.Args().Get(0))
	body := []byte(c.Args().Get(1))
	_, err = s.dm.Send(ctx, s.id, s.ownAuth, peer, "text/plain", body, wire.Now())
	return err
}

func groupCreateAction(c *cli.Context) error {
	ctx := context.Background()
	s, err := openSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	g, err := s.group.Create(ctx, s.id, s.ownAuth)
	if err != nil {
		return err
	}
	fmt.Println(g.GroupId.String())
	return nil
}

func groupInviteAction(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: sealmsg group-invite <group-id-hex> <invitee-username>")
	}
	ctx := context.Background()
	s, err := openSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	groupId, err := parseGroupId(c.Args().Get(0))
	if err != nil {
		return err
	}
	g, ok, err := s.st.LoadGroup(ctx, groupId)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sealmsg: unknown group %s", c.Args().Get(0))
	}
	return s.group.Invite(ctx, s.id, s.ownAuth, g, wire.UserName(c.Args().Get(1)))
}

func groupAcceptAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("usage: sealmsg group-accept <inviter-username>")
	}
	ctx := context.Background()
	s, err := openSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	convo := wire.DirectConvo(wire.UserName(c.Args().Get(0)))
	msgs, err := s.st.Messages(ctx, convo)
	if err != nil {
		return err
	}
	accepted := 0
	for _, m := range msgs {
		if m.Mime != "application/x-sealmsg-group-invite" {
			continue
		}
		var invite wire.GroupInviteMsg
		if err := wire.Decode(m.Body, &invite); err != nil {
			continue
		}
		if _, err := s.group.Accept(ctx, s.id, invite); err != nil {
			return err
		}
		accepted++
	}
	fmt.Printf("accepted %d invite(s)\n", accepted)
	return nil
}

func groupSendAction(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: sealmsg group-send <group-id-hex> <text>")
	}
	ctx := context.Background()
	s, err := openSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	groupId, err := parseGroupId(c.Args().Get(0))
	if err != nil {
		return err
	}
	g, ok, err := s.st.LoadGroup(ctx, groupId)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sealmsg: unknown group %s", c.Args().Get(0))
	}
	_, err = s.group.SendMessage(ctx, s.id, g, "text/plain", []byte(c.Args().Get(1)), wire.Now())
	return err
}

func runAction(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := openSession(ctx, c)
	if err != nil {
		return err
	}
	defer s.Close()

	rpc, err := identity.ResolveServerRPC(ctx, s.dc, s.id.ServerName)
	if err != nil {
		return err
	}
	notify := store.NewDbNotify()
	sup := supervisor.New(s.id, s.ownAuth, s.st, s.dm, s.group, rpc, notify)

	logging.Named("sealmsg").Infow("sealmsg: receive/send supervisor running", "user", string(s.id.Username))
	sup.Run(ctx)
	return nil
}
