package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/nullspace-msg/sealmsg/directory/client"
	"github.com/nullspace-msg/sealmsg/fragments"
	"github.com/nullspace-msg/sealmsg/internal/config"
	"github.com/nullspace-msg/sealmsg/internal/logging"
	"github.com/nullspace-msg/sealmsg/mailbox"
	"github.com/nullspace-msg/sealmsg/rpcwire"
	"github.com/nullspace-msg/sealmsg/session"
	"github.com/nullspace-msg/sealmsg/wire"
)

func main() {
	app := &cli.App{
		Name:                 "homeserverd",
		Usage:                "run a sealmsg home server (session + mailbox + fragment store)",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "serve the device/session/mailbox/fragment RPC surface over HTTP",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Usage:    "path to a homeserverd YAML config file",
						Required: true,
					},
				},
				Action: runAction,
			},
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Named("homeserverd").Fatalw("homeserverd: exiting", "err", err)
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.LoadHomeServer(c.String("config"))
	if err != nil {
		return err
	}
	anchorPK, err := config.DecodeAnchorKeyHex(cfg.DirAnchorPK)
	if err != nil {
		return err
	}

	dc, err := client.New(client.Config{
		BaseURL:   cfg.DirEndpoint,
		DBPath:    cfg.DirDBPath,
		AnchorKey: anchorPK,
	})
	if err != nil {
		return err
	}
	defer dc.Close()

	mbox, err := mailbox.NewServer(cfg.MailboxDBPath)
	if err != nil {
		return err
	}
	defer mbox.Close()

	sess, err := session.NewServer(session.Config{
		DBPath:     cfg.SessionDBPath,
		Mailboxes:  mbox,
		Directory:  dc,
		ServerName: wire.ServerName(cfg.ServerName),
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	frag, err := fragments.NewServer(cfg.FragmentsDB, cfg.FragmentsRoot, sess)
	if err != nil {
		return err
	}
	defer frag.Close()

	mux := rpcwire.NewMux()
	sess.Register(mux)
	mbox.Register(mux)
	frag.Register(mux)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	janitorPeriod := cfg.JanitorPeriod
	go mbox.RunJanitor(ctx, janitorPeriod)
	go frag.RunJanitor(ctx, janitorPeriod)

	log := logging.Named("homeserverd")
	log.Infow("homeserverd: listening", "server_name", cfg.ServerName, "addr", cfg.Listen)
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
