package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/nullspace-msg/sealmsg/directory/server"
	"github.com/nullspace-msg/sealmsg/internal/config"
	"github.com/nullspace-msg/sealmsg/internal/logging"
)

func main() {
	app := &cli.App{
		Name:                 "directoryd",
		Usage:                "run a sealmsg directory server",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "genkey",
				Usage: "generate a fresh ed25519 anchor key and print its hex seed||public",
				Action: genkeyAction,
			},
			{
				Name:  "run",
				Usage: "serve the directory RPC and merkle anchor over HTTP",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Usage:    "path to a directoryd YAML config file",
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
		logging.Named("directoryd").Fatalw("directoryd: exiting", "err", err)
	}
}

func genkeyAction(c *cli.Context) error {
	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(sk))
	return nil
}

func runAction(c *cli.Context) error {
	cfg, err := config.LoadDirectory(c.String("config"))
	if err != nil {
		return err
	}
	anchorKey, err := config.DecodeAnchorKeyHex(cfg.AnchorKeyHex)
	if err != nil {
		return err
	}

	d, err := server.NewDirectory(server.Config{
		ID:          cfg.ID,
		DBPath:      cfg.DBPath,
		AnchorKey:   anchorKey,
		PoWEffort:   cfg.PoWEffort,
		PoWSeedTTL:  cfg.PoWSeedTTL,
		ChunkPeriod: cfg.ChunkPeriod,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go d.RunChunker(ctx)

	log := logging.Named("directoryd")
	log.Infow("directoryd: listening", "id", cfg.ID, "addr", cfg.Listen)
	srv := &http.Server{Addr: cfg.Listen, Handler: d.Mux()}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
