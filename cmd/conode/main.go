package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flynn/noise"
	"github.com/urfave/cli/v2"

	"github.com/catchupnet/conode/common"
	"github.com/catchupnet/conode/config"
	"github.com/catchupnet/conode/consensus"
	"github.com/catchupnet/conode/log"
	"github.com/catchupnet/conode/p2p/frame"
	"github.com/catchupnet/conode/p2p/node"
)

var logger = log.NewModuleLogger(log.CMDConode)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to a TOML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "overrides the config file's data directory",
	}
	listenPortFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "overrides the config file's listen port",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "log verbosity: trace, debug, info, warn, error",
	}
)

func main() {
	app := &cli.App{
		Name:  "conode",
		Usage: "runs a catch-up network consensus node",
		Flags: []cli.Flag{configFlag, dataDirFlag, listenPortFlag, verbosityFlag},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:  "genkey",
				Usage: "generates a fresh static node keypair and prints it as hex",
				Action: genKey,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "conode:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if v := ctx.String("verbosity"); v != "" {
		log.SetLevel(v)
	}

	cfg := config.DefaultConfig
	if path := ctx.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if d := ctx.String("datadir"); d != "" {
		cfg.DataDir = d
	}
	if p := ctx.Int("port"); p != 0 {
		cfg.ListenPort = uint16(p)
	}

	staticKey, err := frame.GenerateStaticKeypair()
	if err != nil {
		return err
	}
	selfID, err := deriveNodeID(staticKey)
	if err != nil {
		return err
	}

	n, err := node.New(cfg, node.Deps{
		Engine: consensus.NopEngine{},
		SelfID: selfID,
		StaticKey: &staticKey,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("starting conode", "id", selfID, "data_dir", cfg.DataDir)
	return n.Run(runCtx)
}

func genKey(ctx *cli.Context) error {
	key, err := frame.GenerateStaticKeypair()
	if err != nil {
		return err
	}
	id, err := deriveNodeID(key)
	if err != nil {
		return err
	}
	fmt.Printf("node_id  = %s\n", id)
	fmt.Printf("private  = %x\n", key.Private)
	fmt.Printf("public   = %x\n", key.Public)
	return nil
}

// deriveNodeID assigns a random identifier rather than hashing the
// public key, since NodeId is an opaque identity independent of the
// transport keypair: a node may rotate its noise static key without
// changing identity.
func deriveNodeID(_ noise.DHKey) (common.NodeID, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return common.NodeID(binary.BigEndian.Uint64(b[:])), nil
}
