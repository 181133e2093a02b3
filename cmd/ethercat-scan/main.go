// Discover an EtherCAT segment and print the topology : positions,
// station addresses, identities, names and mailbox capabilities.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	goethercat "github.com/samsamfire/goethercat"
	"github.com/samsamfire/goethercat/pkg/group"
	"github.com/samsamfire/goethercat/pkg/link"
	_ "github.com/samsamfire/goethercat/pkg/link/afpacket"
	_ "github.com/samsamfire/goethercat/pkg/link/virtual"
	"github.com/samsamfire/goethercat/pkg/maindevice"
)

var (
	driver     = flag.String("driver", "afpacket", "link driver (afpacket, virtual)")
	channel    = flag.String("i", "eth0", "network interface")
	configPath = flag.String("config", "", "optional master configuration file")
	verbose    = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := goethercat.DefaultConfig()
	if *configPath != "" {
		loaded, err := goethercat.LoadConfig(*configPath)
		if err != nil {
			logger.Error("load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	lk, err := link.NewLink(*driver, *channel)
	if err != nil {
		logger.Error("create link", "err", err)
		os.Exit(1)
	}
	if err := lk.Connect(); err != nil {
		logger.Error("connect", "interface", *channel, "err", err)
		os.Exit(1)
	}
	defer lk.Disconnect()

	md, err := maindevice.New(lk, cfg, logger, nil)
	if err != nil {
		logger.Error("create maindevice", "err", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := md.Run(ctx); err != nil {
			logger.Error("workers stopped", "err", err)
		}
	}()

	preOp, err := group.NewGroup(md, logger).Initialize(ctx)
	if err != nil {
		logger.Error("discovery failed", "err", err)
		os.Exit(1)
	}

	for _, sd := range preOp.SubDevices() {
		coe := ""
		if sd.Mailbox.SupportsCoe() {
			coe = " CoE"
		}
		fmt.Printf("%3d  x%04x  %-40s vendor x%08x product x%08x rev x%08x%s\n",
			sd.Position, sd.ConfiguredAddress, sd.Name,
			sd.Identity.VendorID, sd.Identity.ProductID, sd.Identity.Revision, coe)
	}
}
