// btdctl inspects the device store and validates policy configuration.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	btd "github.com/corvid-labs/btd"
	"github.com/corvid-labs/btd/config"
	"github.com/corvid-labs/btd/storage"
)

func main() {
	app := cli.NewApp()
	app.Name = "btdctl"
	app.Usage = "inspect stored bluetooth device state"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "dir",
			Value: "/var/lib/btd",
			Usage: "storage directory",
		},
		cli.StringFlag{
			Name:  "adapter",
			Value: "00:00:00:00:00:00",
			Usage: "adapter address",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "list",
			Usage:  "list devices with stored state",
			Action: listDevices,
		},
		{
			Name:      "show",
			Usage:     "dump one device's stored info and cache",
			ArgsUsage: "<address>",
			Action:    showDevice,
		},
		{
			Name:      "check-config",
			Usage:     "validate a policy configuration file",
			ArgsUsage: "<path>",
			Action:    checkConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) (*storage.Store, error) {
	return storage.New(c.GlobalString("dir"), btd.NewAddr(c.GlobalString("adapter")))
}

func listDevices(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}

	peers, err := store.List()
	if err != nil {
		return err
	}

	for _, peer := range peers {
		line := peer.String()
		if cache, err := store.LoadCache(peer); err == nil && cache.Name != "" {
			line += "\t" + cache.Name
		}
		if store.HasInfo(peer) {
			line += "\t[persistent]"
		}
		fmt.Println(line)
	}
	return nil
}

func showDevice(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: btdctl show <address>", 1)
	}

	store, err := openStore(c)
	if err != nil {
		return err
	}
	peer := btd.NewAddr(c.Args().First())

	if store.HasInfo(peer) {
		info, err := store.LoadInfo(peer)
		if err != nil {
			return err
		}
		fmt.Printf("address type: %s\n", info.General.AddressType)
		if info.General.Name != "" {
			fmt.Printf("name:         %s\n", info.General.Name)
		}
		if info.General.Alias != "" {
			fmt.Printf("alias:        %s\n", info.General.Alias)
		}
		if info.General.Class != 0 {
			fmt.Printf("class:        0x%06x\n", info.General.Class)
		}
		fmt.Printf("trusted:      %v\n", info.General.Trusted)
		fmt.Printf("blocked:      %v\n", info.General.Blocked)
		fmt.Printf("bearers:      %v\n", info.General.SupportedTechnologies)
		if len(info.General.Services) > 0 {
			fmt.Printf("services:     %v\n", info.General.Services)
		}
		if info.DeviceID != nil {
			fmt.Printf("device id:    v%04x p%04x d%04x\n",
				info.DeviceID.Vendor, info.DeviceID.Product, info.DeviceID.Version)
		}
		if info.LongTermKey != nil {
			fmt.Printf("ltk:          present (central %v, enc size %d)\n",
				info.LongTermKey.Central, info.LongTermKey.EncSize)
		}
		for _, s := range info.SIRKs {
			fmt.Printf("sirk:         rank %d, size %d, encrypted %v\n", s.Rank, s.Size, s.Encrypted)
		}
	} else {
		fmt.Println("no persistent info")
	}

	cache, err := store.LoadCache(peer)
	if err != nil {
		return err
	}
	if cache.Name != "" {
		fmt.Printf("cached name:  %s\n", cache.Name)
	}
	if len(cache.ServiceRecords) > 0 {
		fmt.Printf("sdp records:  %d\n", len(cache.ServiceRecords))
	}
	for _, p := range cache.Attributes {
		fmt.Printf("primary:      %s (0x%04x-0x%04x)\n", p.UUID, p.Start, p.End)
	}
	return nil
}

func checkConfig(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: btdctl check-config <path>", 1)
	}

	cfg, err := config.Load(c.Args().First())
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	fmt.Printf("temporary timeout:      %v\n", cfg.TemporaryTTL())
	fmt.Printf("name retry delay:       %v\n", cfg.NameRetryDelay())
	fmt.Printf("just-works re-pairing:  %s\n", cfg.Pairing.JustWorksRepairing)
	fmt.Println("ok")
	return nil
}
