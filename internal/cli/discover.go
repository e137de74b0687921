package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/navicore/zimsync/internal/discovery"
	"github.com/navicore/zimsync/internal/logging"
)

// CmdDiscover browses for peers and prints what it finds.
type CmdDiscover struct {
	Timeout int `short:"t" long:"timeout" description:"Browse duration in seconds" default:"3"`
}

// Execute runs the discover command.
func (c *CmdDiscover) Execute(args []string) error {
	log := logging.New("zimsync", root.Verbose)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.Timeout)*time.Second)
	defer cancel()

	browser := discovery.NewMDNSBrowser(log)
	peers, err := browser.Browse(ctx)
	if err != nil {
		return err
	}

	if len(peers) == 0 {
		fmt.Println("No peers found.")
		return nil
	}
	for _, peer := range peers {
		if peer.DeviceInfo != nil {
			fmt.Printf("%s\t%s (%s %s)\n", peer.Endpoint, peer.Name,
				peer.DeviceInfo.Platform, peer.DeviceInfo.Version)
			continue
		}
		fmt.Printf("%s\t%s\n", peer.Endpoint, peer.Name)
	}
	return nil
}
