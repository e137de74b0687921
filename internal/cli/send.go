package cli

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/navicore/zimsync/internal/client"
	"github.com/navicore/zimsync/internal/logging"
	"github.com/navicore/zimsync/internal/transfer"
	"github.com/navicore/zimsync/internal/transport"
	"github.com/navicore/zimsync/pkg/models"
	"github.com/navicore/zimsync/pkg/utils"
)

// CmdSend hashes a local file and prints its summary, then prints the
// peer's responses to a Discover. Nothing about the file is sent to the
// peer.
type CmdSend struct {
	Port uint16 `long:"port" description:"Peer UDP port" default:"8080"`

	Args struct {
		File string `positional-arg-name:"file" description:"File to offer" required:"yes"`
		Host string `positional-arg-name:"host" description:"Peer host" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

// Execute runs the send command.
func (c *CmdSend) Execute(args []string) error {
	log := logging.New("zimsync", root.Verbose)

	meta, err := transfer.PrepareFileForTransfer(c.Args.File)
	if err != nil {
		return err
	}
	fmt.Printf("Offering %s (%s, sha256 %s...)\n",
		meta.Path, utils.HumanBytes(meta.Size), meta.Checksum[:8])

	device := models.DeviceInfo{
		ID:       uuid.New(),
		Name:     "zimsync-cli",
		Platform: models.CurrentPlatform(),
		Version:  Version,
	}

	endpoint := net.JoinHostPort(c.Args.Host, fmt.Sprintf("%d", c.Port))
	cl, err := client.Dial(context.Background(), transport.NewUDPTransport(log), endpoint, device, log)
	if err != nil {
		return err
	}
	defer cl.Close()

	announce, list, err := cl.Discover(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Peer: %s (%s %s), %s free, features %v\n",
		announce.DeviceInfo.Name, announce.DeviceInfo.Platform, announce.DeviceInfo.Version,
		utils.HumanBytes(announce.AvailableSpace), announce.SupportedFeatures)
	fmt.Printf("Peer shares %d files (%s total)\n", len(list.Files), utils.HumanBytes(list.TotalSize))
	for _, f := range list.Files {
		fmt.Printf("  %s\t%s\n", f.Path, utils.HumanBytes(f.Size))
	}
	return nil
}
