package cli

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/navicore/zimsync/internal/client"
	"github.com/navicore/zimsync/internal/logging"
	"github.com/navicore/zimsync/internal/transport"
	"github.com/navicore/zimsync/pkg/models"
)

// CmdTest sends a plain-text probe and prints the echo response.
type CmdTest struct {
	Port uint16 `long:"port" description:"Peer UDP port" default:"8080"`

	Args struct {
		Host string `positional-arg-name:"host" description:"Peer host" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

// Execute runs the test command.
func (c *CmdTest) Execute(args []string) error {
	log := logging.New("zimsync", root.Verbose)

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

	resp, err := cl.Probe("Hello from ZimSync!")
	if err != nil {
		return err
	}
	fmt.Print(resp)
	return nil
}
