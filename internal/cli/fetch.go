package cli

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/navicore/zimsync/internal/client"
	"github.com/navicore/zimsync/internal/logging"
	"github.com/navicore/zimsync/internal/transport"
	"github.com/navicore/zimsync/pkg/models"
	"github.com/navicore/zimsync/pkg/utils"
)

// CmdFetch pulls one shared file from a peer.
type CmdFetch struct {
	Port      uint16 `long:"port" description:"Peer UDP port" default:"8080"`
	Output    string `short:"o" long:"output" description:"Output directory" default:"."`
	ChunkSize int32  `long:"chunk-size" description:"Chunk size in bytes" default:"32768"`

	Args struct {
		Host string `positional-arg-name:"host" description:"Peer host" required:"yes"`
		File string `positional-arg-name:"file" description:"Shared file name" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

// Execute runs the fetch command.
func (c *CmdFetch) Execute(args []string) error {
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

	_, list, err := cl.Discover(context.Background())
	if err != nil {
		return err
	}

	var meta *models.FileMetadata
	for i := range list.Files {
		if list.Files[i].Path == c.Args.File {
			meta = &list.Files[i]
			break
		}
	}
	if meta == nil {
		return fmt.Errorf("%w: peer does not share %q", models.ErrFileNotFound, c.Args.File)
	}

	bar := progressbar.NewOptions64(
		meta.Size,
		progressbar.OptionSetDescription("fetching "+meta.Path),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)

	start := time.Now()
	err = cl.Fetch(context.Background(), *meta, c.Output, c.ChunkSize, func(n int64) {
		_ = bar.Add64(n)
	})
	if err != nil {
		fmt.Printf("Transfer failed: %v\n", err)
		return err
	}

	sent, received, resent := cl.Stats().Snapshot()
	fmt.Printf("Fetched %s (%s) in %s [%.1f Mbps, %dB out, %dB in, %d chunks re-requested]\n",
		meta.Path, utils.HumanBytes(meta.Size), time.Since(start).Round(time.Millisecond),
		cl.Stats().BandwidthMbps(), sent, received, resent)
	return nil
}
