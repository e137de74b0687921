package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/navicore/zimsync/internal/catalog"
	"github.com/navicore/zimsync/internal/config"
	"github.com/navicore/zimsync/internal/discovery"
	"github.com/navicore/zimsync/internal/logging"
	"github.com/navicore/zimsync/internal/session"
	"github.com/navicore/zimsync/internal/transport"
	"github.com/navicore/zimsync/pkg/models"
)

// Version is the implementation version announced to peers.
const Version = "1.0.0"

// CmdServe shares a directory with peers until interrupted.
type CmdServe struct {
	Port      uint16 `short:"p" long:"port" description:"UDP port to listen on (default 8080)"`
	Directory string `short:"d" long:"directory" description:"Shared directory (default .)"`
	Name      string `short:"n" long:"name" description:"Device name (default hostname)"`
	Inbound   string `long:"inbound" description:"Inbound directory (default: shared directory)"`
	Config    string `short:"c" long:"config" description:"YAML config file"`
}

// Execute runs the serve command.
func (c *CmdServe) Execute(args []string) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.Directory != "" {
		cfg.SharedDir = c.Directory
		if c.Inbound == "" {
			cfg.InboundDir = c.Directory
		}
	}
	if c.Name != "" {
		cfg.Name = c.Name
	}
	if c.Inbound != "" {
		cfg.InboundDir = c.Inbound
	}

	log := logging.New("zimsync", root.Verbose || cfg.Verbose)

	device := models.DeviceInfo{
		ID:       uuid.New(),
		Name:     cfg.Name,
		Platform: models.CurrentPlatform(),
		Version:  Version,
	}

	cat, err := catalog.New(cfg.SharedDir, log)
	if err != nil {
		return err
	}

	udp := transport.NewUDPTransport(log)
	listener, err := udp.Listen(int(cfg.Port))
	if err != nil {
		return err
	}

	advertiser := discovery.NewMDNSAdvertiser(device, cfg.Port, log)
	if err := advertiser.Start(); err != nil {
		// A busy mDNS port should not keep the server from serving
		// direct connections.
		log.Warn().Err(err).Msg("mdns advertising unavailable")
	} else {
		defer advertiser.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Uint16("port", cfg.Port).Str("dir", cfg.SharedDir).
		Str("name", cfg.Name).Msg("serving")

	srv := session.NewServer(device, cat, cfg.InboundDir, log)
	return srv.Serve(ctx, listener)
}
