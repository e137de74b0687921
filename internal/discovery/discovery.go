// Package discovery advertises and browses ZimSync peers on the local
// network segment. The engine only consumes the (name, endpoint,
// optional device-info) tuples a Browser emits.
package discovery

import (
	"context"

	"github.com/navicore/zimsync/pkg/models"
)

const (
	// ServiceType is the DNS-SD service this implementation speaks.
	ServiceType = "_zimsync._udp"
	// Domain is the mDNS domain.
	Domain = "local."
	// TXTKey is the TXT record key carrying the serialized DeviceInfo.
	TXTKey = "info"
)

// Peer is one discovered endpoint. DeviceInfo is nil when the TXT
// record was absent or malformed; browsers tolerate both.
type Peer struct {
	Name       string
	Endpoint   string // host:port
	DeviceInfo *models.DeviceInfo
}

// Advertiser announces this device under ServiceType until stopped.
type Advertiser interface {
	Start() error
	Stop() error
}

// Browser collects peers for a bounded time.
type Browser interface {
	Browse(ctx context.Context) ([]Peer, error)
}
