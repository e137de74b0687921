package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/navicore/zimsync/pkg/models"
)

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

const mdnsTTL = 120

// serviceName returns the fully qualified service, e.g.
// "_zimsync._udp.local.".
func serviceName() string {
	return ServiceType + "." + Domain
}

// MDNSAdvertiser answers PTR queries for the ZimSync service with
// PTR/SRV/TXT/A records describing this device.
type MDNSAdvertiser struct {
	device models.DeviceInfo
	port   uint16
	log    zerolog.Logger

	conn      *net.UDPConn
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMDNSAdvertiser creates an advertiser for the given device and
// service port.
func NewMDNSAdvertiser(device models.DeviceInfo, port uint16, log zerolog.Logger) *MDNSAdvertiser {
	return &MDNSAdvertiser{
		device: device,
		port:   port,
		log:    log.With().Str("component", "mdns").Logger(),
		closed: make(chan struct{}),
	}
}

// Start joins the mDNS multicast group and begins answering queries.
func (a *MDNSAdvertiser) Start() error {
	conn, err := net.ListenMulticastUDP("udp4", nil, mdnsGroup)
	if err != nil {
		return fmt.Errorf("%w: join mdns group: %v", models.ErrConnectionFailed, err)
	}
	a.conn = conn
	a.wg.Add(1)
	go a.answerLoop()
	a.log.Info().Str("service", serviceName()).Str("instance", a.device.Name).Msg("advertising")
	return nil
}

// Stop leaves the multicast group. Idempotent.
func (a *MDNSAdvertiser) Stop() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		if a.conn != nil {
			err = a.conn.Close()
		}
		a.wg.Wait()
	})
	return err
}

func (a *MDNSAdvertiser) answerLoop() {
	defer a.wg.Done()
	buf := make([]byte, 9000)
	for {
		n, _, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-a.closed:
				return
			default:
				a.log.Debug().Err(err).Msg("mdns read error")
				continue
			}
		}

		var msg dns.Msg
		if err := msg.Unpack(buf[:n]); err != nil || msg.Response {
			continue
		}
		for _, q := range msg.Question {
			if q.Qtype != dns.TypePTR && q.Qtype != dns.TypeANY {
				continue
			}
			if !strings.EqualFold(q.Name, serviceName()) {
				continue
			}
			if err := a.respond(msg.Id); err != nil {
				a.log.Debug().Err(err).Msg("mdns respond failed")
			}
		}
	}
}

// respond multicasts the full record set for this instance.
func (a *MDNSAdvertiser) respond(id uint16) error {
	instance := fmt.Sprintf("%s.%s", dnsEscape(a.device.Name), serviceName())
	host := fmt.Sprintf("%s.%s", dnsEscape(a.device.Name), Domain)

	msg := new(dns.Msg)
	msg.Id = id
	msg.Response = true
	msg.Authoritative = true

	msg.Answer = append(msg.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: serviceName(), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: mdnsTTL},
		Ptr: instance,
	})
	msg.Extra = append(msg.Extra, &dns.SRV{
		Hdr:    dns.RR_Header{Name: instance, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: mdnsTTL},
		Port:   a.port,
		Target: host,
	})

	if info, err := json.Marshal(a.device); err == nil && len(info) < 250 {
		msg.Extra = append(msg.Extra, &dns.TXT{
			Hdr: dns.RR_Header{Name: instance, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: mdnsTTL},
			Txt: []string{TXTKey + "=" + string(info)},
		})
	}

	if ip := localIPv4(); ip != nil {
		msg.Extra = append(msg.Extra, &dns.A{
			Hdr: dns.RR_Header{Name: host, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: mdnsTTL},
			A:   ip,
		})
	}

	packed, err := msg.Pack()
	if err != nil {
		return err
	}
	_, err = a.conn.WriteToUDP(packed, mdnsGroup)
	return err
}

// MDNSBrowser queries the multicast group and collects answers until its
// context expires.
type MDNSBrowser struct {
	log zerolog.Logger
}

// NewMDNSBrowser creates a browser.
func NewMDNSBrowser(log zerolog.Logger) *MDNSBrowser {
	return &MDNSBrowser{log: log.With().Str("component", "mdns").Logger()}
}

// Browse multicasts a PTR query for the ZimSync service and gathers
// responses until ctx is done. Peers are deduplicated by endpoint.
func (b *MDNSBrowser) Browse(ctx context.Context) ([]Peer, error) {
	conn, err := net.ListenMulticastUDP("udp4", nil, mdnsGroup)
	if err != nil {
		return nil, fmt.Errorf("%w: join mdns group: %v", models.ErrConnectionFailed, err)
	}
	defer conn.Close()

	query := new(dns.Msg)
	query.SetQuestion(serviceName(), dns.TypePTR)
	query.RecursionDesired = false
	packed, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack mdns query: %w", err)
	}
	if _, err := conn.WriteToUDP(packed, mdnsGroup); err != nil {
		return nil, fmt.Errorf("%w: send mdns query: %v", models.ErrConnectionFailed, err)
	}

	seen := make(map[string]Peer)
	buf := make([]byte, 9000)
	for {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(3 * time.Second)
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return peers(seen), err
		}

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline reached: browsing window is over.
			return peers(seen), nil
		}

		var msg dns.Msg
		if err := msg.Unpack(buf[:n]); err != nil || !msg.Response {
			continue
		}
		if peer, ok := parseResponse(&msg); ok {
			seen[peer.Endpoint] = peer
		}

		select {
		case <-ctx.Done():
			return peers(seen), nil
		default:
		}
	}
}

func peers(seen map[string]Peer) []Peer {
	out := make([]Peer, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out
}

// parseResponse extracts one peer from a service response: instance name
// from the PTR, port from the SRV, address from the A record, and
// optional device info from the TXT "info" key.
func parseResponse(msg *dns.Msg) (Peer, bool) {
	var (
		peer     Peer
		instance string
		port     uint16
		host     string
		ip       net.IP
	)

	records := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)
	for _, rr := range records {
		switch r := rr.(type) {
		case *dns.PTR:
			if strings.EqualFold(r.Hdr.Name, serviceName()) {
				instance = r.Ptr
			}
		case *dns.SRV:
			port = r.Port
			host = r.Target
		case *dns.A:
			ip = r.A
		case *dns.TXT:
			for _, txt := range r.Txt {
				if rest, ok := strings.CutPrefix(txt, TXTKey+"="); ok {
					var info models.DeviceInfo
					// Malformed TXT records are tolerated; the peer
					// simply has no device info.
					if err := json.Unmarshal([]byte(rest), &info); err == nil {
						peer.DeviceInfo = &info
					}
				}
			}
		}
	}

	if instance == "" || port == 0 {
		return Peer{}, false
	}
	peer.Name = strings.TrimSuffix(instance, "."+serviceName())
	switch {
	case ip != nil:
		peer.Endpoint = net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
	case host != "":
		peer.Endpoint = net.JoinHostPort(strings.TrimSuffix(host, "."), fmt.Sprintf("%d", port))
	default:
		return Peer{}, false
	}
	return peer, true
}

// dnsEscape makes a device name safe for use as a DNS label.
func dnsEscape(name string) string {
	name = strings.ReplaceAll(name, ".", "-")
	name = strings.ReplaceAll(name, " ", "-")
	if name == "" {
		name = "zimsync"
	}
	return name
}

// localIPv4 returns the first non-loopback IPv4 address, or nil.
func localIPv4() net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					return ip4
				}
			}
		}
	}
	return nil
}
