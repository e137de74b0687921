package discovery

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/navicore/zimsync/pkg/models"
)

func serviceResponse(t *testing.T, instance string, port uint16, info *models.DeviceInfo) *dns.Msg {
	t.Helper()

	full := instance + "." + serviceName()
	host := instance + "." + Domain

	msg := new(dns.Msg)
	msg.Response = true
	msg.Answer = append(msg.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: serviceName(), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: mdnsTTL},
		Ptr: full,
	})
	msg.Extra = append(msg.Extra, &dns.SRV{
		Hdr:    dns.RR_Header{Name: full, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: mdnsTTL},
		Port:   port,
		Target: host,
	})
	msg.Extra = append(msg.Extra, &dns.A{
		Hdr: dns.RR_Header{Name: host, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: mdnsTTL},
		A:   net.IPv4(192, 168, 1, 20),
	})
	if info != nil {
		blob, err := json.Marshal(info)
		if err != nil {
			t.Fatalf("marshal info: %v", err)
		}
		msg.Extra = append(msg.Extra, &dns.TXT{
			Hdr: dns.RR_Header{Name: full, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: mdnsTTL},
			Txt: []string{TXTKey + "=" + string(blob)},
		})
	}
	return msg
}

func TestParseResponseFullRecordSet(t *testing.T) {
	info := &models.DeviceInfo{
		ID:       uuid.MustParse("00000000-0000-0000-0000-0000000000bb"),
		Name:     "Studio",
		Platform: models.PlatformMacOS,
		Version:  "1.0.0",
	}

	peer, ok := parseResponse(serviceResponse(t, "Studio", 8080, info))
	if !ok {
		t.Fatalf("response not parsed")
	}
	if peer.Name != "Studio" {
		t.Fatalf("name = %q", peer.Name)
	}
	if peer.Endpoint != "192.168.1.20:8080" {
		t.Fatalf("endpoint = %q", peer.Endpoint)
	}
	if peer.DeviceInfo == nil || peer.DeviceInfo.Name != "Studio" {
		t.Fatalf("device info = %+v", peer.DeviceInfo)
	}
}

func TestParseResponseToleratesMissingTXT(t *testing.T) {
	peer, ok := parseResponse(serviceResponse(t, "Bare", 9000, nil))
	if !ok {
		t.Fatalf("response not parsed")
	}
	if peer.DeviceInfo != nil {
		t.Fatalf("expected nil device info, got %+v", peer.DeviceInfo)
	}
}

func TestParseResponseToleratesMalformedTXT(t *testing.T) {
	msg := serviceResponse(t, "Broken", 9000, nil)
	full := "Broken." + serviceName()
	msg.Extra = append(msg.Extra, &dns.TXT{
		Hdr: dns.RR_Header{Name: full, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: mdnsTTL},
		Txt: []string{TXTKey + "={not json"},
	})

	peer, ok := parseResponse(msg)
	if !ok {
		t.Fatalf("response not parsed")
	}
	if peer.DeviceInfo != nil {
		t.Fatalf("malformed TXT must yield nil device info")
	}
}

func TestParseResponseRejectsIncomplete(t *testing.T) {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Answer = append(msg.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: serviceName(), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: mdnsTTL},
		Ptr: "NoSRV." + serviceName(),
	})

	if _, ok := parseResponse(msg); ok {
		t.Fatalf("PTR without SRV must not produce a peer")
	}
}

func TestDNSEscape(t *testing.T) {
	cases := map[string]string{
		"My Mac Studio": "My-Mac-Studio",
		"v1.2":          "v1-2",
		"":              "zimsync",
		"plain":         "plain",
	}
	for in, want := range cases {
		if got := dnsEscape(in); got != want {
			t.Fatalf("dnsEscape(%q) = %q, want %q", in, got, want)
		}
	}
}
