package client

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/navicore/zimsync/internal/catalog"
	"github.com/navicore/zimsync/internal/session"
	"github.com/navicore/zimsync/internal/transport"
	"github.com/navicore/zimsync/pkg/models"
)

// startServer runs a full server over loopback UDP and returns its
// endpoint and shared directory.
func startServer(t *testing.T) (string, string) {
	t.Helper()

	shared := t.TempDir()
	cat, err := catalog.New(shared, zerolog.Nop())
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	device := models.DeviceInfo{
		ID:       uuid.New(),
		Name:     "Studio",
		Platform: models.PlatformMacOS,
		Version:  "1.0.0",
	}

	udp := transport.NewUDPTransport(zerolog.Nop())
	listener, err := udp.Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := session.NewServer(device, cat, t.TempDir(), zerolog.Nop())
	go srv.Serve(ctx, listener)

	port := listener.Addr().(*net.UDPAddr).Port
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), shared
}

func dialTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()

	device := models.DeviceInfo{
		ID:       uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Name:     "Laptop",
		Platform: models.PlatformLinux,
		Version:  "1.0.0",
	}
	cl, err := Dial(context.Background(), transport.NewUDPTransport(zerolog.Nop()), endpoint, device, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(cl.Close)
	return cl
}

func TestDiscoverAgainstEmptyShare(t *testing.T) {
	endpoint, _ := startServer(t)
	cl := dialTestClient(t, endpoint)

	announce, list, err := cl.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if announce.DeviceInfo.Name != "Studio" {
		t.Fatalf("peer name = %q", announce.DeviceInfo.Name)
	}
	if len(announce.SupportedFeatures) != 3 {
		t.Fatalf("features = %v", announce.SupportedFeatures)
	}
	if len(list.Files) != 0 || list.TotalSize != 0 {
		t.Fatalf("expected empty catalog, got %+v", list)
	}
}

func TestProbeEcho(t *testing.T) {
	endpoint, _ := startServer(t)
	cl := dialTestClient(t, endpoint)

	resp, err := cl.Probe("Hello from ZimSync!")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if resp != "ZimSync Echo: Hello from ZimSync!\n" {
		t.Fatalf("echo = %q", resp)
	}
}

func TestFetchEndToEnd(t *testing.T) {
	endpoint, shared := startServer(t)

	content := make([]byte, 200000)
	rng := rand.New(rand.NewSource(23))
	if _, err := rng.Read(content); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if err := os.WriteFile(filepath.Join(shared, "mix.wav"), content, 0o644); err != nil {
		t.Fatalf("write shared file: %v", err)
	}

	cl := dialTestClient(t, endpoint)

	_, list, err := cl.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(list.Files) != 1 {
		t.Fatalf("catalog = %+v", list.Files)
	}

	dest := t.TempDir()
	var progressed int64
	err = cl.Fetch(context.Background(), list.Files[0], dest, 32768, func(n int64) {
		progressed += n
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if progressed != int64(len(content)) {
		t.Fatalf("progress reported %d bytes, want %d", progressed, len(content))
	}

	got, err := os.ReadFile(filepath.Join(dest, "mix.wav"))
	if err != nil {
		t.Fatalf("read fetched file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("fetched content differs from shared file")
	}
}

func TestFetchRejectsTraversalOffer(t *testing.T) {
	endpoint, _ := startServer(t)
	cl := dialTestClient(t, endpoint)

	hostile := models.FileMetadata{
		ID:       uuid.New(),
		Path:     "../escape.wav",
		Size:     10,
		Checksum: "0000000000000000000000000000000000000000000000000000000000000000",
	}
	dest := t.TempDir()
	if err := cl.Fetch(context.Background(), hostile, dest, 32768, nil); err == nil {
		t.Fatalf("expected hostile offer to be rejected")
	}
	if _, err := os.Stat(filepath.Join(dest, "..", "escape.wav")); err == nil {
		t.Fatalf("traversal file was created")
	}
}
