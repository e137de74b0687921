package models

import (
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform identifies the operating system a peer runs on.
type Platform string

const (
	PlatformMacOS   Platform = "macOS"
	PlatformIOS     Platform = "iOS"
	PlatformIPadOS  Platform = "iPadOS"
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// CurrentPlatform maps the running OS to a Platform tag.
func CurrentPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	default:
		return PlatformLinux
	}
}

// Features advertised in Announce packets.
const (
	FeatureCompression = "compression"
	FeatureChunking    = "chunking"
	FeatureResume      = "resume"
)

// SupportedFeatures returns the feature set this implementation speaks.
func SupportedFeatures() []string {
	return []string{FeatureCompression, FeatureChunking, FeatureResume}
}

// DeviceInfo describes a peer device. It is produced once at startup and
// immutable afterwards; the ID must be stable across announcements.
type DeviceInfo struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Platform Platform  `json:"platform"`
	Version  string    `json:"version"`
}

// AudioMetadata carries optional audio properties of a shared file.
type AudioMetadata struct {
	Duration   float64 `json:"duration"` // seconds
	SampleRate int     `json:"sampleRate"`
	Channels   int     `json:"channels"`
	Format     string  `json:"format"`
}

// FileMetadata describes one shared file. The ID is assigned by the sender
// when the file is offered and is the handle for all subsequent packets
// about this file. Path is a basename only; Checksum is the hex-encoded
// SHA-256 of the full content at the time the metadata was produced.
type FileMetadata struct {
	ID       uuid.UUID      `json:"id"`
	Path     string         `json:"path"`
	Size     int64          `json:"size"`
	Modified time.Time      `json:"modified"`
	Checksum string         `json:"checksum"`
	Audio    *AudioMetadata `json:"audio,omitempty"`
}

// Validate validates the FileMetadata.
func (f *FileMetadata) Validate() error {
	if f.ID == uuid.Nil {
		return errors.New("file id must not be nil")
	}
	if err := ValidateBasename(f.Path); err != nil {
		return err
	}
	if f.Size < 0 {
		return errors.New("file size must be non-negative")
	}
	if len(f.Checksum) != 64 {
		return errors.New("checksum must be a hex-encoded SHA-256")
	}
	return nil
}

// ValidateBasename rejects names that could escape the inbound directory.
// Only bare basenames are legal on the wire.
func ValidateBasename(name string) error {
	if name == "" {
		return errors.New("file path must not be empty")
	}
	if strings.ContainsAny(name, `/\`) {
		return errors.New("file path must not contain separators")
	}
	if strings.Contains(name, "..") {
		return errors.New("file path must not contain parent references")
	}
	return nil
}

// Validate validates the DeviceInfo.
func (d *DeviceInfo) Validate() error {
	if d.ID == uuid.Nil {
		return errors.New("device id must not be nil")
	}
	if d.Name == "" {
		return errors.New("device name must not be empty")
	}
	return nil
}
