// Package zvm places boot artifacts on a zVM guest through its virtual reader or a minidisk.
package zvm

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

// TransportKind selects where the vmur/vmcp commands run.
type TransportKind string

const (
	// Local runs the commands on this host, which must be a zVM guest itself.
	Local TransportKind = "local"
	// SSH runs the commands on a helper guest reached over SSH.
	SSH TransportKind = "ssh"
)

// SSHConfig addresses the helper guest.
type SSHConfig struct {
	Host       string `yaml:"host" toml:"host" json:"host"`
	Port       int    `yaml:"port" toml:"port" json:"port,omitempty"`
	User       string `yaml:"user" toml:"user" json:"user"`
	KeyFile    string `yaml:"key_file" toml:"key_file" json:"key_file,omitempty"`
	Password   string `yaml:"password" toml:"password" json:"-"`
	KnownHosts string `yaml:"known_hosts" toml:"known_hosts" json:"known_hosts,omitempty"`
	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key" toml:"insecure_ignore_host_key" json:"insecure_ignore_host_key,omitempty"`
	Sudo                  bool          `yaml:"sudo" toml:"sudo" json:"sudo,omitempty"`
	Timeout               time.Duration `yaml:"timeout" toml:"timeout" json:"timeout,omitempty"`
}

// Address returns host:port with the default SSH port filled in.
func (c SSHConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Target is the read-only addressing of the destination guest, shared by every upload.
type Target struct {
	Guest     string        `yaml:"guest" toml:"guest" json:"guest"`
	Transport TransportKind `yaml:"transport" toml:"transport" json:"transport"`
	SSH       SSHConfig     `yaml:"ssh" toml:"ssh" json:"ssh,omitempty"`
	// RootfsDevice is the bus id of a minidisk receiving the raw rootfs image. Without it the
	// rootfs is punched to the reader.
	RootfsDevice string `yaml:"rootfs_device" toml:"rootfs_device" json:"rootfs_device,omitempty"`
	// Readers overrides the reader file name per kind.
	Readers     map[artifacts.Kind]string `yaml:"readers" toml:"readers" json:"readers,omitempty"`
	ClearReader *bool                     `yaml:"clear_reader" toml:"clear_reader" json:"clear_reader,omitempty"`
	// TextParm punches the parameter file in text mode.
	TextParm bool `yaml:"text_parm" toml:"text_parm" json:"text_parm,omitempty"`
}

var (
	guestPattern  = regexp.MustCompile(`^[A-Za-z0-9@#$]{1,8}$`)
	readerPattern = regexp.MustCompile(`^[A-Za-z0-9@#$+\-_:]{1,8}(\.[A-Za-z0-9@#$+\-_:]{1,8})?$`)
	busIDPattern  = regexp.MustCompile(`^[0-9a-fA-F]\.[0-9a-fA-F]\.[0-9a-fA-F]{4}$`)
)

// Validate checks the target before any session is opened.
func (t Target) Validate() error {
	if !guestPattern.MatchString(t.Guest) {
		return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "zvm.guest", Message: fmt.Sprintf("%q is not a zVM user id", t.Guest)}
	}
	switch t.Transport {
	case Local, "":
	case SSH:
		if t.SSH.Host == "" || t.SSH.User == "" {
			return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "zvm.ssh", Message: "host and user are required for the ssh transport"}
		}
		if t.SSH.KeyFile == "" && t.SSH.Password == "" {
			return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "zvm.ssh", Message: "a key file or password is required"}
		}
	default:
		return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "zvm.transport", Message: fmt.Sprintf("unknown transport %q", t.Transport)}
	}
	if t.RootfsDevice != "" && !busIDPattern.MatchString(t.RootfsDevice) {
		return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "zvm.rootfs_device", Message: fmt.Sprintf("%q is not a bus id such as 0.0.0201", t.RootfsDevice)}
	}
	for kind, name := range t.Readers {
		if !kind.IsValid() {
			return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "zvm.readers", Message: fmt.Sprintf("unknown artifact kind %q", kind)}
		}
		if !readerPattern.MatchString(name) {
			return &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "zvm.readers." + kind.String(), Message: fmt.Sprintf("%q is not a spool file name", name)}
		}
	}
	return nil
}

// ShouldClearReader reports whether the guest's reader is purged when the session opens.
func (t Target) ShouldClearReader() bool {
	return t.ClearReader == nil || *t.ClearReader
}

// DestinationType distinguishes reader spool files from minidisk writes.
type DestinationType string

const (
	Reader   DestinationType = "reader"
	Minidisk DestinationType = "minidisk"
)

// Destination is where one artifact kind lands on the guest.
type Destination struct {
	Type DestinationType
	// Name is the reader file name or the minidisk bus id.
	Name string
}

func (d Destination) String() string {
	return string(d.Type) + ":" + d.Name
}

// DevicePath returns the block device of a minidisk destination.
func (d Destination) DevicePath() string {
	return "/dev/disk/by-path/ccw-" + d.Name
}

var defaultReaders = map[artifacts.Kind]string{
	artifacts.Kernel:    "coreos.kernel",
	artifacts.Cmdline:   "coreos.parm",
	artifacts.Initramfs: "coreos.initrd",
	artifacts.Rootfs:    "coreos.rootfs",
}

// readerOrder is the order the reader IPL consumes spool files.
var readerOrder = []artifacts.Kind{artifacts.Kernel, artifacts.Cmdline, artifacts.Initramfs, artifacts.Rootfs}

// Destination maps kind onto its destination on this target.
func (t Target) Destination(kind artifacts.Kind) Destination {
	if kind == artifacts.Rootfs && t.RootfsDevice != "" {
		return Destination{Type: Minidisk, Name: strings.ToLower(t.RootfsDevice)}
	}
	name := defaultReaders[kind]
	if override := t.Readers[kind]; override != "" {
		name = override
	}
	return Destination{Type: Reader, Name: name}
}

// Schedule orders kinds the way the reader consumes them. Starting pipelines in this order
// lets every reader upload wait only on pipelines that were started before it.
func Schedule(kinds []artifacts.Kind) []artifacts.Kind {
	present := make(map[artifacts.Kind]bool, len(kinds))
	for _, k := range kinds {
		present[k] = true
	}
	out := make([]artifacts.Kind, 0, len(kinds))
	for _, k := range readerOrder {
		if present[k] {
			out = append(out, k)
			delete(present, k)
		}
	}
	for _, k := range kinds {
		if present[k] {
			out = append(out, k)
		}
	}
	return out
}
