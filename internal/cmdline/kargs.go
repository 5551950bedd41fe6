package cmdline

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

const (
	// DefaultZnet is the qeth layer2 NIC on the usual bdf0 subchannels.
	DefaultZnet = "qeth,0.0.bdf0,0.0.bdf1,0.0.bdf2,layer2=1,portno=0"
	DefaultIP   = "dhcp"
)

// Network describes guest networking during the live boot.
type Network struct {
	Znet        string   `yaml:"znet" toml:"znet" json:"znet"`
	IP          string   `yaml:"ip" toml:"ip" json:"ip"`
	Nameservers []string `yaml:"nameservers" toml:"nameservers" json:"nameservers,omitempty"`
}

// Disk selects the install target. Exactly one field must be set.
type Disk struct {
	DASD      string   `yaml:"dasd" toml:"dasd" json:"dasd,omitempty"`
	EDEV      string   `yaml:"edev" toml:"edev" json:"edev,omitempty"`
	SCSI      string   `yaml:"scsi" toml:"scsi" json:"scsi,omitempty"`
	Multipath []string `yaml:"multipath" toml:"multipath" json:"multipath,omitempty"`
}

func (d Disk) count() int {
	n := 0
	for _, set := range []bool{d.DASD != "", d.EDEV != "", d.SCSI != "", len(d.Multipath) > 0} {
		if set {
			n++
		}
	}
	return n
}

// Describe returns a short human readable description of the target.
func (d Disk) Describe() string {
	switch {
	case d.DASD != "":
		return "ECKD-DASD " + d.DASD
	case d.EDEV != "":
		return "EDEV-DASD(FBA) " + d.EDEV
	case d.SCSI != "":
		return "zFCP " + d.SCSI
	case len(d.Multipath) > 0:
		return "multipath " + strings.Join(d.Multipath, ",")
	default:
		return "none"
	}
}

func (d Disk) params() (Params, error) {
	if d.count() != 1 {
		return nil, &artifacts.ConfigError{
			Reason:  artifacts.InvalidParameter,
			Field:   "disk",
			Message: fmt.Sprintf("exactly one install target is required, got %d", d.count()),
		}
	}
	switch {
	case d.DASD != "":
		return ccwParams("disk.dasd", d.DASD)
	case d.EDEV != "":
		return ccwParams("disk.edev", d.EDEV)
	case d.SCSI != "":
		return Params{
			{Name: "rd.zfcp", Value: d.SCSI},
			{Name: "coreos.inst.install_dev", Value: "/dev/sda"},
		}, nil
	default:
		if len(d.Multipath) < 2 {
			return nil, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "disk.multipath", Message: "multipath needs at least two paths"}
		}
		ps := Params{{Name: "rd.multipath", Value: "default"}}
		for _, path := range d.Multipath {
			ps = append(ps, Param{Name: "rd.zfcp", Value: path})
		}
		return append(ps, Param{Name: "coreos.inst.install_dev", Value: "/dev/mapper/mpatha"}), nil
	}
}

func ccwParams(field, device string) (Params, error) {
	if !strings.HasPrefix(device, "0.0.") {
		return nil, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: field, Message: fmt.Sprintf("device %q must be a full bus id such as 0.0.1234", device)}
	}
	return Params{
		{Name: "rd.dasd", Value: device},
		{Name: "coreos.inst.install_dev", Value: "/dev/disk/by-path/ccw-" + device},
	}, nil
}

var dfltccModes = map[string]string{
	"on":       "on",
	"true":     "on",
	"off":      "off",
	"false":    "off",
	"def_only": "def_only",
	"inf_only": "inf_only",
	"always":   "always",
}

// InstallOptions collects everything the CoreOS installer needs on the kernel command line.
type InstallOptions struct {
	Network     Network
	Disk        Disk
	IgnitionURL string
	// RootfsURL is only emitted for http(s) locations; other rootfs sources reach the guest
	// through the reader.
	RootfsURL string
	Dfltcc    string
	Extra     Params
}

// KernelArgs composes the install parameters in the order the live initramfs expects them.
func KernelArgs(opts InstallOptions) (Params, error) {
	znet := opts.Network.Znet
	if znet == "" {
		znet = DefaultZnet
	}
	ip := opts.Network.IP
	if ip == "" {
		ip = DefaultIP
	}

	ps := Params{
		{Name: "rd.neednet", Value: "1"},
		{Name: "rd.znet", Value: znet},
		{Name: "ip", Value: ip},
	}
	for _, ns := range opts.Network.Nameservers {
		ps = append(ps, Param{Name: "nameserver", Value: ns})
	}

	disk, err := opts.Disk.params()
	if err != nil {
		return nil, err
	}
	ps = append(ps, disk...)

	if opts.IgnitionURL == "" {
		return nil, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "install.ignition_url", Message: "an ignition config URL is required"}
	}
	if u, err := url.Parse(opts.IgnitionURL); err != nil || u.Scheme == "" {
		return nil, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "install.ignition_url", Message: fmt.Sprintf("%q is not an absolute URL", opts.IgnitionURL)}
	}
	ps = append(ps,
		Param{Name: "coreos.inst", Value: "yes"},
		Param{Name: "coreos.inst.insecure", Value: "yes"},
		Param{Name: "coreos.inst.ignition_url", Value: opts.IgnitionURL},
	)
	if artifacts.URI(opts.RootfsURL).IsRemote() {
		ps = append(ps, Param{Name: "coreos.live.rootfs_url", Value: opts.RootfsURL})
	}

	if opts.Dfltcc != "" {
		mode, ok := dfltccModes[strings.ToLower(opts.Dfltcc)]
		if !ok {
			return nil, &artifacts.ConfigError{Reason: artifacts.InvalidParameter, Field: "install.dfltcc", Message: fmt.Sprintf("unknown dfltcc mode %q", opts.Dfltcc)}
		}
		ps = append(ps, Param{Name: "dfltcc", Value: mode})
	}

	ps = append(ps, opts.Extra...)
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return ps, nil
}
