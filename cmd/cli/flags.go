package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	config "github.com/cochaviz/zvmhelper/config"
	"github.com/cochaviz/zvmhelper/internal/zvm"
)

// targetFlags override the guest, network and install target of the configuration file.
type targetFlags struct {
	guest        string
	transport    string
	sshHost      string
	sshUser      string
	sshKey       string
	sudo         bool
	rootfsDevice string
	noClear      bool
	textParm     bool

	znet        string
	ip          string
	nameservers []string

	dasd      string
	edev      string
	scsi      string
	multipath []string

	ignitionURL string
	rootfsURL   string
	dfltcc      string
	extraArgs   string

	concurrency int
	noCache     bool
}

func (f *targetFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.guest, "guest", "g", "", "zVM user id of the guest to provision")
	fs.StringVar(&f.transport, "transport", "", "Where vmur and vmcp run (local, ssh)")
	fs.StringVar(&f.sshHost, "ssh-host", "", "Helper guest driving the punch over SSH")
	fs.StringVar(&f.sshUser, "ssh-user", "", "SSH user on the helper guest")
	fs.StringVar(&f.sshKey, "ssh-key", "", "Private key for the helper guest")
	fs.BoolVar(&f.sudo, "sudo", false, "Run the helper guest commands through sudo")
	fs.StringVar(&f.rootfsDevice, "rootfs-device", "", "Minidisk bus id receiving the raw rootfs instead of the reader")
	fs.BoolVar(&f.noClear, "keep-reader", false, "Do not purge the guest's reader before punching")
	fs.BoolVar(&f.textParm, "text-parm", false, "Punch the parameter file in text mode")

	fs.StringVar(&f.znet, "znet", "", "rd.znet value of the network device")
	fs.StringVar(&f.ip, "ip", "", "ip= kernel argument (default dhcp)")
	fs.StringSliceVar(&f.nameservers, "nameserver", nil, "DNS server; repeat flag to add more")

	fs.StringVar(&f.dasd, "dasd", "", "Install onto this ECKD DASD, e.g. 0.0.5000")
	fs.StringVar(&f.edev, "edev", "", "Install onto this EDEV (FBA) DASD")
	fs.StringVar(&f.scsi, "scsi", "", "Install onto this zFCP LUN (device,wwpn,lun)")
	fs.StringArrayVar(&f.multipath, "multipath", nil, "zFCP path of a multipath install target; repeat for every path")

	fs.StringVar(&f.ignitionURL, "ignition-url", "", "URL of the Ignition config")
	fs.StringVar(&f.rootfsURL, "rootfs-url", "", "Rootfs URL announced to the live system")
	fs.StringVar(&f.dfltcc, "dfltcc", "", "dfltcc mode (on, off, def_only, inf_only, always)")
	fs.StringVar(&f.extraArgs, "extra-args", "", "Additional kernel arguments")

	fs.IntVar(&f.concurrency, "concurrency", 0, "Artifact pipelines running at once (default: all)")
	fs.BoolVar(&f.noCache, "no-cache", false, "Do not reuse or keep downloaded artifacts")
}

// apply copies every flag given on the command line over cfg.
func (f *targetFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	set := cmd.Flags().Changed

	if set("guest") {
		cfg.Zvm.Guest = f.guest
	}
	if set("transport") {
		cfg.Zvm.Transport = zvm.TransportKind(f.transport)
	}
	if set("ssh-host") {
		cfg.Zvm.SSH.Host = f.sshHost
		if !set("transport") {
			cfg.Zvm.Transport = zvm.SSH
		}
	}
	if set("ssh-user") {
		cfg.Zvm.SSH.User = f.sshUser
	}
	if set("ssh-key") {
		cfg.Zvm.SSH.KeyFile = f.sshKey
	}
	if set("sudo") {
		cfg.Zvm.SSH.Sudo = f.sudo
	}
	if set("rootfs-device") {
		cfg.Zvm.RootfsDevice = f.rootfsDevice
	}
	if set("keep-reader") {
		clearReader := !f.noClear
		cfg.Zvm.ClearReader = &clearReader
	}
	if set("text-parm") {
		cfg.Zvm.TextParm = f.textParm
	}

	if set("znet") {
		cfg.Network.Znet = f.znet
	}
	if set("ip") {
		cfg.Network.IP = f.ip
	}
	if set("nameserver") {
		cfg.Network.Nameservers = f.nameservers
	}

	// a disk given on the command line replaces the configured one
	if set("dasd") || set("edev") || set("scsi") || set("multipath") {
		cfg.Disk.DASD, cfg.Disk.EDEV, cfg.Disk.SCSI, cfg.Disk.Multipath = f.dasd, f.edev, f.scsi, f.multipath
	}

	if set("ignition-url") {
		cfg.Install.IgnitionURL = f.ignitionURL
	}
	if set("rootfs-url") {
		cfg.Install.RootfsURL = f.rootfsURL
	}
	if set("dfltcc") {
		cfg.Install.Dfltcc = f.dfltcc
	}
	if set("extra-args") {
		cfg.Install.ExtraArgs = f.extraArgs
	}

	if set("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if set("no-cache") {
		cfg.Cache.Disabled = f.noCache
	}
	return cfg.Validate()
}
