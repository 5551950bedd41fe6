package cmdline

import (
	"io"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/zvmhelper/internal/artifacts"
)

func readPayload(t *testing.T, p artifacts.Payload) string {
	t.Helper()
	rc, err := p.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestGenerateOrderedFlags(t *testing.T) {
	t.Parallel()

	payload, err := Generate(Params{{Name: "ip", Value: "dhcp"}, {Name: "console"}})
	require.NoError(t, err)

	assert.Equal(t, "ip=dhcp console", readPayload(t, payload))
	assert.Equal(t, artifacts.Cmdline, payload.Kind)
	assert.Equal(t, int64(len("ip=dhcp console")), payload.Size)
}

func TestGenerateIsDeterministic(t *testing.T) {
	t.Parallel()

	params := Params{
		{Name: "rd.neednet", Value: "1"},
		{Name: "nameserver", Value: "10.0.0.1"},
		{Name: "nameserver", Value: "10.0.0.2"},
		{Name: "quiet"},
	}
	first, err := Generate(params)
	require.NoError(t, err)
	second, err := Generate(params)
	require.NoError(t, err)

	assert.Equal(t, readPayload(t, first), readPayload(t, second))
	assert.Equal(t, first.Digest, second.Digest)
}

func TestGenerateRejectsMalformedNames(t *testing.T) {
	t.Parallel()

	for _, p := range []Param{
		{Name: "bad name", Value: "x"},
		{Name: ""},
		{Name: "a=b"},
		{Name: "ok", Value: "line\nbreak"},
		{Name: "ok", Value: `say "hi"`},
	} {
		_, err := Generate(Params{p})
		var cfgErr *artifacts.ConfigError
		require.ErrorAs(t, err, &cfgErr, "%+v", p)
		assert.Equal(t, artifacts.InvalidParameter, cfgErr.Reason)
	}
}

func TestRenderQuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	text, err := Params{{Name: "dyndbg", Value: "file foo.c +p"}}.Render()
	require.NoError(t, err)
	assert.Equal(t, `dyndbg="file foo.c +p"`, text)

	parsed, err := Parse(text + " quiet")
	require.NoError(t, err)
	assert.Equal(t, Params{{Name: "dyndbg", Value: "file foo.c +p"}, {Name: "quiet"}}, parsed)
}

func TestParseUnterminatedQuote(t *testing.T) {
	t.Parallel()

	_, err := Parse(`a="b c`)
	require.Error(t, err)
}

func TestParamsYAMLKeepsOrder(t *testing.T) {
	t.Parallel()

	var doc struct {
		Params Params `yaml:"params"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("params:\n  zeta: 1\n  alpha:\n  mid: x\n"), &doc))
	assert.Equal(t, Params{{Name: "zeta", Value: "1"}, {Name: "alpha"}, {Name: "mid", Value: "x"}}, doc.Params)

	require.NoError(t, yaml.Unmarshal([]byte("params: [\"ip=dhcp\", console]\n"), &doc))
	assert.Equal(t, Params{{Name: "ip", Value: "dhcp"}, {Name: "console"}}, doc.Params)
}

func TestParamsTOML(t *testing.T) {
	t.Parallel()

	var doc struct {
		Params Params `toml:"params"`
	}
	_, err := toml.Decode(`params = ["ip=dhcp", "console"]`, &doc)
	require.NoError(t, err)
	assert.Equal(t, Params{{Name: "ip", Value: "dhcp"}, {Name: "console"}}, doc.Params)
}

func TestFromMapSortsNames(t *testing.T) {
	t.Parallel()

	ps := FromMap(map[string]string{"ip": "dhcp", "console": ""})
	text, err := ps.Render()
	require.NoError(t, err)
	assert.Equal(t, "console ip=dhcp", text)
}

func TestKernelArgsDASD(t *testing.T) {
	t.Parallel()

	ps, err := KernelArgs(InstallOptions{
		Network: Network{
			IP:          "10.1.1.5::10.1.0.1:255.255.0.0:coreos:encbdf0:none",
			Nameservers: []string{"10.1.0.1", "10.1.0.2"},
		},
		Disk:        Disk{DASD: "0.0.4411"},
		IgnitionURL: "http://10.1.0.9/config.ign",
		RootfsURL:   "https://builds.example/rootfs.s390x.img",
		Dfltcc:      "off",
		Extra:       Params{{Name: "console", Value: "ttysclp0"}},
	})
	require.NoError(t, err)

	text, err := ps.Render()
	require.NoError(t, err)
	assert.Equal(t, "rd.neednet=1 rd.znet="+DefaultZnet+
		" ip=10.1.1.5::10.1.0.1:255.255.0.0:coreos:encbdf0:none nameserver=10.1.0.1 nameserver=10.1.0.2"+
		" rd.dasd=0.0.4411 coreos.inst.install_dev=/dev/disk/by-path/ccw-0.0.4411"+
		" coreos.inst=yes coreos.inst.insecure=yes coreos.inst.ignition_url=http://10.1.0.9/config.ign"+
		" coreos.live.rootfs_url=https://builds.example/rootfs.s390x.img dfltcc=off console=ttysclp0", text)
}

func TestKernelArgsTargets(t *testing.T) {
	t.Parallel()

	base := InstallOptions{IgnitionURL: "http://h/c.ign", RootfsURL: "file:///tmp/rootfs.img"}

	scsi := base
	scsi.Disk = Disk{SCSI: "0.0.8000,0x500507630400d1e3,0x4000404600000000"}
	ps, err := KernelArgs(scsi)
	require.NoError(t, err)
	dev, _ := ps.Get("coreos.inst.install_dev")
	assert.Equal(t, "/dev/sda", dev)
	_, hasRootfs := ps.Get("coreos.live.rootfs_url")
	assert.False(t, hasRootfs)
	ip, _ := ps.Get("ip")
	assert.Equal(t, DefaultIP, ip)

	mp := base
	mp.Disk = Disk{Multipath: []string{"a", "b"}}
	ps, err = KernelArgs(mp)
	require.NoError(t, err)
	dev, _ = ps.Get("coreos.inst.install_dev")
	assert.Equal(t, "/dev/mapper/mpatha", dev)
}

func TestKernelArgsRejectsInvalidTargets(t *testing.T) {
	t.Parallel()

	cases := map[string]InstallOptions{
		"none":          {IgnitionURL: "http://h/c.ign"},
		"two":           {IgnitionURL: "http://h/c.ign", Disk: Disk{DASD: "0.0.1", SCSI: "x"}},
		"short dasd":    {IgnitionURL: "http://h/c.ign", Disk: Disk{DASD: "4411"}},
		"one path":      {IgnitionURL: "http://h/c.ign", Disk: Disk{Multipath: []string{"a"}}},
		"no ignition":   {Disk: Disk{DASD: "0.0.4411"}},
		"bad dfltcc":    {IgnitionURL: "http://h/c.ign", Disk: Disk{DASD: "0.0.4411"}, Dfltcc: "sometimes"},
		"relative ign":  {IgnitionURL: "config.ign", Disk: Disk{DASD: "0.0.4411"}},
		"bad extra arg": {IgnitionURL: "http://h/c.ign", Disk: Disk{DASD: "0.0.4411"}, Extra: Params{{Name: "a b"}}},
	}
	for name, opts := range cases {
		_, err := KernelArgs(opts)
		var cfgErr *artifacts.ConfigError
		assert.ErrorAs(t, err, &cfgErr, name)
	}
}
