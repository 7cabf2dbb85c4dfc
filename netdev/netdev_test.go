package netdev

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/drivers"
)

type fakeDriver struct {
	mac      [6]byte
	started  int
	startErr error
	sendErr  error
	sent     [][]byte
	link     bool
	promisc  bool
}

func (d *fakeDriver) Kind() string                     { return "fake" }
func (d *fakeDriver) HardwareAddr() [6]byte            { return d.mac }
func (d *fakeDriver) Start() error                     { d.started++; return d.startErr }
func (d *fakeDriver) Poll() int                        { return 0 }
func (d *fakeDriver) HandleIRQ()                       {}
func (d *fakeDriver) SetRxHandler(h drivers.RxHandler) {}
func (d *fakeDriver) LinkUp() bool                     { return d.link }
func (d *fakeDriver) SetPromiscuous(on bool)           { d.promisc = on }
func (d *fakeDriver) SendFrame(frame []byte) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, frame)
	return nil
}

// bareDriver lacks every optional capability.
type bareDriver struct{}

func (*bareDriver) Kind() string                     { return "bare" }
func (*bareDriver) HardwareAddr() [6]byte            { return [6]byte{} }
func (*bareDriver) Start() error                     { return nil }
func (*bareDriver) SendFrame([]byte) error           { return nil }
func (*bareDriver) Poll() int                        { return 0 }
func (*bareDriver) HandleIRQ()                       {}
func (*bareDriver) SetRxHandler(h drivers.RxHandler) {}

var mac0 = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	if r.Default() != nil {
		t.Fatal("empty registry has a default")
	}
	eth0, err := r.Register("eth0", &fakeDriver{mac: mac0})
	if err != nil {
		t.Fatal(err)
	}
	eth1, err := r.Register("eth1", &fakeDriver{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Default() != eth0 || r.ByName("eth1") != eth1 || r.ByName("eth") != nil {
		t.Error("lookup mismatch")
	}
	if r.ByIndex(1) != eth1 || r.ByIndex(2) != nil {
		t.Error("index lookup mismatch")
	}
	if eth0.HardwareAddr() != mac0 {
		t.Errorf("mac %x", eth0.HardwareAddr())
	}
	if eth0.Flags() != FlagDown || eth0.IsUp() {
		t.Errorf("initial flags %v", eth0.Flags())
	}
	if eth0.Counters() != (Counters{}) {
		t.Error("counters not zero")
	}

	for _, name := range []string{"", "abcdefghijklmnop"} {
		if _, err := r.Register(name, &fakeDriver{}); !errors.Is(err, errNameLen) {
			t.Errorf("name %q: %v", name, err)
		}
	}
	if _, err := r.Register("eth0", &fakeDriver{}); !errors.Is(err, errDuplicateName) {
		t.Errorf("duplicate: %v", err)
	}
	if _, err := r.Register("eth2", nil); !errors.Is(err, errNilDriver) {
		t.Errorf("nil driver: %v", err)
	}
	if _, err := r.Register("abcdefghijklmno", &fakeDriver{}); err != nil {
		t.Errorf("15 character name: %v", err)
	}
}

func TestUpAndFlags(t *testing.T) {
	r := NewRegistry(nil)
	drv := &fakeDriver{startErr: errors.New("boom")}
	ifc, _ := r.Register("eth0", drv)
	if err := ifc.Up(); err == nil || ifc.IsUp() {
		t.Fatal("up succeeded with failing driver")
	}
	drv.startErr = nil
	if err := ifc.Up(); err != nil {
		t.Fatal(err)
	}
	ifc.Up()
	if drv.started != 2 {
		t.Errorf("driver started %d times", drv.started)
	}
	if got := ifc.Flags(); got != FlagUp {
		t.Errorf("flags %v with link down", got)
	}
	drv.link = true
	if got := ifc.Flags(); got != FlagUp|FlagRunning {
		t.Errorf("flags %v with link up", got)
	}
	if err := ifc.SetPromiscuous(true); err != nil || !drv.promisc || ifc.Flags()&FlagPromisc == 0 {
		t.Error("promiscuous not applied")
	}
	if got := ifc.Flags().String(); got != "UP,PROMISC,RUNNING" {
		t.Errorf("flag string %q", got)
	}
	ifc.Down()
	if ifc.Flags() != FlagDown|FlagPromisc {
		t.Errorf("flags after down %v", ifc.Flags())
	}

	bare, _ := r.Register("eth1", &bareDriver{})
	if err := bare.SetPromiscuous(true); !errors.Is(err, knet.ErrUnsupported) {
		t.Errorf("promisc on bare driver: %v", err)
	}
	if _, ok := bare.DriverStats(); ok {
		t.Error("bare driver reports stats")
	}
}

func TestSendFrame(t *testing.T) {
	r := NewRegistry(nil)
	drv := &fakeDriver{}
	ifc, _ := r.Register("eth0", drv)
	frame := make([]byte, 60)
	if err := ifc.SendFrame(frame); !errors.Is(err, knet.ErrInterfaceDown) {
		t.Fatalf("send while down: %v", err)
	}
	ifc.Up()
	for _, n := range []int{13, 1515} {
		if err := ifc.SendFrame(make([]byte, n)); !errors.Is(err, drivers.ErrFrameSize) {
			t.Errorf("len %d: %v", n, err)
		}
	}
	for _, n := range []int{14, 1514} {
		if err := ifc.SendFrame(make([]byte, n)); err != nil {
			t.Errorf("len %d: %v", n, err)
		}
	}
	drv.sendErr = drivers.ErrTxBusy
	if err := ifc.SendFrame(frame); !errors.Is(err, drivers.ErrTxBusy) {
		t.Errorf("driver error not returned: %v", err)
	}
	ifc.CountRx(100)
	ifc.CountError()
	want := Counters{TxPackets: 2, TxBytes: 14 + 1514, RxPackets: 1, RxBytes: 100, Errors: 4}
	if diff := cmp.Diff(want, ifc.Counters()); diff != "" {
		t.Errorf("counters (-want +got):\n%s", diff)
	}
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Config
		err  error
	}{
		{
			name: "static",
			in:   "# qemu user networking\ndhcp=0\nip=10.0.2.15\nnetmask = 255.255.255.0\ngateway=10.0.2.2\ndns=10.0.2.3\n",
			want: Config{
				Addr:    [4]byte{10, 0, 2, 15},
				Netmask: [4]byte{255, 255, 255, 0},
				Gateway: [4]byte{10, 0, 2, 2},
				DNS:     [4]byte{10, 0, 2, 3},
			},
		},
		{name: "dhcp", in: "dhcp=1\n", want: Config{DHCP: true}},
		{name: "default mask", in: "ip=192.168.1.7\nhostname=box\n", want: Config{Addr: [4]byte{192, 168, 1, 7}, Netmask: [4]byte{255, 255, 255, 0}}},
		{name: "bad addr", in: "ip=10.0.2\n", err: knet.ErrInvalidAddr},
		{name: "ipv6", in: "dns=::1\n", err: knet.ErrInvalidAddr},
		{name: "bad mask", in: "ip=10.0.0.1\nnetmask=255.0.255.0\n", err: knet.ErrInvalidConfig},
		{name: "no equals", in: "dhcp\n", err: knet.ErrInvalidConfig},
		{name: "bad dhcp", in: "dhcp=yes\n", err: knet.ErrInvalidConfig},
		{name: "static without ip", in: "dhcp=0\n", err: knet.ErrInvalidConfig},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseConfig(strings.NewReader(tc.in))
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("want %v, got %v", tc.err, err)
				}
				return
			} else if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	fsys := fstest.MapFS{
		"config/network-eth0.conf": {Data: []byte("dhcp=0\nip=10.0.2.15\n")},
	}
	cfg, err := LoadConfig(fsys, "eth0")
	if err != nil || cfg.Addr != [4]byte{10, 0, 2, 15} || cfg.DHCP {
		t.Errorf("eth0: %+v %v", cfg, err)
	}
	cfg, err = LoadConfig(fsys, "eth1")
	if err != nil || cfg != (Config{DHCP: true}) {
		t.Errorf("missing file: %+v %v", cfg, err)
	}
}

func TestWriteIPConfig(t *testing.T) {
	r := NewRegistry(nil)
	drv := &fakeDriver{mac: mac0, link: true}
	ifc, _ := r.Register("eth0", drv)
	r.Register("eth1", &bareDriver{})
	ifc.Up()
	err := ifc.SetConfig(Config{
		DHCP:    true,
		Addr:    [4]byte{10, 0, 2, 15},
		Netmask: [4]byte{255, 255, 255, 0},
		Gateway: [4]byte{10, 0, 2, 2},
		DNS:     [4]byte{10, 0, 2, 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	ifc.SendFrame(make([]byte, 42))
	ifc.CountRx(60)

	var b strings.Builder
	if err := r.WriteIPConfig(&b); err != nil {
		t.Fatal(err)
	}
	want := `eth0: flags=UP,DHCP,RUNNING driver=fake
	ether 52:54:00:12:34:56
	inet 10.0.2.15 netmask 255.255.255.0
	gateway 10.0.2.2 dns 10.0.2.3
	RX packets 1 bytes 60
	TX packets 1 bytes 42
	errors 0
eth1: flags=DOWN driver=bare
	ether 00:00:00:00:00:00
	inet unset netmask unset
	gateway unset dns unset
	RX packets 0 bytes 0
	TX packets 0 bytes 0
	errors 0
`
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("report (-want +got):\n%s", diff)
	}
	if ifc.Network() != [4]byte{10, 0, 2, 0} {
		t.Errorf("network %v", ifc.Network())
	}
	if err := ifc.SetConfig(Config{Netmask: [4]byte{0, 255, 0, 0}}); !errors.Is(err, knet.ErrInvalidConfig) {
		t.Errorf("bad netmask accepted: %v", err)
	}
}
