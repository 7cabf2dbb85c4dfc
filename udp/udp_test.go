package udp

import (
	"errors"
	"testing"

	"github.com/hobbyos/knet"
)

type recorder struct {
	calls   int
	srcPort uint16
	payload string
}

func (r *recorder) HandleUDP(src, dst [4]byte, srcPort, dstPort uint16, payload []byte) error {
	r.calls++
	r.srcPort = srcPort
	r.payload = string(payload)
	return nil
}

func datagram(srcPort, dstPort uint16, payload string) Frame {
	buf := make([]byte, sizeHeader+len(payload)+4) // trailing link padding.
	ufrm, _ := NewFrame(buf)
	ufrm.SetHeader(srcPort, dstPort, len(payload))
	copy(ufrm.Payload(), payload)
	return ufrm
}

func TestMuxDispatch(t *testing.T) {
	var m Mux
	var dhcp, dns recorder
	if err := m.Handle(PortDHCPClient, false, &dhcp); err != nil {
		t.Fatal(err)
	}
	if err := m.Handle(PortDNS, true, &dns); err != nil {
		t.Fatal(err)
	}
	if err := m.Handle(PortDNS, false, &dns); err == nil {
		t.Fatal("duplicate binding accepted")
	}
	src, dst := [4]byte{10, 0, 2, 2}, [4]byte{10, 0, 2, 15}

	if err := m.Demux(src, dst, datagram(67, 68, "offer")); err != nil {
		t.Fatal(err)
	}
	if dhcp.calls != 1 || dhcp.payload != "offer" {
		t.Fatalf("dhcp got %+v", dhcp)
	}
	// DNS reply arrives from port 53 at an ephemeral port.
	if err := m.Demux(src, dst, datagram(53, 50123, "answer")); err != nil {
		t.Fatal(err)
	}
	if dns.calls != 1 || dns.payload != "answer" || dns.srcPort != 53 {
		t.Fatalf("dns got %+v", dns)
	}
	if err := m.Demux(src, dst, datagram(1000, 2000, "x")); !IsNoHandler(err) {
		t.Fatalf("want no handler, got %v", err)
	}
}

func TestChecksumVerified(t *testing.T) {
	var m Mux
	var r recorder
	m.Handle(PortDHCPClient, false, &r)
	src, dst := [4]byte{10, 0, 2, 2}, [4]byte{10, 0, 2, 15}
	ufrm := datagram(67, 68, "abc")
	ufrm.SetCRC(ufrm.CalculateIPv4CRC(&src, &dst))
	if err := m.Demux(src, dst, ufrm); err != nil {
		t.Fatal(err)
	}
	ufrm.Payload()[0] ^= 1
	if err := m.Demux(src, dst, ufrm); !errors.Is(err, knet.ErrBadCRC) {
		t.Fatalf("corrupt datagram: %v", err)
	}
	ufrm.SetLength(200)
	if err := m.Demux(src, dst, ufrm); err == nil {
		t.Fatal("bad length accepted")
	}
}
