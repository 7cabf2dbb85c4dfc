package ethernet

import (
	"testing"

	"github.com/hobbyos/knet"
)

func TestFrameHeader(t *testing.T) {
	buf := make([]byte, 60)
	efrm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	src := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	efrm.SetHeader(BroadcastAddr(), src, knet.EtherTypeARP)
	if !efrm.IsBroadcast() || *efrm.SourceHardwareAddr() != src {
		t.Fatal("header mismatch")
	}
	if efrm.EtherTypeOrSize() != knet.EtherTypeARP || buf[12] != 0x08 || buf[13] != 0x06 {
		t.Fatal("ethertype must be big endian 0x0806")
	}
	if len(efrm.Payload()) != 46 {
		t.Fatalf("payload length %d", len(efrm.Payload()))
	}
	var v knet.Validator
	efrm.ValidateSize(&v)
	if v.HasError() {
		t.Fatal(v.Err())
	}
	if _, err := NewFrame(buf[:13]); err == nil {
		t.Fatal("expected short frame error")
	}
}

func TestAddrHelpers(t *testing.T) {
	if got := AddrString([6]byte{0x52, 0x54, 0, 0x12, 0x34, 0x56}); got != "52:54:00:12:34:56" {
		t.Errorf("got %q", got)
	}
	if IsValidAddr([6]byte{}) || IsValidAddr(BroadcastAddr()) {
		t.Error("zero and broadcast must be invalid")
	}
	mac := LocallyAdministeredAddr(0xdeadbeef)
	if !IsValidAddr(mac) || mac[0]&0x02 == 0 {
		t.Errorf("fabricated %v not locally administered unicast", mac)
	}
}
