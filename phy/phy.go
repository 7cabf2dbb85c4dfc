// Package phy manages IEEE 802.3 Clause 22 transceivers over an MDIO bus.
// NIC drivers expose their management interface (the e1000 MDIC register
// for example) as an [MDIOBus] and use [Device] to report link state.
package phy

import (
	"errors"

	"github.com/hobbyos/knet"
)

// MDIOBus performs Clause 22 management transactions. phyAddr and regAddr are 5 bit values.
type MDIOBus interface {
	Read(phyAddr, regAddr uint8) (uint16, error)
	Write(phyAddr, regAddr uint8, value uint16) error
}

var (
	errNoPHY        = errors.New("phy: no device on bus")
	errResetTimeout = errors.New("phy: reset did not complete")
	errANIncomplete = errors.New("phy: auto-negotiation not complete")
)

// Probe returns the lowest address on the bus that answers with a plausible status register.
func Probe(bus MDIOBus) (uint8, error) {
	for addr := uint8(0); addr < 32; addr++ {
		v, err := bus.Read(addr, RegBMSR)
		if err == nil && v != 0xffff && v != 0 {
			return addr, nil
		}
	}
	return 0, errNoPHY
}

// Device is a single PHY at a fixed bus address.
type Device struct {
	bus  MDIOBus
	addr uint8
}

// Configure binds the device to bus at addr.
func (d *Device) Configure(bus MDIOBus, addr uint8) error {
	if bus == nil {
		return knet.ErrInvalidConfig
	} else if addr > 31 {
		return knet.ErrInvalidAddr
	}
	*d = Device{bus: bus, addr: addr}
	return nil
}

func (d *Device) Addr() uint8 { return d.addr }

func (d *Device) BasicControl() (BMCR, error) {
	v, err := d.bus.Read(d.addr, RegBMCR)
	return BMCR(v), err
}

func (d *Device) BasicStatus() (BMSR, error) {
	v, err := d.bus.Read(d.addr, RegBMSR)
	return BMSR(v), err
}

// ID returns the 22 bit organizationally unique identifier and the model number.
func (d *Device) ID() (oui uint32, model uint8, err error) {
	id1, err := d.bus.Read(d.addr, RegID1)
	if err != nil {
		return 0, 0, err
	}
	id2, err := d.bus.Read(d.addr, RegID2)
	if err != nil {
		return 0, 0, err
	}
	oui = uint32(id1)<<6 | uint32(id2>>10)
	model = uint8(id2>>4) & 0x3f
	return oui, model, nil
}

// LinkUp reads BMSR twice so a latched failure that has since cleared reads as up.
func (d *Device) LinkUp() (bool, error) {
	if _, err := d.BasicStatus(); err != nil {
		return false, err
	}
	s, err := d.BasicStatus()
	return s.LinkUp(), err
}

// Reset sets the self clearing reset bit and polls BMCR up to polls times.
func (d *Device) Reset(polls int) error {
	err := d.bus.Write(d.addr, RegBMCR, uint16(BMCRReset))
	if err != nil {
		return err
	}
	for i := 0; i < polls; i++ {
		ctl, err := d.BasicControl()
		if err == nil && ctl&BMCRReset == 0 {
			return nil
		}
	}
	return errResetTimeout
}

// RestartAutoNeg enables auto-negotiation and restarts it.
func (d *Device) RestartAutoNeg() error {
	ctl, err := d.BasicControl()
	if err != nil {
		return err
	}
	ctl |= BMCRANEnable | BMCRANRestart
	ctl &^= BMCRIsolate | BMCRPowerDown
	return d.bus.Write(d.addr, RegBMCR, uint16(ctl))
}

// Force disables auto-negotiation and selects mode.
func (d *Device) Force(mode LinkMode) error {
	var ctl BMCR
	switch mode.SpeedMbps() {
	case 1000:
		ctl = BMCRSpeed1000
	case 100:
		ctl = BMCRSpeed100
	case 10:
	default:
		return knet.ErrUnsupported
	}
	if mode.IsFullDuplex() {
		ctl |= BMCRFullDuplex
	}
	return d.bus.Write(d.addr, RegBMCR, uint16(ctl))
}

// NegotiatedLink resolves the common mode of our advertisement and the partner's.
// Gigabit registers are consulted only when BMSR reports extended status.
func (d *Device) NegotiatedLink() (LinkMode, error) {
	s, err := d.BasicStatus()
	if err != nil {
		return LinkDown, err
	} else if !s.AutoNegotiationComplete() {
		return LinkDown, errANIncomplete
	}
	local, err := d.bus.Read(d.addr, RegANAR)
	if err != nil {
		return LinkDown, err
	}
	partner, err := d.bus.Read(d.addr, RegANLPAR)
	if err != nil {
		return LinkDown, err
	}
	var gbcr, gbsr uint16
	if s&BMSRExtCap != 0 {
		gbcr, err = d.bus.Read(d.addr, RegGBCR)
		if err == nil {
			gbsr, err = d.bus.Read(d.addr, RegGBSR)
		}
		if err != nil {
			return LinkDown, err
		}
	}
	return commonMode(ANAR(local), ANAR(partner), gbcr, gbsr), nil
}
