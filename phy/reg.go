package phy

// Clause 22 register addresses.
const (
	RegBMCR   = 0x00 // basic mode control
	RegBMSR   = 0x01 // basic mode status
	RegID1    = 0x02 // OUI bits 3..18
	RegID2    = 0x03 // OUI bits 19..24, model, revision
	RegANAR   = 0x04 // auto-negotiation advertisement
	RegANLPAR = 0x05 // link partner ability
	RegGBCR   = 0x09 // 1000BASE-T control
	RegGBSR   = 0x0a // 1000BASE-T status
)

// BMCR is the basic mode control register.
type BMCR uint16

const (
	BMCRSpeed1000  BMCR = 1 << 6
	BMCRFullDuplex BMCR = 1 << 8
	BMCRANRestart  BMCR = 1 << 9
	BMCRIsolate    BMCR = 1 << 10
	BMCRPowerDown  BMCR = 1 << 11
	BMCRANEnable   BMCR = 1 << 12
	BMCRSpeed100   BMCR = 1 << 13
	BMCRLoopback   BMCR = 1 << 14
	BMCRReset      BMCR = 1 << 15 // self clearing
)

// BMSR is the basic mode status register. Link status is latched low:
// a link failure stays visible until the register is read once.
type BMSR uint16

const (
	BMSRExtCap     BMSR = 1 << 0
	BMSRLinkStatus BMSR = 1 << 2
	BMSRANCap      BMSR = 1 << 3
	BMSRANComplete BMSR = 1 << 5
	BMSR10Half     BMSR = 1 << 11
	BMSR10Full     BMSR = 1 << 12
	BMSR100Half    BMSR = 1 << 13
	BMSR100Full    BMSR = 1 << 14
)

func (s BMSR) LinkUp() bool                  { return s&BMSRLinkStatus != 0 }
func (s BMSR) AutoNegotiationComplete() bool { return s&BMSRANComplete != 0 }

// ANAR is the advertisement register. The link partner register shares its layout.
type ANAR uint16

const (
	ANARSelector8023 ANAR = 0x0001
	ANAR10Half       ANAR = 1 << 5
	ANAR10Full       ANAR = 1 << 6
	ANAR100Half      ANAR = 1 << 7
	ANAR100Full      ANAR = 1 << 8
	ANARPause        ANAR = 1 << 10
)

// 1000BASE-T control and status bits.
const (
	gbcr1000Half = 1 << 8
	gbcr1000Full = 1 << 9
	gbsr1000Half = 1 << 10 // partner capable
	gbsr1000Full = 1 << 11
)

// LinkMode is a negotiated or forced speed and duplex pair.
type LinkMode uint8

const (
	LinkDown LinkMode = iota
	Link10HDX
	Link10FDX
	Link100HDX
	Link100FDX
	Link1000HDX
	Link1000FDX
)

func (lm LinkMode) String() string {
	switch lm {
	case Link10HDX:
		return "10M-H"
	case Link10FDX:
		return "10M-F"
	case Link100HDX:
		return "100M-H"
	case Link100FDX:
		return "100M-F"
	case Link1000HDX:
		return "1000M-H"
	case Link1000FDX:
		return "1000M-F"
	}
	return "down"
}

// SpeedMbps returns the link speed in megabits per second, 0 when down.
func (lm LinkMode) SpeedMbps() int {
	switch lm {
	case Link10HDX, Link10FDX:
		return 10
	case Link100HDX, Link100FDX:
		return 100
	case Link1000HDX, Link1000FDX:
		return 1000
	}
	return 0
}

func (lm LinkMode) IsFullDuplex() bool {
	return lm == Link10FDX || lm == Link100FDX || lm == Link1000FDX
}

// commonMode picks the best mode both ends advertise, highest priority first.
func commonMode(local, partner ANAR, gbcr, gbsr uint16) LinkMode {
	switch {
	case gbcr&gbcr1000Full != 0 && gbsr&gbsr1000Full != 0:
		return Link1000FDX
	case gbcr&gbcr1000Half != 0 && gbsr&gbsr1000Half != 0:
		return Link1000HDX
	}
	c := local & partner
	switch {
	case c&ANAR100Full != 0:
		return Link100FDX
	case c&ANAR100Half != 0:
		return Link100HDX
	case c&ANAR10Full != 0:
		return Link10FDX
	case c&ANAR10Half != 0:
		return Link10HDX
	}
	return LinkDown
}
