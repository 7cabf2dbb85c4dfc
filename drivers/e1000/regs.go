package e1000

// reg is an offset into the flat MMIO register file.
type reg uint32

const (
	CTRL   reg = 0x0000
	STATUS reg = 0x0008
	EERD   reg = 0x0014
	MDIC   reg = 0x0020
	ICR    reg = 0x00c0 // read to clear
	IMS    reg = 0x00d0
	IMC    reg = 0x00d8
	RCTL   reg = 0x0100
	TCTL   reg = 0x0400
	TIPG   reg = 0x0410
	RDBAL  reg = 0x2800
	RDBAH  reg = 0x2804
	RDLEN  reg = 0x2808
	RDH    reg = 0x2810
	RDT    reg = 0x2818
	TDBAL  reg = 0x3800
	TDBAH  reg = 0x3804
	TDLEN  reg = 0x3808
	TDH    reg = 0x3810
	TDT    reg = 0x3818
	MTA    reg = 0x5200 // 128 entries
	RAL0   reg = 0x5400
	RAH0   reg = 0x5404
)

const mtaEntries = 128

const (
	ctrlLRST   = 1 << 3
	ctrlASDE   = 1 << 5
	ctrlSLU    = 1 << 6
	ctrlILOS   = 1 << 7
	ctrlRST    = 1 << 26
	ctrlPHYRST = 1 << 31

	statusLU = 1 << 1

	rahAV = 1 << 31
)

// EERD layouts differ between the 8254x parts and the later e1000e parts.
type eerdLayout struct {
	done      uint32
	addrShift uint
}

var (
	eerdClassic = eerdLayout{done: 1 << 4, addrShift: 8}
	eerdE       = eerdLayout{done: 1 << 1, addrShift: 2}
)

const (
	eerdStart     = 1 << 0
	eerdDataShift = 16
)

// MDIC fields.
const (
	mdicRegShift = 16
	mdicPHYShift = 21
	mdicOpWrite  = 1 << 26
	mdicOpRead   = 2 << 26
	mdicReady    = 1 << 28
	mdicError    = 1 << 30
)

// Interrupt causes.
const (
	intTXDW   = 1 << 0
	intLSC    = 1 << 2
	intRXDMT0 = 1 << 4
	intRXO    = 1 << 6
	intRXT0   = 1 << 7

	intWanted = intRXT0 | intLSC | intRXDMT0 | intRXO
)

const (
	rctlEN      = 1 << 1
	rctlSBP     = 1 << 2
	rctlUPE     = 1 << 3
	rctlMPE     = 1 << 4
	rctlBAM     = 1 << 15
	rctlBSIZE2K = 0 << 16
	rctlSECRC   = 1 << 26

	tctlEN   = 1 << 1
	tctlPSP  = 1 << 3
	tctlCT   = 0x0f << 4  // 15 retries
	tctlCOLD = 0x40 << 12 // 64 byte times

	tipgCopper = 10 | 8<<10 | 6<<20
)

// Legacy descriptor fields.
const (
	rxDD  = 1 << 0
	rxEOP = 1 << 1

	txCmdEOP  = 1 << 0
	txCmdIFCS = 1 << 1
	txCmdRS   = 1 << 3
	txDD      = 1 << 0
)

// Model describes a supported PCI device ID.
type Model struct {
	DeviceID uint16
	Name     string
	eerd     eerdLayout
}

const VendorIntel = 0x8086

var models = [...]Model{
	{0x100e, "82540EM", eerdClassic},
	{0x100f, "82545EM", eerdClassic},
	{0x1004, "82543GC", eerdClassic},
	{0x100c, "82544GC", eerdClassic},
	{0x1015, "82540EM-LOM", eerdClassic},
	{0x10d3, "82574L", eerdE},
	{0x10ea, "82577LM", eerdE},
	{0x1502, "82579LM", eerdE},
	{0x153a, "I217-LM", eerdE},
}

// Lookup returns the model for a device ID.
func Lookup(deviceID uint16) (Model, bool) {
	for _, m := range models {
		if m.DeviceID == deviceID {
			return m, true
		}
	}
	return Model{}, false
}
