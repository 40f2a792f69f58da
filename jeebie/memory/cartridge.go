package memory

import "fmt"

const titleLength = 11

const (
	logoAddress           = 0x104
	logoLength            = 48
	titleAddress          = 0x134
	cgbFlagAddress        = 0x143
	cartridgeTypeAddress  = 0x147
	romSizeAddress        = 0x148
	ramSizeAddress        = 0x149
	versionNumberAddress  = 0x14C
	headerChecksumAddress = 0x14D
	globalChecksumAddress = 0x14E

	multicartLogoOffset = 0x40000 // second logo copy searched for at +0x104
)

// MBCType identifies which memory bank controller a cartridge header asks for.
type MBCType uint8

const (
	NoMBCType MBCType = iota
	MBC1Type
	MBC1MultiType
	MBC2Type
	MBC3Type
	MBC5Type
	MBCUnknownType
)

// Cartridge holds the raw ROM image plus the header fields needed to choose
// and configure an MBC implementation.
type Cartridge struct {
	data []byte

	title          string
	headerChecksum uint16
	globalChecksum uint16
	version        uint8
	cartType       uint8
	romSize        uint8
	ramSize        uint8

	mbcType      MBCType
	hasBattery   bool
	hasRTC       bool
	hasRumble    bool
	ramBankCount uint8
}

// NewCartridge creates an empty cartridge, useful only for debugging purposes.
func NewCartridge() *Cartridge {
	return &Cartridge{
		data:    make([]byte, 0x10000),
		mbcType: NoMBCType,
	}
}

// NewCartridgeWithData parses a ROM image's header and builds a Cartridge
// ready to be handed to NewWithCartridge.
func NewCartridgeWithData(bytes []byte) *Cartridge {
	cart := &Cartridge{
		data: make([]byte, len(bytes)),
	}
	copy(cart.data, bytes)

	if len(bytes) > titleAddress+titleLength {
		cart.title = cleanGameboyTitle(bytes[titleAddress : titleAddress+titleLength])
	}
	if len(bytes) > globalChecksumAddress+1 {
		cart.headerChecksum = combineBytes(bytes[headerChecksumAddress], 0)
		cart.globalChecksum = combineBytes(bytes[globalChecksumAddress+1], bytes[globalChecksumAddress])
	}
	if len(bytes) > versionNumberAddress {
		cart.version = bytes[versionNumberAddress]
	}
	if len(bytes) > cartridgeTypeAddress {
		cart.cartType = bytes[cartridgeTypeAddress]
	}
	if len(bytes) > romSizeAddress {
		cart.romSize = bytes[romSizeAddress]
	}
	if len(bytes) > ramSizeAddress {
		cart.ramSize = bytes[ramSizeAddress]
	}

	cart.ramBankCount = ramBankCountFromHeader(cart.ramSize)
	cart.mbcType, cart.hasBattery, cart.hasRTC, cart.hasRumble = classifyCartType(cart.cartType)

	if cart.mbcType == MBC1Type && hasDuplicatedLogo(bytes) {
		cart.mbcType = MBC1MultiType
	}

	return cart
}

func combineBytes(high, low byte) uint16 {
	return uint16(high)<<8 | uint16(low)
}

// classifyCartType maps the cartridge-type header byte (0x147) to an MBC
// kind plus the battery/RTC/rumble extras, per the standard Pan Docs table.
func classifyCartType(cartType uint8) (mbc MBCType, battery, rtc, rumble bool) {
	switch cartType {
	case 0x00:
		return NoMBCType, false, false, false
	case 0x08, 0x09:
		return NoMBCType, cartType == 0x09, false, false
	case 0x01, 0x02:
		return MBC1Type, false, false, false
	case 0x03:
		return MBC1Type, true, false, false
	case 0x05:
		return MBC2Type, false, false, false
	case 0x06:
		return MBC2Type, true, false, false
	case 0x0F:
		return MBC3Type, true, true, false
	case 0x10:
		return MBC3Type, true, true, false
	case 0x11:
		return MBC3Type, false, false, false
	case 0x12:
		return MBC3Type, false, false, false
	case 0x13:
		return MBC3Type, true, false, false
	case 0x19, 0x1A:
		return MBC5Type, false, false, false
	case 0x1B:
		return MBC5Type, true, false, false
	case 0x1C:
		return MBC5Type, false, false, true
	case 0x1D:
		return MBC5Type, false, false, true
	case 0x1E:
		return MBC5Type, true, false, true
	default:
		return MBCUnknownType, false, false, false
	}
}

func ramBankCountFromHeader(ramSize uint8) uint8 {
	switch ramSize {
	case 0x00:
		return 0
	case 0x02:
		return 1
	case 0x03:
		return 4
	case 0x04:
		return 16
	case 0x05:
		return 8
	default:
		return 0
	}
}

// hasDuplicatedLogo implements the conventional multicart probe: real MBC1M
// carts repeat the 48-byte Nintendo logo at 0x104 at every 0x40000-aligned
// bank boundary. A plain MBC1 ROM large enough to have a byte range there
// will not have a matching copy.
func hasDuplicatedLogo(data []byte) bool {
	if len(data) < multicartLogoOffset+logoAddress+logoLength {
		return false
	}
	a := data[logoAddress : logoAddress+logoLength]
	b := data[multicartLogoOffset+logoAddress : multicartLogoOffset+logoAddress+logoLength]
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *Cartridge) String() string {
	return fmt.Sprintf("%s (type=0x%02X, mbc=%v, romBanks header=0x%02X, ramBanks=%d)",
		c.title, c.cartType, c.mbcType, c.romSize, c.ramBankCount)
}
