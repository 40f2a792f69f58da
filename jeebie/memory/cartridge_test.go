package memory

import "testing"

func makeHeaderROM(size int, cartType, romSize, ramSize byte) []byte {
	rom := make([]byte, size)
	rom[cartridgeTypeAddress] = cartType
	rom[romSizeAddress] = romSize
	rom[ramSizeAddress] = ramSize
	copy(rom[titleAddress:titleAddress+titleLength], []byte("TESTGAME"))
	return rom
}

func TestNewCartridgeWithDataClassifiesMBCTypes(t *testing.T) {
	tests := []struct {
		name       string
		cartType   byte
		wantMBC    MBCType
		wantBatt   bool
		wantRTC    bool
		wantRumble bool
	}{
		{"ROM only", 0x00, NoMBCType, false, false, false},
		{"ROM+RAM+Battery", 0x09, NoMBCType, true, false, false},
		{"MBC1", 0x01, MBC1Type, false, false, false},
		{"MBC1+RAM+Battery", 0x03, MBC1Type, true, false, false},
		{"MBC2", 0x05, MBC2Type, false, false, false},
		{"MBC2+Battery", 0x06, MBC2Type, true, false, false},
		{"MBC3+RTC+Battery", 0x10, MBC3Type, true, true, false},
		{"MBC3+RAM+Battery", 0x13, MBC3Type, true, false, false},
		{"MBC5", 0x19, MBC5Type, false, false, false},
		{"MBC5+Rumble", 0x1C, MBC5Type, false, false, true},
		{"MBC5+Rumble+RAM+Battery", 0x1E, MBC5Type, true, false, true},
		{"Unknown", 0xFF, MBCUnknownType, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rom := makeHeaderROM(0x8000, tt.cartType, 0x00, 0x00)
			cart := NewCartridgeWithData(rom)

			if cart.mbcType != tt.wantMBC {
				t.Errorf("mbcType = %v, want %v", cart.mbcType, tt.wantMBC)
			}
			if cart.hasBattery != tt.wantBatt {
				t.Errorf("hasBattery = %v, want %v", cart.hasBattery, tt.wantBatt)
			}
			if cart.hasRTC != tt.wantRTC {
				t.Errorf("hasRTC = %v, want %v", cart.hasRTC, tt.wantRTC)
			}
			if cart.hasRumble != tt.wantRumble {
				t.Errorf("hasRumble = %v, want %v", cart.hasRumble, tt.wantRumble)
			}
		})
	}
}

func TestRamBankCountFromHeader(t *testing.T) {
	tests := []struct {
		ramSize byte
		want    uint8
	}{
		{0x00, 0}, {0x02, 1}, {0x03, 4}, {0x04, 16}, {0x05, 8},
	}
	for _, tt := range tests {
		if got := ramBankCountFromHeader(tt.ramSize); got != tt.want {
			t.Errorf("ramBankCountFromHeader(0x%02X) = %d, want %d", tt.ramSize, got, tt.want)
		}
	}
}

func TestMulticartLogoDetectionUpgradesMBC1(t *testing.T) {
	rom := makeHeaderROM(multicartLogoOffset+logoAddress+logoLength, 0x01, 0x00, 0x00)
	for i := 0; i < logoLength; i++ {
		rom[logoAddress+i] = byte(i + 1)
		rom[multicartLogoOffset+logoAddress+i] = byte(i + 1)
	}

	cart := NewCartridgeWithData(rom)
	if cart.mbcType != MBC1MultiType {
		t.Errorf("mbcType = %v, want MBC1MultiType", cart.mbcType)
	}
}

func TestNoDuplicatedLogoKeepsPlainMBC1(t *testing.T) {
	rom := makeHeaderROM(multicartLogoOffset+logoAddress+logoLength, 0x01, 0x00, 0x00)
	for i := 0; i < logoLength; i++ {
		rom[logoAddress+i] = byte(i + 1)
		rom[multicartLogoOffset+logoAddress+i] = byte(i + 2)
	}

	cart := NewCartridgeWithData(rom)
	if cart.mbcType != MBC1Type {
		t.Errorf("mbcType = %v, want MBC1Type", cart.mbcType)
	}
}
