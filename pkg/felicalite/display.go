package felicalite

import "fmt"

// describeBlock returns a short decoding of well-known registers.
func describeBlock(addr Address, b Block) string {
	switch addr {
	case RegSysC:
		return fmt.Sprintf("system code %02X%02X", b[0], b[1])
	case RegCKV:
		return fmt.Sprintf("key version %d", uint16(b[0])<<8|uint16(b[1]))
	case RegID:
		return fmt.Sprintf("DFD %02X%02X", b[8], b[9])
	case RegMC:
		lock := "unlocked"
		if b[mcAllIndex] == 0x00 {
			lock = "locked"
		}
		return fmt.Sprintf("MC_ALL %02X (%s)", b[mcAllIndex], lock)
	case RegWCNT:
		return fmt.Sprintf("write count %d", uint32(b[2])<<16|uint32(b[1])<<8|uint32(b[0]))
	default:
		return ""
	}
}

// PrintDump prints a Dump result, one block per line.
func PrintDump(idm IDm, entries []DumpEntry) {
	fmt.Printf("Card IDm: %s\n", idm)
	for _, e := range entries {
		if !e.OK {
			fmt.Printf("  %-10s [unreadable]\n", e.Addr)
			continue
		}
		line := fmt.Sprintf("  %-10s %s", e.Addr, e.Data)
		if desc := describeBlock(e.Addr, e.Data); desc != "" {
			line += "  " + desc
		}
		fmt.Println(line)
	}
}

// PrintStatus prints the issuance stage of a card.
func PrintStatus(idm IDm, status CardStatus) {
	fmt.Printf("Card IDm: %s\n", idm)
	fmt.Printf("  Issuance status: %s\n", status)
}
