package felicalite

// DumpEntry holds one block read for diagnostics.
type DumpEntry struct {
	Addr Address // Block that was read
	Data Block   // Contents (zero when OK is false)
	OK   bool    // False if the card rejected the read
}

// dumpAddresses lists every block that can be read on its own. RC and CK
// read as zeros on a real card; MAC and MAC_A are only meaningful when read
// together with another block and are skipped.
func dumpAddresses() []Address {
	addrs := make([]Address, 0, int(MaxRealBlock)+1+len(Registers()))
	for b := BlockSPad0; b <= MaxRealBlock; b++ {
		addrs = append(addrs, b)
	}
	for _, r := range Registers() {
		if r == RegMAC || r == RegMACA {
			continue
		}
		addrs = append(addrs, r)
	}
	return addrs
}

// Dump reads every user block and register.
// Blocks are read MaxBlocksPerRead at a time; when the card rejects a group
// (a Lite card has no Lite-S registers) each block in it is retried alone.
func (s *Session) Dump() ([]DumpEntry, error) {
	addrs := dumpAddresses()
	entries := make([]DumpEntry, 0, len(addrs))

	for start := 0; start < len(addrs); start += MaxBlocksPerRead {
		end := start + MaxBlocksPerRead
		if end > len(addrs) {
			end = len(addrs)
		}
		group := addrs[start:end]

		blocks, ok, err := s.ReadBlocks(group)
		if err != nil {
			return entries, err
		}
		if ok {
			for i, addr := range group {
				entries = append(entries, DumpEntry{Addr: addr, Data: blocks[i], OK: true})
			}
			continue
		}

		for _, addr := range group {
			data, ok, err := s.ReadBlock(addr)
			if err != nil {
				return entries, err
			}
			entries = append(entries, DumpEntry{Addr: addr, Data: data, OK: ok})
		}
	}
	return entries, nil
}
