/*
Package felicalite issues and authenticates Sony FeliCa Lite contactless cards.

The package covers three things:
  - The block codec: Polling, Read Without Encryption (1 to 4 blocks) and
    Write Without Encryption frames, with strict response validation
  - The FeliCa Lite card key diversification and MAC (internal authentication)
  - First-stage issuance of a blank card, plus the separate irreversible lock step

The radio link is abstracted as a Link. Reader implements it over PC/SC; the
felicasim package implements it in memory for tests and dry runs.

# Addressing

Every block on the card is 16 bytes. Two numbering schemes share the same
2-byte block list element (0x80, number) on the wire:

	RealBlock  0x00-0x0D  S_PAD0..S_PAD13 (user blocks)
	           0x0E       REG
	Register   0x80       RC      random challenge (write only)
	           0x81       MAC     only valid when read after another block
	           0x82       ID      bytes 0-7 fixed, 8-9 DFD, 10-15 free
	           0x83       D_ID    device ID (read only)
	           0x84       SER_C   service code
	           0x85       SYS_C   system code (big-endian, bytes 0-1)
	           0x86       CKV     card key version (big-endian, bytes 0-1)
	           0x87       CK      card key (write only)
	           0x88       MC      memory configuration
	           0x90-0xA0          FeliCa Lite-S only (WCNT, MAC_A, STATE, CRC_CHECK)

RealBlock and Register are distinct types; a RealBlock above 0x0E or an
unknown Register value is refused before a frame is built.

# Frames

Polling (system code 0xFFFF matches any card):

	Command:  06 00 <SC_hi> <SC_lo> 00 00
	Response: 12 01 <IDm(8)> <PMm(8)>                   18 bytes

Read Without Encryption (service 0x000B, n = 1..4):

	Command:  <14+2n> 06 <IDm(8)> 01 0B 00 <n> {80 <blk>}*n
	Response: <13+16n> 07 <IDm(8)> <SF1> <SF2> <n> <data(16n)>

Write Without Encryption (service 0x0009, one block):

	Command:  20 08 <IDm(8)> 01 09 00 01 80 <blk> <data(16)>
	Response: 0C 09 <IDm(8)> <SF1> <SF2>

A response is accepted only when its length, response code, echoed IDm and
both status flags (and, for reads, the block count) all match. A mismatch is
not an error: the codec returns ok == false and logs the reason at debug level.
Errors are reserved for link failures (*ConnectivityError) and for calls on a
closed session (ErrNotConnected).

# Card key

The card key CK is derived from a 24-byte master key K and the 16-byte ID block M.
All DES operations are triple DES in CBC mode on exactly one 8-byte block. The
master key is used as three-key material; card and session keys are two-key
(K1||K2||K1).
The card feeds each 8-byte block to DES in reverse byte order, so M is split
into two halves that are each byte-reversed (deviceByteOrder) first.

	L      = 3DES_K(00..00)
	K1     = L << 1, last byte ^= 0x1B if MSB(L)
	M1, M2 = rev(M[0:8]), rev(M[8:16])
	T      = 3DES_K(3DES_K(M1) ^ M2 ^ K1)
	T'     = 3DES_K(3DES_K(M1 ^ 80 00..00) ^ M2 ^ K1)
	CK     = T || T'

T is the 64-bit CMAC of M1||M2 under K, which is how DeriveCardKey computes it.

# MAC

	CK1, CK2   = rev(CK[0:8]), rev(CK[8:16])
	RC1, RC2   = rev(RC[0:8]), rev(RC[8:16])
	SK1        = 3DES_{CK1,CK2,CK1}(RC1)
	SK2        = 3DES_{CK1,CK2,CK1}(RC2 ^ SK1)
	tmp        = 3DES_{SK1,SK2,SK1}(ID1 ^ RC1)
	MAC        = rev(3DES_{SK1,SK2,SK1}(ID2 ^ tmp))

The card computes the same value when RC has just been written and ID and MAC
are read together in one command.

# Issuance

IssueCard runs, in order, aborting on the first failure:

	1. Polling 0xFFFF, then SYS_C == 88 B4 00..00        (NotCard, WrongCardFamily)
	2. MC[2] != 00, MC[1] bit 7 set, CKV == 0            (AlreadyIssued)
	3. D_ID with DFD and tail -> ID, read back            (WriteVerifyFailed)
	4. derive CK from ID, write CK, MAC check             (KeyWriteUnverified)
	5. key version -> CKV, read back                      (WriteVerifyFailed)

It never writes MC[2] = 00. That is LockSystemBlocks, which cannot be undone.

# Status flags

	SF1=00 SF2=00  success
	SF1=01 SF2=A8  illegal block number / access denied (typical on write-only
	               or read-only registers, and on MAC read without a data block)
	SF1=FF         error in the block list (SF2 carries the detail)
*/
package felicalite
