package rom

// Bus-info block constants (IEEE 1394-1995 §8.3.2.1 / §8.3.2.2).
const (
	busNameMagic uint32 = 0x31333934 // ASCII "1394"

	keyVendorID        uint8 = 0x03
	keyNodeCapabilities uint8 = 0x0c
	keyTextualDesc     uint8 = 0x01
)

// Options bundles the fields a default Configuration ROM advertises in
// its bus-info block and root directory: GUID, bus-options, vendor-id,
// node-capabilities, and a vendor-name textual descriptor.
type Options struct {
	GUID             uint64
	VendorID         uint32 // 24-bit OUI
	NodeCapabilities uint32 // 24-bit CSR node-capabilities value
	VendorName       string // encoded as a textual descriptor leaf

	IRMCapable    bool
	CycleMaster   bool
	ISOCapable    bool
	BusMaster     bool
	MaxRec        uint8 // log2(max_rec/4)-1, per §8.3.2.2
	CycleClockAcc uint8
	Generation    uint8
	LinkSpeed     uint8
}

// Build encodes opt into a Configuration ROM quadlet stream: a bus-info
// block (5 quadlets, CRC-16 over quadlets 1-4) followed by a root
// directory advertising vendor-id, node-capabilities and a vendor-name
// textual descriptor leaf.
func Build(opt Options) []uint32 {
	busOptions := uint32(opt.CycleClockAcc) << 16
	busOptions |= uint32(opt.MaxRec&0xf) << 12
	busOptions |= uint32(opt.Generation&0xf) << 4
	busOptions |= uint32(opt.LinkSpeed & 0x7)
	if opt.IRMCapable {
		busOptions |= 1 << 31
	}
	if opt.CycleMaster {
		busOptions |= 1 << 30
	}
	if opt.ISOCapable {
		busOptions |= 1 << 29
	}
	if opt.BusMaster {
		busOptions |= 1 << 28
	}

	busInfo := []uint32{
		busNameMagic,
		busOptions,
		uint32(opt.GUID >> 32),
		uint32(opt.GUID),
	}
	crc := CRC16(busInfo)

	descQuads := encodeTextualDescriptor(opt.VendorName)

	entries := make([]uint32, 0, 3)
	entries = append(entries, uint32(keyVendorID)<<24|uint32(KeyTypeImmediate)<<30|opt.VendorID&0xffffff)
	entries = append(entries, uint32(keyNodeCapabilities)<<24|uint32(KeyTypeImmediate)<<30|opt.NodeCapabilities&0xffffff)
	if len(descQuads) > 0 {
		// Offset is relative to this entry's own quadlet position; the
		// descriptor leaf immediately follows the root directory's entries.
		offset := uint32(1) // one quadlet past this entry to the leaf header
		entries = append(entries, uint32(keyTextualDesc)<<24|uint32(KeyTypeLeaf)<<30|offset)
	}

	rootHeader := uint32(len(entries))<<16 | crcAsUint32(CRC16(entries))

	quads := make([]uint32, 0, 5+1+len(entries)+len(descQuads))
	quads = append(quads, uint32(4)<<24|uint32(4)<<16|crcAsUint32(crc)) // info_length=4 quadlets, crc_length=4
	quads = append(quads, busInfo...)
	quads = append(quads, rootHeader)
	quads = append(quads, entries...)
	quads = append(quads, descQuads...)

	return quads
}

func crcAsUint32(c uint16) uint32 { return uint32(c) }

// encodeTextualDescriptor builds a minimal ASCII textual-descriptor leaf
// (language_id=0, character_set=0) for name, NUL-padded to a quadlet
// boundary, or nil if name is empty.
func encodeTextualDescriptor(name string) []uint32 {
	if name == "" {
		return nil
	}
	b := []byte(name)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	textQuads := len(b) / 4
	body := make([]uint32, 0, 1+textQuads)
	body = append(body, 0) // language_id=0, character_set=0
	for i := 0; i < len(b); i += 4 {
		body = append(body, uint32(b[i])<<24|uint32(b[i+1])<<16|uint32(b[i+2])<<8|uint32(b[i+3]))
	}
	header := uint32(len(body))<<16 | crcAsUint32(CRC16(body))
	out := make([]uint32, 0, 1+len(body))
	out = append(out, header)
	out = append(out, body...)
	return out
}
