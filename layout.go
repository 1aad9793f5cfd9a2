package asyncloader

import "unsafe"

// regionMagic identifies a shared-memory segment as an asyncloader
// region, so AttachWorker can fail fast against a stale or foreign
// segment instead of interpreting garbage as a layout.
const regionMagic = 0x4c44524b // "LDRK"

// header sits at offset 0 of the region. Every field here is either
// write-once (set by NewLoader before any worker attaches) or an atomic
// word shared across processes; nothing else in the region may assume a
// fixed offset except through the layout computed below.
type header struct {
	magic        uint32
	queueDepth   uint32
	nWorkers     uint32
	maxFileSize  uint32
	minDispatchN int32
	maxIdleIters uint32
	abort        uint32 // atomic: 1 once the loader has begun shutdown
	loaderWake   uint32 // futex word: posted by Request, waited on by the dispatch loop
}

const headerSize = unsafe.Sizeof(header{})

// alignUp rounds n up to the next multiple of align, which must be a
// power of two.
func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// regionLayout is the set of byte offsets derived from a Config. Every
// offset is computed once, at NewLoader/AttachWorker time, from values
// that are fixed for the lifetime of the region.
type regionLayout struct {
	cfg Config

	workersOffset uintptr // start of the per-worker block array

	// Offsets below are relative to the start of a single worker's block.
	completionSemaOff uintptr
	subHeadOff        uintptr
	subTailOff        uintptr
	compHeadOff       uintptr
	compTailOff       uintptr
	freeHeadOff       uintptr
	freeTailOff       uintptr
	subBufOff         uintptr
	compBufOff        uintptr
	freeBufOff        uintptr
	slotMetaOff       uintptr
	dataOff           uintptr

	workerBlockSize uintptr
	ringCap         uintptr // queueDepth rounded up to a power of two

	total uintptr
}

func nextPow2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// newRegionLayout computes every offset needed to place nWorkers worker
// blocks, each sized for cfg.QueueDepth slots, after the fixed header.
func newRegionLayout(cfg Config) regionLayout {
	const wordAlign = unsafe.Alignof(uint32(0))

	ringCap := uintptr(nextPow2(cfg.QueueDepth))

	var off uintptr
	completionSemaOff := off
	off += unsafe.Sizeof(uint32(0))

	off = alignUp(off, wordAlign)
	subHeadOff := off
	off += unsafe.Sizeof(uint32(0))
	subTailOff := off
	off += unsafe.Sizeof(uint32(0))
	compHeadOff := off
	off += unsafe.Sizeof(uint32(0))
	compTailOff := off
	off += unsafe.Sizeof(uint32(0))
	freeHeadOff := off
	off += unsafe.Sizeof(uint32(0))
	freeTailOff := off
	off += unsafe.Sizeof(uint32(0))

	off = alignUp(off, wordAlign)
	subBufOff := off
	off += ringCap * unsafe.Sizeof(uint32(0))
	compBufOff := off
	off += ringCap * unsafe.Sizeof(uint32(0))
	freeBufOff := off
	off += ringCap * unsafe.Sizeof(uint32(0))

	slotMetaSize := unsafe.Sizeof(slotMeta{})
	off = alignUp(off, unsafe.Alignof(slotMeta{}))
	slotMetaOff := off
	off += uintptr(cfg.QueueDepth) * slotMetaSize

	off = alignUp(off, wordAlign)
	dataOff := off
	off += uintptr(cfg.QueueDepth) * uintptr(cfg.MaxFileSize)

	workerBlockSize := alignUp(off, wordAlign)

	workersOffset := alignUp(headerSize, wordAlign)
	total := workersOffset + uintptr(cfg.NWorkers)*workerBlockSize

	return regionLayout{
		cfg:               cfg,
		workersOffset:     workersOffset,
		completionSemaOff: completionSemaOff,
		subHeadOff:        subHeadOff,
		subTailOff:        subTailOff,
		compHeadOff:       compHeadOff,
		compTailOff:       compTailOff,
		freeHeadOff:       freeHeadOff,
		freeTailOff:       freeTailOff,
		subBufOff:         subBufOff,
		compBufOff:        compBufOff,
		freeBufOff:        freeBufOff,
		slotMetaOff:       slotMetaOff,
		dataOff:           dataOff,
		workerBlockSize:   workerBlockSize,
		ringCap:           ringCap,
		total:             total,
	}
}

func (l regionLayout) workerBlockOffset(id uint32) uintptr {
	return l.workersOffset + uintptr(id)*l.workerBlockSize
}

// mapping is the typed view over a region's raw bytes. All pointer
// arithmetic needed to read or write the region's shared structures goes
// through its accessor methods; nothing else in the package touches
// m.data directly.
type mapping struct {
	data []byte
	lay  regionLayout
}

func newMapping(data []byte, lay regionLayout) *mapping {
	return &mapping{data: data, lay: lay}
}

func (m *mapping) ptrAt(off uintptr) unsafe.Pointer {
	return unsafe.Pointer(&m.data[off])
}

func (m *mapping) u32At(off uintptr) *uint32 {
	return (*uint32)(m.ptrAt(off))
}

func (m *mapping) u32SliceAt(off uintptr, n uintptr) []uint32 {
	return unsafe.Slice((*uint32)(m.ptrAt(off)), n)
}

func (m *mapping) header() *header {
	return (*header)(m.ptrAt(0))
}

func (m *mapping) completionSema(id uint32) *uint32 {
	return m.u32At(m.lay.workerBlockOffset(id) + m.lay.completionSemaOff)
}

func (m *mapping) submissionRing(id uint32) *indexRing {
	base := m.lay.workerBlockOffset(id)
	return newIndexRing(
		m.u32At(base+m.lay.subHeadOff),
		m.u32At(base+m.lay.subTailOff),
		m.u32SliceAt(base+m.lay.subBufOff, m.lay.ringCap),
	)
}

func (m *mapping) completionRing(id uint32) *indexRing {
	base := m.lay.workerBlockOffset(id)
	return newIndexRing(
		m.u32At(base+m.lay.compHeadOff),
		m.u32At(base+m.lay.compTailOff),
		m.u32SliceAt(base+m.lay.compBufOff, m.lay.ringCap),
	)
}

func (m *mapping) freeRing(id uint32) *indexRing {
	base := m.lay.workerBlockOffset(id)
	return newIndexRing(
		m.u32At(base+m.lay.freeHeadOff),
		m.u32At(base+m.lay.freeTailOff),
		m.u32SliceAt(base+m.lay.freeBufOff, m.lay.ringCap),
	)
}

// slotMeta returns the metadata for a local slot index within worker id.
func (m *mapping) slotMeta(id, localIdx uint32) *slotMeta {
	base := m.lay.workerBlockOffset(id) + m.lay.slotMetaOff
	return (*slotMeta)(unsafe.Pointer(&m.data[base+uintptr(localIdx)*unsafe.Sizeof(slotMeta{})]))
}

// slotData returns the data buffer for a local slot index within worker
// id, capped to the region's configured MaxFileSize.
func (m *mapping) slotData(id, localIdx uint32) []byte {
	base := m.lay.workerBlockOffset(id) + m.lay.dataOff + uintptr(localIdx)*uintptr(m.lay.cfg.MaxFileSize)
	return m.data[base : base+uintptr(m.lay.cfg.MaxFileSize) : base+uintptr(m.lay.cfg.MaxFileSize)]
}

// globalSlot maps a (workerID, localIdx) pair to the flat slot index
// used uniformly across rings, since every ring in the region stores
// global indices rather than per-worker-local ones.
func globalSlot(cfg Config, id, localIdx uint32) uint32 {
	return id*cfg.QueueDepth + localIdx
}

func splitGlobalSlot(cfg Config, global uint32) (id, localIdx uint32) {
	return global / cfg.QueueDepth, global % cfg.QueueDepth
}
