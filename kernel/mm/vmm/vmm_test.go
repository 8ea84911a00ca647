package vmm

import (
	"bytes"
	"testing"

	"gopherkmem/kernel"
	"gopherkmem/kernel/cpu"
	"gopherkmem/kernel/kfmt"
	"gopherkmem/kernel/mm"
	"gopherkmem/kernel/mm/physmem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMemSize = 1 * mm.Mb

	// testRootFrame holds the top-most table; page table frames are
	// handed out starting at testFirstTableFrame.
	testRootFrame       = mm.Frame(1)
	testFirstTableFrame = mm.Frame(16)
)

// testMachine replaces the CPU and frame allocator hooks used by the vmm
// package with fakes that record how they are used.
type testMachine struct {
	mem       *physmem.Memory
	nextFrame mm.Frame
	allocErr  *kernel.Error
	activePDT uintptr
	flushed   []uintptr
	tlb       map[uintptr]uintptr
	tlbHits   int
}

func setupTestMachine(t *testing.T) *testMachine {
	t.Helper()

	mem, err := physmem.New(testMemSize)
	require.NoError(t, err)

	m := &testMachine{
		mem:       mem,
		nextFrame: testFirstTableFrame,
		activePDT: testRootFrame.Address(),
		tlb:       make(map[uintptr]uintptr),
	}

	allocFrameFn = func() (mm.Frame, *kernel.Error) {
		if m.allocErr != nil {
			return mm.InvalidFrame, m.allocErr
		}
		frame := m.nextFrame
		m.nextFrame++

		// Make sure that Map clears the tables it allocates
		mem.Memset(frame.Address(), 0xff, mm.PageSize)
		return frame, nil
	}
	activePDTFn = func() uintptr { return m.activePDT }
	switchPDTFn = func(addr uintptr) { m.activePDT = addr }
	flushTLBEntryFn = func(virtAddr uintptr) {
		m.flushed = append(m.flushed, virtAddr)
		delete(m.tlb, virtAddr&^(mm.PageSize-1))
	}
	lookupTLBFn = func(virtAddr uintptr) (uintptr, bool) {
		frameAddr, ok := m.tlb[virtAddr&^(mm.PageSize-1)]
		if ok {
			m.tlbHits++
		}
		return frameAddr, ok
	}
	fillTLBFn = func(virtAddr, frameAddr uintptr) {
		m.tlb[virtAddr&^(mm.PageSize-1)] = frameAddr
	}

	t.Cleanup(func() {
		allocFrameFn = mm.AllocFrame
		activePDTFn = cpu.ActivePDT
		switchPDTFn = cpu.SwitchPDT
		flushTLBEntryFn = cpu.FlushTLBEntry
		lookupTLBFn = cpu.LookupTLB
		fillTLBFn = cpu.FillTLB
		kernelPDT = PageDirectoryTable{}
		_ = mem.Close()
	})

	return m
}

func (m *testMachine) newPDT(t *testing.T) *PageDirectoryTable {
	t.Helper()
	var pdt PageDirectoryTable
	require.Nil(t, pdt.Init(m.mem, testRootFrame))
	return &pdt
}

// entry returns the raw entry at index of the table stored in frame.
func (m *testMachine) entry(frame mm.Frame, index uintptr) pageTableEntry {
	return pageTableEntry(m.mem.Uint64(frame.Address() + index<<mm.PointerShift))
}

func TestInit(t *testing.T) {
	m := setupTestMachine(t)

	require.Nil(t, Init(m.mem))
	require.Equal(t, testRootFrame, KernelPDT().Frame())
	require.True(t, KernelPDT().IsActive())

	virtAddr := uintptr(0xffffffff00000000)
	require.Nil(t, MapPage(virtAddr, 0x42000))
	require.Nil(t, Map(mm.PageFromAddress(virtAddr+mm.PageSize), mm.Frame(0x43), FlagPresent|FlagRW))

	physAddr, err := Translate(virtAddr + mm.PageSize + 0x10)
	require.Nil(t, err)
	require.Equal(t, uintptr(0x43010), physAddr)

	// A root register that points outside of physical memory is rejected
	m.activePDT = uintptr(testMemSize)
	require.Equal(t, errPDTOutsideMemory, Init(m.mem))
}

func TestPageDirectoryTableInit(t *testing.T) {
	m := setupTestMachine(t)

	// The active PDT must be used as-is
	m.mem.PutUint64(testRootFrame.Address(), 0xbadf00d)
	pdt := m.newPDT(t)
	require.Equal(t, uint64(0xbadf00d), m.mem.Uint64(testRootFrame.Address()))
	require.True(t, pdt.IsActive())

	// An inactive PDT is cleared before use
	inactiveFrame := mm.Frame(2)
	m.mem.Memset(inactiveFrame.Address(), 0xff, mm.PageSize)

	var inactive PageDirectoryTable
	require.Nil(t, inactive.Init(m.mem, inactiveFrame))
	require.False(t, inactive.IsActive())
	for i, b := range m.mem.Frame(inactiveFrame) {
		if b != 0 {
			t.Fatalf("expected inactive PDT to be cleared; byte %d is %d", i, b)
		}
	}

	inactive.Activate()
	require.Equal(t, inactiveFrame.Address(), m.activePDT)
	require.True(t, inactive.IsActive())
	require.False(t, pdt.IsActive())

	var outside PageDirectoryTable
	require.Equal(t, errPDTOutsideMemory, outside.Init(m.mem, mm.FrameFromAddress(uintptr(testMemSize))))
}

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 21)
	)

	if pte.HasFlags(flag1) || pte.HasFlags(flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.SetFlags(flag1)

	if !pte.HasFlags(flag1) {
		t.Fatalf("expected HasFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false when only some flags are set")
	}

	pte.SetFlags(flag2)

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = mm.Frame(123)
	)

	pte.SetFlags(FlagPresent | FlagRW | FlagNoExecute)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	if !pte.HasFlags(FlagPresent | FlagRW | FlagNoExecute) {
		t.Fatalf("expected SetFrame to preserve the entry flags")
	}
}

func TestEntryIndex(t *testing.T) {
	specs := []struct {
		virtAddr   uintptr
		expIndices [pageLevels]uintptr
	}{
		{0, [pageLevels]uintptr{0, 0, 0, 0}},
		{0xffffffff00000000, [pageLevels]uintptr{511, 508, 0, 0}},
		{0x0000008040201000, [pageLevels]uintptr{1, 1, 1, 1}},
		{0x00007fffffffffff, [pageLevels]uintptr{255, 511, 511, 511}},
	}

	for specIndex, spec := range specs {
		for level := uint8(0); level < pageLevels; level++ {
			if got := entryIndex(spec.virtAddr, level); got != spec.expIndices[level] {
				t.Errorf("[spec %d] expected index for level %d to be %d; got %d", specIndex, level, spec.expIndices[level], got)
			}
		}
	}
}

func TestMapCreatesMissingTables(t *testing.T) {
	m := setupTestMachine(t)
	pdt := m.newPDT(t)

	virtAddr := uintptr(0xffffffff00000000)
	require.Nil(t, pdt.Map(mm.PageFromAddress(virtAddr), mm.Frame(0x42), FlagNoExecute))

	// 3 tables should have been allocated: P3, P2 and P1
	require.Equal(t, testFirstTableFrame+3, m.nextFrame)

	expTables := []struct {
		table mm.Frame
		index uintptr
		next  mm.Frame
	}{
		{testRootFrame, 511, testFirstTableFrame},
		{testFirstTableFrame, 508, testFirstTableFrame + 1},
		{testFirstTableFrame + 1, 0, testFirstTableFrame + 2},
	}

	for level, exp := range expTables {
		pte := m.entry(exp.table, exp.index)
		if !pte.HasFlags(FlagPresent | FlagRW) {
			t.Errorf("[level %d] expected entry to be present and writable; got 0x%x", level, pte)
		}
		if pte.HasFlags(FlagUserAccessible) || pte.HasFlags(FlagNoExecute) {
			t.Errorf("[level %d] expected leaf-only flags to stay out of table entries; got 0x%x", level, pte)
		}
		if got := pte.Frame(); got != exp.next {
			t.Errorf("[level %d] expected entry to point to frame %d; got %d", level, exp.next, got)
		}

		// All other entries of the newly allocated tables must be cleared
		if exp.table != testRootFrame {
			for index := uintptr(0); index < entriesPerTable; index++ {
				if index != exp.index && m.entry(exp.table, index) != 0 {
					t.Fatalf("[level %d] expected entry %d of new table to be cleared", level, index)
				}
			}
		}
	}

	leaf := m.entry(testFirstTableFrame+2, 0)
	require.Equal(t, pageTableEntry(0x42000)|pageTableEntry(FlagPresent|FlagRW|FlagNoExecute), leaf)
	require.Equal(t, []uintptr{virtAddr}, m.flushed)

	// Mapping the next page reuses the existing tables
	require.Nil(t, pdt.MapPage(virtAddr+mm.PageSize, 0x43000))
	require.Equal(t, testFirstTableFrame+3, m.nextFrame)
	require.Equal(t, pageTableEntry(0x43000)|pageTableEntry(FlagPresent|FlagRW), m.entry(testFirstTableFrame+2, 1))
}

func TestMapOverwritesExistingMapping(t *testing.T) {
	m := setupTestMachine(t)
	pdt := m.newPDT(t)

	virtAddr := uintptr(0x400000)
	require.Nil(t, pdt.MapPage(virtAddr, 0x10000))
	require.Nil(t, pdt.MapPage(virtAddr, 0x20000))

	physAddr, err := pdt.Translate(virtAddr + 0x123)
	require.Nil(t, err)
	require.Equal(t, uintptr(0x20123), physAddr)
	require.Equal(t, []uintptr{virtAddr, virtAddr}, m.flushed)
}

func TestMapUserAccessiblePropagates(t *testing.T) {
	m := setupTestMachine(t)
	pdt := m.newPDT(t)

	// Create the tables with kernel-only permissions first
	require.Nil(t, pdt.MapPage(0, 0))
	require.Nil(t, pdt.Map(mm.Page(1), mm.Frame(0x20), FlagUserAccessible))

	for level, table := range []mm.Frame{testRootFrame, testFirstTableFrame, testFirstTableFrame + 1} {
		if pte := m.entry(table, 0); !pte.HasFlags(FlagPresent | FlagRW | FlagUserAccessible) {
			t.Errorf("[level %d] expected table entry to be user-accessible; got 0x%x", level, pte)
		}
	}

	require.False(t, m.entry(testFirstTableFrame+2, 0).HasFlags(FlagUserAccessible))
	require.True(t, m.entry(testFirstTableFrame+2, 1).HasFlags(FlagPresent|FlagRW|FlagUserAccessible))
}

func TestMapErrors(t *testing.T) {
	m := setupTestMachine(t)
	pdt := m.newPDT(t)

	t.Run("frame allocation fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "out of memory"}
		m.allocErr = expErr
		defer func() { m.allocErr = nil }()

		require.Equal(t, expErr, pdt.MapPage(0x1000, 0x2000))
		require.Zero(t, m.entry(testRootFrame, 0), "expected root entry to remain untouched")
		require.Empty(t, m.flushed)
	})

	t.Run("huge page", func(t *testing.T) {
		var pte pageTableEntry
		pte.SetFrame(mm.Frame(0x80))
		pte.SetFlags(FlagPresent | FlagRW | FlagHugePage)
		m.mem.PutUint64(testRootFrame.Address()+2<<mm.PointerShift, uint64(pte))

		virtAddr := uintptr(2) << pageLevelShifts[0]
		require.Equal(t, errNoHugePageSupport, pdt.MapPage(virtAddr, 0x3000))

		_, err := pdt.Translate(virtAddr)
		require.Equal(t, errNoHugePageSupport, err)
	})
}

func TestMapRegion(t *testing.T) {
	m := setupTestMachine(t)
	pdt := m.newPDT(t)

	startPage := mm.PageFromAddress(0xffffffff00000000)
	require.Nil(t, pdt.MapRegion(startPage, mm.Frame(0x80), 3*mm.PageSize+1, FlagPresent|FlagRW))

	for i := uintptr(0); i < 4; i++ {
		physAddr, err := pdt.Translate((startPage + mm.Page(i)).Address())
		require.Nil(t, err)
		require.Equal(t, (mm.Frame(0x80) + mm.Frame(i)).Address(), physAddr)
	}

	_, err := pdt.Translate((startPage + 4).Address())
	require.Equal(t, ErrInvalidMapping, err)

	expErr := &kernel.Error{Module: "test", Message: "out of memory"}
	m.allocErr = expErr
	require.Equal(t, expErr, pdt.MapRegion(mm.Page(0), mm.Frame(0), mm.PageSize, FlagPresent))
}

func TestTranslate(t *testing.T) {
	m := setupTestMachine(t)
	pdt := m.newPDT(t)

	specs := []struct {
		virtAddr    uintptr
		expPhysAddr uintptr
		expErr      *kernel.Error
	}{
		{0xffffffff00000000, 0x42000, nil},
		{0xffffffff00000abc, 0x42abc, nil},
		{0xffffffff00001000, 0, ErrInvalidMapping},
		{0x1000, 0, ErrInvalidMapping},
	}

	require.Nil(t, pdt.MapPage(0xffffffff00000000, 0x42000))

	for specIndex, spec := range specs {
		physAddr, err := pdt.Translate(spec.virtAddr)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}
		if physAddr != spec.expPhysAddr {
			t.Errorf("[spec %d] expected physical address 0x%x; got 0x%x", specIndex, spec.expPhysAddr, physAddr)
		}
	}

	require.Equal(t, uintptr(0xabc), PageOffset(0xffffffff00000abc))
}

func TestVirtualAccess(t *testing.T) {
	m := setupTestMachine(t)
	pdt := m.newPDT(t)

	// Two consecutive pages backed by frames that are not contiguous
	virtAddr := uintptr(0xffffffff00000000)
	require.Nil(t, pdt.MapPage(virtAddr, 0x50000))
	require.Nil(t, pdt.MapPage(virtAddr+mm.PageSize, 0x30000))

	pdt.WriteUint64(virtAddr+8, 0xdeadbeefcafebabe)
	require.Equal(t, uint64(0xdeadbeefcafebabe), m.mem.Uint64(0x50008))
	require.Equal(t, uint64(0xdeadbeefcafebabe), pdt.ReadUint64(virtAddr+8))

	data := []byte("spans a page boundary")
	start := virtAddr + mm.PageSize - 5
	pdt.Write(start, data)
	require.Equal(t, data[:5], m.mem.Slice(0x50000+mm.PageSize-5, 5))
	require.Equal(t, data[5:], m.mem.Slice(0x30000, uintptr(len(data)-5)))

	buf := make([]byte, len(data))
	pdt.Read(start, buf)
	require.Equal(t, data, buf)

	pdt.Memset(virtAddr+mm.PageSize-2, 0x7f, 4)
	require.Equal(t, []byte{0x7f, 0x7f}, m.mem.Slice(0x50000+mm.PageSize-2, 2))
	require.Equal(t, []byte{0x7f, 0x7f, ' ', 'p'}, m.mem.Slice(0x30000, 4))
}

func TestVirtualAccessUsesTLB(t *testing.T) {
	m := setupTestMachine(t)
	pdt := m.newPDT(t)

	virtAddr := uintptr(0x200000)
	require.Nil(t, pdt.MapPage(virtAddr, 0x60000))

	pdt.WriteUint64(virtAddr, 1)
	require.Equal(t, uintptr(0x60000), m.tlb[virtAddr])
	require.Zero(t, m.tlbHits)

	require.Equal(t, uint64(1), pdt.ReadUint64(virtAddr))
	require.Equal(t, 1, m.tlbHits)

	// Remapping flushes the stale translation
	require.Nil(t, pdt.MapPage(virtAddr, 0x70000))
	_, cached := m.tlb[virtAddr]
	require.False(t, cached)
	require.Zero(t, pdt.ReadUint64(virtAddr))
	require.Equal(t, uintptr(0x70000), m.tlb[virtAddr])

	// Inactive tables bypass the TLB
	m.tlb = make(map[uintptr]uintptr)
	m.tlbHits = 0
	m.activePDT = 0
	pdt.WriteUint64(virtAddr, 2)
	require.Equal(t, uint64(2), pdt.ReadUint64(virtAddr))
	require.Empty(t, m.tlb)
	require.Zero(t, m.tlbHits)
}

func TestPageFault(t *testing.T) {
	m := setupTestMachine(t)
	pdt := m.newPDT(t)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	specs := []struct {
		access    func()
		expReason string
	}{
		{func() { pdt.ReadUint64(0xdead000) }, "read from non-present page"},
		{func() { pdt.WriteUint64(0xdead000, 1) }, "write to non-present page"},
		{func() { pdt.Memset(0xdead000, 0, 16) }, "write to non-present page"},
		{func() { pdt.Read(0xdead000, make([]byte, 4)) }, "read from non-present page"},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		func() {
			defer func() {
				if err := recover(); err != errUnrecoverableFault {
					t.Errorf("[spec %d] expected a panic with errUnrecoverableFault; got %v", specIndex, err)
				}
			}()
			spec.access()
		}()

		got := buf.String()
		assert.Contains(t, got, "Page fault while accessing address: 0x")
		assert.Contains(t, got, spec.expReason, "[spec %d]", specIndex)
		assert.Contains(t, got, ErrInvalidMapping.Message, "[spec %d]", specIndex)
	}

	require.Empty(t, m.tlb)
}
