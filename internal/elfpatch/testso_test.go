package elfpatch

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// soLayout controls the synthetic shared objects built for tests: a minimal
// but valid ELF with .dynstr, .dynamic and .shstrtab sections, one PT_LOAD
// covering them, and a section header table at the end of the file.
type soLayout struct {
	class     elf64or32
	strSlack  int // padding bytes between .dynstr and .dynamic
	nullSlots int // trailing DT_NULL entries in .dynamic
}

type elf64or32 int

const (
	elf64 elf64or32 = iota
	elf32
)

// dynstr: "\x00libc.so\x00libm.so\x00"
var testStrtab = append(append([]byte{0}, []byte("libc.so\x00")...), []byte("libm.so\x00")...)

const testShstrtab = "\x00.dynstr\x00.dynamic\x00.shstrtab\x00"

// buildSO writes a synthetic shared object and returns its path.
func buildSO(t *testing.T, lay soLayout) string {
	t.Helper()

	var (
		ehsize, phentsize, shentsize, dynent int
		machine                              uint16
	)
	switch lay.class {
	case elf64:
		ehsize, phentsize, shentsize, dynent = 64, 56, 64, 16
		machine = 183 // EM_AARCH64
	case elf32:
		ehsize, phentsize, shentsize, dynent = 52, 32, 40, 8
		machine = 40 // EM_ARM
	}

	strOff := align(ehsize+phentsize, 16)
	strSize := len(testStrtab)
	dynOff := align(strOff+strSize+lay.strSlack, 16)
	nDyn := 4 + lay.nullSlots // NEEDED x2, STRTAB, STRSZ, NULLs
	shstrOff := dynOff + nDyn*dynent
	shoff := align(shstrOff+len(testShstrtab), 16)
	total := shoff + 4*shentsize
	loadEnd := shstrOff + len(testShstrtab)

	buf := make([]byte, total)
	le := binary.LittleEndian

	// ELF header.
	copy(buf, "\x7fELF")
	if lay.class == elf64 {
		buf[4] = 2
	} else {
		buf[4] = 1
	}
	buf[5] = 1 // little endian
	buf[6] = 1 // EV_CURRENT
	le.PutUint16(buf[16:], 3) // ET_DYN
	le.PutUint16(buf[18:], machine)
	le.PutUint32(buf[20:], 1)
	if lay.class == elf64 {
		le.PutUint64(buf[0x20:], uint64(ehsize)) // e_phoff
		le.PutUint64(buf[0x28:], uint64(shoff))
		le.PutUint16(buf[0x34:], uint16(ehsize))
		le.PutUint16(buf[0x36:], uint16(phentsize))
		le.PutUint16(buf[0x38:], 1)
		le.PutUint16(buf[0x3a:], uint16(shentsize))
		le.PutUint16(buf[0x3c:], 4)
		le.PutUint16(buf[0x3e:], 3) // shstrndx
	} else {
		le.PutUint32(buf[0x1c:], uint32(ehsize))
		le.PutUint32(buf[0x20:], uint32(shoff))
		le.PutUint16(buf[0x28:], uint16(ehsize))
		le.PutUint16(buf[0x2a:], uint16(phentsize))
		le.PutUint16(buf[0x2c:], 1)
		le.PutUint16(buf[0x2e:], uint16(shentsize))
		le.PutUint16(buf[0x30:], 4)
		le.PutUint16(buf[0x32:], 3)
	}

	// One PT_LOAD covering everything up to the section header table.
	ph := buf[ehsize:]
	if lay.class == elf64 {
		le.PutUint32(ph, 1)                    // PT_LOAD
		le.PutUint32(ph[4:], 5)                // R+X
		le.PutUint64(ph[32:], uint64(loadEnd)) // filesz
		le.PutUint64(ph[40:], uint64(loadEnd)) // memsz
		le.PutUint64(ph[48:], 0x1000)          // align
	} else {
		le.PutUint32(ph, 1)
		le.PutUint32(ph[16:], uint32(loadEnd))
		le.PutUint32(ph[20:], uint32(loadEnd))
		le.PutUint32(ph[24:], 5)
		le.PutUint32(ph[28:], 0x1000)
	}

	// .dynstr content.
	copy(buf[strOff:], testStrtab)

	// .dynamic entries. vaddr == file offset (single zero-based segment).
	putDyn := func(i int, tag int64, val uint64) {
		off := dynOff + i*dynent
		if lay.class == elf64 {
			le.PutUint64(buf[off:], uint64(tag))
			le.PutUint64(buf[off+8:], val)
		} else {
			le.PutUint32(buf[off:], uint32(tag))
			le.PutUint32(buf[off+4:], uint32(val))
		}
	}
	putDyn(0, 1, 1) // DT_NEEDED libc.so
	putDyn(1, 1, 9) // DT_NEEDED libm.so
	putDyn(2, 5, uint64(strOff))
	putDyn(3, 10, uint64(strSize))
	// remaining entries stay zero (DT_NULL)

	copy(buf[shstrOff:], testShstrtab)

	// Section headers: NULL, .dynstr, .dynamic, .shstrtab.
	sh := func(i int, name uint32, typ uint32, flags, addr, off, size, link, align, entsize uint64) {
		base := shoff + i*shentsize
		if lay.class == elf64 {
			le.PutUint32(buf[base:], name)
			le.PutUint32(buf[base+4:], typ)
			le.PutUint64(buf[base+8:], flags)
			le.PutUint64(buf[base+16:], addr)
			le.PutUint64(buf[base+24:], off)
			le.PutUint64(buf[base+32:], size)
			le.PutUint32(buf[base+40:], uint32(link))
			le.PutUint64(buf[base+48:], align)
			le.PutUint64(buf[base+56:], entsize)
		} else {
			le.PutUint32(buf[base:], name)
			le.PutUint32(buf[base+4:], typ)
			le.PutUint32(buf[base+8:], uint32(flags))
			le.PutUint32(buf[base+12:], uint32(addr))
			le.PutUint32(buf[base+16:], uint32(off))
			le.PutUint32(buf[base+20:], uint32(size))
			le.PutUint32(buf[base+24:], uint32(link))
			le.PutUint32(buf[base+32:], uint32(align))
			le.PutUint32(buf[base+36:], uint32(entsize))
		}
	}
	sh(1, 1, 3, 2, uint64(strOff), uint64(strOff), uint64(strSize), 0, 1, 0)                    // .dynstr SHT_STRTAB
	sh(2, 9, 6, 3, uint64(dynOff), uint64(dynOff), uint64(nDyn*dynent), 1, 8, uint64(dynent))   // .dynamic SHT_DYNAMIC
	sh(3, 18, 3, 0, 0, uint64(shstrOff), uint64(len(testShstrtab)), 0, 1, 0)                    // .shstrtab

	path := filepath.Join(t.TempDir(), "libtarget.so")
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func align(n, a int) int { return (n + a - 1) &^ (a - 1) }

// diffRegions returns the byte offsets at which a and b differ.
func diffRegions(a, b []byte) []int {
	var diffs []int
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			diffs = append(diffs, i)
		}
	}
	return diffs
}
