// Package elfpatch rewrites the dynamic-dependency table of ELF shared
// objects. It adds one DT_NEEDED entry in place: the new soname goes into
// the slack after .dynstr, the entry itself consumes one of the trailing
// DT_NULL terminators, and DT_STRSZ plus the .dynstr section header are
// fixed up. Everything else in the file — sections, symbols, relocations —
// is left byte for byte as it was.
package elfpatch

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrNotELF    = errors.New("elfpatch: not an ELF file")
	ErrNotShared = errors.New("elfpatch: not a shared object")
	ErrNoDynamic = errors.New("elfpatch: no .dynamic section")
	ErrNoDynstr  = errors.New("elfpatch: no .dynstr section")
	ErrNoSlot    = errors.New("elfpatch: no spare DT_NULL slot in .dynamic")
	ErrNoSlack   = errors.New("elfpatch: no room after .dynstr for new soname")
)

// Needed returns the DT_NEEDED entries of the shared object at path.
func Needed(path string) ([]string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotELF, path, err)
	}
	defer f.Close()
	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil {
		return nil, fmt.Errorf("elfpatch: %s: %w", path, err)
	}
	return needed, nil
}

// InjectNeeded adds soname to the dependency table of the shared object at
// path. Returns false with a nil error if the entry is already present, in
// which case the file is not rewritten. The rewrite is atomic: a patched
// copy is written next to the original and renamed over it.
func InjectNeeded(path, soname string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("elfpatch: read %s: %w", path, err)
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrNotELF, path, err)
	}
	defer f.Close()
	if f.Type != elf.ET_DYN {
		return false, fmt.Errorf("%w: %s has type %v", ErrNotShared, path, f.Type)
	}

	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil {
		return false, fmt.Errorf("elfpatch: %s: %w", path, err)
	}
	for _, n := range needed {
		if n == soname {
			return false, nil
		}
	}

	if err := patch(data, f, soname); err != nil {
		return false, fmt.Errorf("elfpatch: %s: %w", path, err)
	}

	if err := replaceFile(path, data); err != nil {
		return false, err
	}
	return true, nil
}

// patch performs the three in-place edits on data. f must have been parsed
// from data.
func patch(data []byte, f *elf.File, soname string) error {
	dyn := f.SectionByType(elf.SHT_DYNAMIC)
	if dyn == nil {
		return ErrNoDynamic
	}
	dynstr := f.Section(".dynstr")
	if dynstr == nil {
		return ErrNoDynstr
	}
	var dynstrIdx int
	for i, s := range f.Sections {
		if s == dynstr {
			dynstrIdx = i
		}
	}

	bo := f.ByteOrder
	need := uint64(len(soname) + 1)
	strEnd := dynstr.Offset + dynstr.FileSize

	// Malformed headers can point past the end of the file.
	if strEnd > uint64(len(data)) || dyn.Offset+dyn.FileSize > uint64(len(data)) {
		return fmt.Errorf("%w: section exceeds file size", ErrNoDynamic)
	}
	if shoff, shentsize := shTable(data, f); shoff+uint64(len(f.Sections))*shentsize > uint64(len(data)) {
		return fmt.Errorf("%w: section header table exceeds file size", ErrNoDynamic)
	}

	if gap := tailSlack(data, f, strEnd); gap < need {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrNoSlack, need, gap)
	}

	// 1. New soname string in the .dynstr tail slack.
	copy(data[strEnd:], append([]byte(soname), 0))
	nameOff := dynstr.FileSize // offset relative to the string table

	// 2. Dynamic table: turn the first DT_NULL into DT_NEEDED, keeping at
	// least one terminator after it, and grow DT_STRSZ.
	var entsize uint64 = 16
	if f.Class == elf.ELFCLASS32 {
		entsize = 8
	}
	n := dyn.FileSize / entsize
	nullIdx, strszIdx := -1, -1
	for i := uint64(0); i < n; i++ {
		tag, _ := dynEntry(data, f, dyn.Offset+i*entsize)
		switch elf.DynTag(tag) {
		case elf.DT_NULL:
			if nullIdx < 0 {
				nullIdx = int(i)
			}
		case elf.DT_STRSZ:
			strszIdx = int(i)
		}
	}
	if nullIdx < 0 || uint64(nullIdx) >= n-1 {
		return ErrNoSlot
	}
	setDynEntry(data, f, dyn.Offset+uint64(nullIdx)*entsize, int64(elf.DT_NEEDED), nameOff)
	if strszIdx >= 0 {
		off := dyn.Offset + uint64(strszIdx)*entsize
		_, strsz := dynEntry(data, f, off)
		setDynEntry(data, f, off, int64(elf.DT_STRSZ), strsz+need)
	}

	// 3. Section header: .dynstr grows by the new string.
	shoff, shentsize := shTable(data, f)
	hdrOff := shoff + uint64(dynstrIdx)*shentsize
	if hdrOff+0x28 > uint64(len(data)) {
		return fmt.Errorf("%w: section header table exceeds file size", ErrNoDynamic)
	}
	if f.Class == elf.ELFCLASS64 {
		bo.PutUint64(data[hdrOff+0x20:], dynstr.FileSize+need)
	} else {
		bo.PutUint32(data[hdrOff+0x14:], uint32(dynstr.FileSize+need))
	}
	return nil
}

// tailSlack returns how many unused bytes follow offset before the next
// section, the header tables, or the end of the covering PT_LOAD segment —
// whichever comes first. Bytes past the segment's file size would never be
// mapped by the loader.
func tailSlack(data []byte, f *elf.File, off uint64) uint64 {
	next := uint64(len(data))
	for _, s := range f.Sections {
		if s.Type == elf.SHT_NOBITS || s.Type == elf.SHT_NULL {
			continue
		}
		if s.Offset >= off && s.Offset < next {
			next = s.Offset
		}
	}
	shoff, _ := shTable(data, f)
	if shoff >= off && shoff < next {
		next = shoff
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if off >= p.Off && off < p.Off+p.Filesz {
			if end := p.Off + p.Filesz; end < next {
				next = end
			}
		}
	}
	return next - off
}

// dynEntry reads one .dynamic entry (tag, value) at file offset off.
func dynEntry(data []byte, f *elf.File, off uint64) (int64, uint64) {
	bo := f.ByteOrder
	if f.Class == elf.ELFCLASS64 {
		return int64(bo.Uint64(data[off:])), bo.Uint64(data[off+8:])
	}
	return int64(int32(bo.Uint32(data[off:]))), uint64(bo.Uint32(data[off+4:]))
}

func setDynEntry(data []byte, f *elf.File, off uint64, tag int64, val uint64) {
	bo := f.ByteOrder
	if f.Class == elf.ELFCLASS64 {
		bo.PutUint64(data[off:], uint64(tag))
		bo.PutUint64(data[off+8:], val)
		return
	}
	bo.PutUint32(data[off:], uint32(tag))
	bo.PutUint32(data[off+4:], uint32(val))
}

// shTable reads e_shoff and e_shentsize from the raw ELF header; debug/elf
// does not expose them.
func shTable(data []byte, f *elf.File) (shoff, shentsize uint64) {
	bo := f.ByteOrder
	if f.Class == elf.ELFCLASS64 {
		return bo.Uint64(data[0x28:]), uint64(bo.Uint16(data[0x3a:]))
	}
	return uint64(bo.Uint32(data[0x20:])), uint64(bo.Uint16(data[0x2e:]))
}

func replaceFile(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("elfpatch: stat %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".elfpatch-*")
	if err != nil {
		return fmt.Errorf("elfpatch: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("elfpatch: write %s: %w", path, err)
	}
	if err := tmp.Chmod(info.Mode()); err != nil {
		tmp.Close()
		return fmt.Errorf("elfpatch: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("elfpatch: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("elfpatch: replace %s: %w", path, err)
	}
	return nil
}
