// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfio

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/xsplice/xsplice-diff/internal/model"
)

const (
	ehdrSize   = 64
	shdrSize   = 64
	sym64Size  = 24
	rela64Size = 24
)

// Write serializes obj, whose sections and symbols must already carry the
// indices assigned by internal/migrate, to an ELF64 relocatable object.
//
// This is a low-level object-file writer, an external collaborator to the
// differencing engine: it has no opinion about what belongs in the output,
// only how to lay out bytes for what the engine already decided to keep.
func Write(obj *model.Object, machine elf.Machine) ([]byte, error) {
	order := binary.LittleEndian

	shstrtab := newStrtab()
	strtab := newStrtab()

	bySecIndex := make([]*model.Section, len(obj.Sections)+1)
	for _, s := range obj.Sections {
		if s.Index <= 0 || s.Index >= len(bySecIndex) {
			return nil, fmt.Errorf("elfio: section %q has unassigned index %d", s.Name, s.Index)
		}
		bySecIndex[s.Index] = s
	}
	nameOff := make([]uint32, len(bySecIndex))
	for idx, s := range bySecIndex {
		if s != nil {
			nameOff[idx] = shstrtab.add(s.Name)
		}
	}

	// Build the .symtab blob; symbol names go into .strtab.
	var symtabBuf bytes.Buffer
	symtabBuf.Write(newSym64(0, 0, 0, 0, 0, 0))
	for _, sym := range obj.Symbols {
		if sym.Index == 0 {
			continue // the reserved null symbol, already emitted
		}
		var nm uint32
		if sym.Name != "" {
			nm = strtab.add(sym.Name)
		}
		shndx := uint16(elf.SHN_UNDEF)
		value := sym.Value
		switch {
		case sym.Abs:
			shndx = uint16(elf.SHN_ABS)
		case sym.Section != nil:
			shndx = uint16(sym.Section.Index)
		}
		info := uint8(sym.Bind)<<4 | (uint8(sym.Type) & 0xf)
		symtabBuf.Write(newSym64(nm, info, sym.Other, shndx, value, sym.Size))
	}

	// Final section order: regular sections in Index order, followed by
	// the three synthetic sections every ELF object needs.
	numRegular := len(bySecIndex) - 1 // excludes the implicit null section
	shstrtabIdx := numRegular + 1
	symtabIdx := numRegular + 2
	strtabIdx := numRegular + 3
	numSec := numRegular + 1 + 3 // + null

	nameOff = append(nameOff, shstrtab.add(".shstrtab"), shstrtab.add(".symtab"), shstrtab.add(".strtab"))

	type hdr struct {
		typ     elf.SectionType
		flags   elf.SectionFlag
		addr    uint64
		off     uint64
		size    uint64
		link    uint32
		info    uint32
		align   uint64
		entsize uint64
	}
	hdrs := make([]hdr, numSec) // hdrs[0] is the null section, all zero

	var body bytes.Buffer
	put := func(align uint64, data []byte) uint64 {
		if align == 0 {
			align = 1
		}
		for uint64(body.Len())%align != 0 {
			body.WriteByte(0)
		}
		off := uint64(body.Len())
		body.Write(data)
		return off
	}

	for idx := 1; idx <= numRegular; idx++ {
		s := bySecIndex[idx]
		var off, size uint64
		switch {
		case s.IsRela():
			data := encodeRelocs(s.Relocs)
			off = put(s.Align, data)
			size = uint64(len(data))
		case s.Type != elf.SHT_NOBITS:
			off = put(s.Align, s.Data)
			size = s.Size
		default:
			// SHT_NOBITS occupies no file space; still record a
			// plausible, aligned offset for tools that read it.
			for uint64(body.Len())%orOne(s.Align) != 0 {
				body.WriteByte(0)
			}
			off = uint64(body.Len())
			size = s.Size
		}
		link, info, entsize := uint32(0), uint32(0), s.EntSize
		if s.IsRela() {
			link = uint32(symtabIdx)
			if s.Base != nil {
				info = uint32(s.Base.Index)
			}
			entsize = rela64Size
		}
		hdrs[idx] = hdr{typ: s.Type, flags: s.Flags, addr: s.Addr, off: off, size: size, link: link, info: info, align: s.Align, entsize: entsize}
	}

	shstrtabOff := put(1, shstrtab.bytes())
	hdrs[shstrtabIdx] = hdr{typ: elf.SHT_STRTAB, off: shstrtabOff, size: uint64(shstrtab.len()), align: 1}

	symtabOff := put(8, symtabBuf.Bytes())
	hdrs[symtabIdx] = hdr{
		typ: elf.SHT_SYMTAB, off: symtabOff, size: uint64(symtabBuf.Len()),
		link: uint32(strtabIdx), info: uint32(firstGlobalSymIndex(obj)),
		align: 8, entsize: sym64Size,
	}

	strtabOff := put(1, strtab.bytes())
	hdrs[strtabIdx] = hdr{typ: elf.SHT_STRTAB, off: strtabOff, size: uint64(strtab.len()), align: 1}

	headerBytes := ehdrSize + numSec*shdrSize
	var out bytes.Buffer
	writeEhdr(&out, order, machine, uint64(headerBytes), uint16(numSec), uint16(shstrtabIdx))

	for idx, h := range hdrs {
		off := uint64(0)
		if idx != 0 {
			off = uint64(headerBytes) + h.off
		}
		binary.Write(&out, order, uint32(nameOff[idx]))
		binary.Write(&out, order, uint32(h.typ))
		binary.Write(&out, order, uint64(h.flags))
		binary.Write(&out, order, h.addr)
		binary.Write(&out, order, off)
		binary.Write(&out, order, h.size)
		binary.Write(&out, order, h.link)
		binary.Write(&out, order, h.info)
		binary.Write(&out, order, h.align)
		binary.Write(&out, order, h.entsize)
	}
	out.Write(body.Bytes())

	return out.Bytes(), nil
}

// encodeRelocs serializes a section's owned relocations to ELF64 RELA
// format, resolving each target symbol's index as assigned by
// internal/migrate. A relocation whose target carries no index (the null
// symbol) encodes symbol index 0.
func encodeRelocs(relocs []*model.Relocation) []byte {
	buf := make([]byte, 0, len(relocs)*rela64Size)
	for _, r := range relocs {
		var symIdx uint32
		if r.Target != nil {
			symIdx = uint32(r.Target.Index)
		}
		var b [rela64Size]byte
		binary.LittleEndian.PutUint64(b[0:8], r.Offset)
		binary.LittleEndian.PutUint64(b[8:16], elf.R_INFO(symIdx, uint32(r.Type)))
		binary.LittleEndian.PutUint64(b[16:24], uint64(r.Addend))
		buf = append(buf, b[:]...)
	}
	return buf
}

func orOne(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	return n
}

func firstGlobalSymIndex(obj *model.Object) int {
	for _, s := range obj.Symbols {
		if s.Bind == elf.STB_GLOBAL {
			return s.Index
		}
	}
	return len(obj.Symbols)
}

func newSym64(name uint32, info, other uint8, shndx uint16, value, size uint64) []byte {
	b := make([]byte, sym64Size)
	binary.LittleEndian.PutUint32(b[0:4], name)
	b[4] = info
	b[5] = other
	binary.LittleEndian.PutUint16(b[6:8], shndx)
	binary.LittleEndian.PutUint64(b[8:16], value)
	binary.LittleEndian.PutUint64(b[16:24], size)
	return b
}

func writeEhdr(out *bytes.Buffer, order binary.ByteOrder, machine elf.Machine, shoff uint64, shnum, shstrndx uint16) {
	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	out.Write(ident[:])
	binary.Write(out, order, uint16(elf.ET_REL))
	binary.Write(out, order, uint16(machine))
	binary.Write(out, order, uint32(elf.EV_CURRENT))
	binary.Write(out, order, uint64(0)) // e_entry
	binary.Write(out, order, uint64(0)) // e_phoff
	binary.Write(out, order, shoff)
	binary.Write(out, order, uint32(0))  // e_flags
	binary.Write(out, order, uint16(ehdrSize))
	binary.Write(out, order, uint16(0)) // e_phentsize
	binary.Write(out, order, uint16(0)) // e_phnum
	binary.Write(out, order, uint16(shdrSize))
	binary.Write(out, order, shnum)
	binary.Write(out, order, shstrndx)
}

// strtab accumulates a NUL-terminated, NUL-prefixed ELF string table,
// deduplicating identical strings.
type strtab struct {
	buf    bytes.Buffer
	offset map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{offset: make(map[string]uint32)}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.offset[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.offset[s] = off
	return off
}

func (t *strtab) bytes() []byte { return t.buf.Bytes() }
func (t *strtab) len() int      { return t.buf.Len() }
