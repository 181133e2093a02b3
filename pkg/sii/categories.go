package sii

import (
	"context"

	"github.com/samsamfire/goethercat/internal/wire"
	"github.com/samsamfire/goethercat/pkg/maindevice"
	"github.com/samsamfire/goethercat/pkg/subdevice"
)

// No category lives beyond any sane EEPROM size, the walk gives up past
// this word address.
const categoryWalkLimit = 0x8000

// FindCategory walks the category chain and returns a reader
// positioned at the first data byte of the requested category and the
// category length in bytes.
func FindCategory(ctx context.Context, md *maindevice.MainDevice, station uint16, category uint16) (*Reader, int, error) {
	wordAddr := WordFirstCategory
	for wordAddr < categoryWalkLimit {
		r := NewReader(md, station, wordAddr)
		categoryType, err := r.ReadUint16(ctx)
		if err != nil {
			return nil, 0, err
		}
		sizeWords, err := r.ReadUint16(ctx)
		if err != nil {
			return nil, 0, err
		}
		if categoryType == CategoryEnd {
			return nil, 0, ErrCategoryNotFound
		}
		if categoryType == category {
			return r, int(sizeWords) * 2, nil
		}
		wordAddr += 2 + sizeWords
	}
	return nil, 0, ErrCategoryNotFound
}

// ReadString looks up the 1-based index in the strings category.
// Strings are length prefixed and packed back to back.
func ReadString(ctx context.Context, md *maindevice.MainDevice, station uint16, index uint8) (string, error) {
	if index == 0 {
		return "", ErrStringNotFound
	}
	r, _, err := FindCategory(ctx, md, station, CategoryStrings)
	if err != nil {
		return "", err
	}
	count, err := r.ReadByte(ctx)
	if err != nil {
		return "", err
	}
	if index > count {
		return "", ErrStringNotFound
	}
	for i := uint8(1); i <= count; i++ {
		length, err := r.ReadByte(ctx)
		if err != nil {
			return "", err
		}
		if i == index {
			buf := make([]byte, length)
			if err := r.TakeInto(ctx, buf); err != nil {
				return "", err
			}
			return wire.VisibleString(buf), nil
		}
		if err := r.Skip(ctx, int(length)); err != nil {
			return "", err
		}
	}
	return "", ErrStringNotFound
}

// ReadIdentity decodes the vendor block at words 0x0008..0x000F.
func ReadIdentity(ctx context.Context, md *maindevice.MainDevice, station uint16) (subdevice.Identity, error) {
	r := NewReader(md, station, WordVendorID)
	identity := subdevice.Identity{}
	var err error
	if identity.VendorID, err = r.ReadUint32(ctx); err != nil {
		return identity, err
	}
	if identity.ProductID, err = r.ReadUint32(ctx); err != nil {
		return identity, err
	}
	if identity.Revision, err = r.ReadUint32(ctx); err != nil {
		return identity, err
	}
	identity.Serial, err = r.ReadUint32(ctx)
	return identity, err
}

// ReadNameIndex returns the strings category index of the device name.
func ReadNameIndex(ctx context.Context, md *maindevice.MainDevice, station uint16) (uint8, error) {
	r := NewReader(md, station, WordNameIdx)
	word, err := r.ReadUint16(ctx)
	if err != nil {
		return 0, err
	}
	return uint8(word), nil
}

// ReadAlias returns the alias address word, metadata only.
func ReadAlias(ctx context.Context, md *maindevice.MainDevice, station uint16) (uint16, error) {
	r := NewReader(md, station, WordAlias)
	return r.ReadUint16(ctx)
}

// ReadMailboxConfig decodes the standard mailbox words 0x0018..0x001F :
// receive offset and size (SM0), send offset and size (SM1), then the
// supported protocols word.
func ReadMailboxConfig(ctx context.Context, md *maindevice.MainDevice, station uint16) (subdevice.MailboxConfig, error) {
	r := NewReader(md, station, WordStdMailbox)
	mbx := subdevice.MailboxConfig{}
	var err error
	if mbx.WriteOffset, err = r.ReadUint16(ctx); err != nil {
		return mbx, err
	}
	if mbx.WriteLength, err = r.ReadUint16(ctx); err != nil {
		return mbx, err
	}
	if mbx.ReadOffset, err = r.ReadUint16(ctx); err != nil {
		return mbx, err
	}
	if mbx.ReadLength, err = r.ReadUint16(ctx); err != nil {
		return mbx, err
	}
	protocols := NewReader(md, station, WordMailboxProt)
	mbx.Protocols, err = protocols.ReadUint16(ctx)
	return mbx, err
}

// PdoEntry is one object mapped inside a PDO.
type PdoEntry struct {
	Index     uint16
	Subindex  uint8
	BitLength uint8
}

// Pdo is one PDO from the TXPDO or RXPDO categories with the sync
// manager it is assigned to.
type Pdo struct {
	Index       uint16
	SyncManager uint8
	Entries     []PdoEntry
}

// BitLength sums the entry bit lengths.
func (p *Pdo) BitLength() int {
	bits := 0
	for _, e := range p.Entries {
		bits += int(e.BitLength)
	}
	return bits
}

// ReadPdoCategory parses one of the CategoryTxPdo / CategoryRxPdo
// areas. A missing category yields an empty list.
func ReadPdoCategory(ctx context.Context, md *maindevice.MainDevice, station uint16, category uint16) ([]Pdo, error) {
	r, size, err := FindCategory(ctx, md, station, category)
	if err == ErrCategoryNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pdos := []Pdo{}
	remaining := size
	for remaining >= 8 {
		var header [8]byte
		if err := r.TakeInto(ctx, header[:]); err != nil {
			return nil, err
		}
		remaining -= 8
		pdo := Pdo{
			Index:       uint16(header[0]) | uint16(header[1])<<8,
			SyncManager: header[3],
		}
		entryCount := int(header[2])
		if entryCount*8 > remaining {
			return nil, ErrSectionOverrun
		}
		for i := 0; i < entryCount; i++ {
			var entry [8]byte
			if err := r.TakeInto(ctx, entry[:]); err != nil {
				return nil, err
			}
			remaining -= 8
			pdo.Entries = append(pdo.Entries, PdoEntry{
				Index:     uint16(entry[0]) | uint16(entry[1])<<8,
				Subindex:  entry[2],
				BitLength: entry[5],
			})
		}
		pdos = append(pdos, pdo)
	}
	return pdos, nil
}
