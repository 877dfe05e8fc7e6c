package cryptodisk

import (
	"encoding/binary"
	"strings"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
	"github.com/jmason/grubcore/fs/common"
)

const luks1Magic = "LUKS\xba\xbe"

// luks1Header is the fixed, big-endian-on-disk LUKS1 phdr, trimmed to the
// fields an identity probe needs; the key-slot array that follows isn't
// modeled since this layer never attempts to unlock a container.
type luks1Header struct {
	Magic          [6]byte
	Version        uint16
	CipherName     [32]byte
	CipherMode     [32]byte
	HashSpec       [32]byte
	PayloadOffset  uint32
	KeyBytes       uint32
	MKDigest       [20]byte
	MKDigestSalt   [32]byte
	MKDigestIter   uint32
	UUID           [40]byte
}

// LUKS1 recognizes a LUKS1 header at sector 0 of a candidate disk.
type LUKS1 struct{}

func (LUKS1) Name() string { return "luks" }

func (LUKS1) Detect(d *disk.Disk) (Container, error) {
	buf := make([]byte, 512)
	if err := d.Read(0, 0, 512, buf); err != nil {
		return Container{}, err
	}

	var hdr luks1Header
	if err := common.MustUnpack(buf[:208], binary.BigEndian, &hdr); err != nil {
		return Container{}, err
	}
	if string(hdr.Magic[:]) != luks1Magic {
		return Container{}, errors.ErrBadFs.WithMessage("no LUKS1 header")
	}

	uuid := strings.TrimRight(string(hdr.UUID[:]), "\x00")
	return Container{AbstractionName: "luks", UUID: uuid}, nil
}
