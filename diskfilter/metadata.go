package diskfilter

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
	"github.com/jmason/grubcore/fs/common"
)

// On-disk LVM2 label/metadata constants. These are the public LVM2 disk
// format's fixed values, not something original_source/lvm.c spells out
// itself (its holy_LVM_* names come from a header this retrieval pack
// doesn't carry) — see DESIGN.md.
const (
	labelScanSectors = 4
	labelID          = "LABELONE"
	lvm2Label        = "LVM2 001"
	idLen            = 32
	idStrLen         = 38

	fmttMagic   = " LVM2 x[5A%r0N*>"
	fmttVersion = uint32(1)
	mdaHeaderSize = 512
)

// labelHeader is the 32-byte block located by scanning the first
// labelScanSectors sectors of a PV for the literal id/type strings.
type labelHeader struct {
	ID       [8]byte
	SectorXL uint64
	CRCXL    uint32
	OffsetXL uint32
	Type     [8]byte
}

// diskLocn is one (offset, size) pair in a pv_header's area table, in bytes.
type diskLocn struct {
	Offset uint64
	Size   uint64
}

// mdaHeader is the fixed part of the metadata area header; the raw_locn
// describing the current metadata text follows immediately.
type mdaHeader struct {
	ChecksumXL [4]byte
	Magic      [16]byte
	Version    uint32
	Start      uint64
	Size       uint64
}

type rawLocn struct {
	Offset   uint64
	Size     uint64
	Checksum uint32
	Flags    uint32
}

// findLabel scans the first labelScanSectors sectors of d for an LVM2 label
// block, matching holy_lvm_detect's search loop.
func findLabel(d *disk.Disk) (labelHeader, []byte, error) {
	var lh labelHeader
	buf := make([]byte, 512)

	for i := uint64(0); i < labelScanSectors; i++ {
		if err := d.Read(i, 0, 512, buf); err != nil {
			return lh, nil, err
		}
		if err := common.MustUnpack(buf[:32], binary.LittleEndian, &lh); err != nil {
			continue
		}
		if string(lh.ID[:]) == labelID && string(lh.Type[:]) == lvm2Label {
			return lh, buf, nil
		}
	}
	return lh, nil, errors.ErrBadFs.WithMessage("no LVM2 label found")
}

// formatPVUUID re-inserts dashes into a 32-character raw UUID the same way
// holy_lvm_detect does: after every 4th character, except right after the
// first group and right before the last.
func formatPVUUID(raw []byte) string {
	var b strings.Builder
	for i := 0; i < idLen; i++ {
		b.WriteByte(raw[i])
		if i != 1 && i != 29 && i%4 == 1 {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// readMetadataText reads and de-circularizes the ASCII LVM2 metadata text
// from a PV's metadata area, following holy_lvm_detect's wrap-copy.
func readMetadataText(d *disk.Disk, mdaOffsetBytes, mdaSizeBytes uint64) (string, error) {
	buf := make([]byte, 2*mdaSizeBytes)
	sector := mdaOffsetBytes >> 9
	offset := uint(mdaOffsetBytes & 511)
	if err := d.Read(sector, offset, uint(mdaSizeBytes), buf[:mdaSizeBytes]); err != nil {
		return "", err
	}

	var mh mdaHeader
	if err := common.MustUnpack(buf[:40], binary.LittleEndian, &mh); err != nil {
		return "", err
	}
	if strings.TrimRight(string(mh.Magic[:]), "\x00") != fmttMagic || mh.Version != fmttVersion {
		return "", errors.ErrNotImplemented.WithMessage("unknown LVM metadata header")
	}

	var rl rawLocn
	if err := common.MustUnpack(buf[40:40+24], binary.LittleEndian, &rl); err != nil {
		return "", err
	}

	if rl.Offset+rl.Size > mh.Size {
		wrapLen := rl.Offset + rl.Size - mh.Size
		copy(buf[mdaSizeBytes:mdaSizeBytes+wrapLen], buf[mdaHeaderSize:mdaHeaderSize+wrapLen])
	}

	text := buf[rl.Offset : rl.Offset+rl.Size]
	return string(text), nil
}

// getValue mirrors holy_lvm_getvalue: find str in s starting at pos, then
// parse the unsigned integer following it, after any whitespace. ok is false
// if str isn't found.
func getValue(s string, pos int, str string) (value uint64, next int, ok bool) {
	idx := strings.Index(s[pos:], str)
	if idx < 0 {
		return 0, pos, false
	}
	start := pos + idx + len(str)
	for start < len(s) && isSpace(s[start]) {
		start++
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0, start, false
	}
	n, err := strconv.ParseUint(s[start:end], 10, 64)
	if err != nil {
		return 0, start, false
	}
	return n, end, true
}

// checkFlag mirrors holy_lvm_check_flag: does the `str = [ ... ]` bracketed
// string list starting at or after pos contain the literal flag?
func checkFlag(s string, pos int, str, flag string) bool {
	for {
		idx := strings.Index(s[pos:], str)
		if idx < 0 {
			return false
		}
		p := pos + idx + len(str)
		if !strings.HasPrefix(s[p:], " = [") {
			pos = p
			continue
		}
		q := p + len(" = [")
		for {
			for q < len(s) && isSpace(s[q]) {
				q++
			}
			if q >= len(s) || s[q] != '"' {
				return false
			}
			q++
			if strings.HasPrefix(s[q:], flag) && q+len(flag) < len(s) && s[q+len(flag)] == '"' {
				return true
			}
			for q < len(s) && s[q] != '"' {
				q++
			}
			q++
			if q < len(s) && s[q] == ']' {
				return false
			}
			q++
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}

// quotedField returns the text between the next pair of double quotes
// starting at or after pos, and the position just past the closing quote.
func quotedField(s string, pos int) (string, int, bool) {
	start := strings.IndexByte(s[pos:], '"')
	if start < 0 {
		return "", pos, false
	}
	start = pos + start + 1
	end := strings.IndexByte(s[start:], '"')
	if end < 0 {
		return "", pos, false
	}
	end = start + end
	return s[start:end], end + 1, true
}
