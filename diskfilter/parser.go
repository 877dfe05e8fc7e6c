package diskfilter

import (
	"strings"

	"github.com/jmason/grubcore/errors"
)

// parseVGName returns the first whitespace-delimited token of the metadata
// text, the VG's name, and the position right after it.
func parseVGName(text string) (string, int, error) {
	end := strings.IndexByte(text, ' ')
	if end < 0 {
		return "", 0, errors.ErrBadFs.WithMessage("error parsing LVM metadata")
	}
	return text[:end], end, nil
}

// peekVGUUID extracts just the `id = "..."` field following the VG name,
// without parsing the rest of the metadata, so the caller can check for an
// already-registered VG before doing the full parse.
func peekVGUUID(text string) (string, error) {
	_, pos, err := parseVGName(text)
	if err != nil {
		return "", err
	}
	idIdx := strings.Index(text[pos:], `id = "`)
	if idIdx < 0 {
		return "", errors.ErrBadFs.WithMessage("couldn't find VG id")
	}
	start := pos + idIdx + len(`id = "`)
	if start+idStrLen > len(text) {
		return "", errors.ErrBadFs.WithMessage("truncated VG id")
	}
	return text[start : start+idStrLen], nil
}

// parseVG builds a VG from LVM2 metadata text, following the same scan order
// as holy_lvm_detect: name, id, extent_size, physical_volumes{}, then
// logical_volumes{}, then a second pass resolving segment node names against
// both lists.
func parseVG(text string) (*VG, error) {
	vgName, pos, err := parseVGName(text)
	if err != nil {
		return nil, err
	}

	idIdx := strings.Index(text[pos:], `id = "`)
	if idIdx < 0 {
		return nil, errors.ErrBadFs.WithMessage("couldn't find VG id")
	}
	pos += idIdx + len(`id = "`)
	if pos+idStrLen > len(text) {
		return nil, errors.ErrBadFs.WithMessage("truncated VG id")
	}
	vgUUID := text[pos : pos+idStrLen]
	pos += idStrLen

	vg := &VG{Name: vgName, UUID: vgUUID}

	extentSize, next, ok := getValue(text, pos, "extent_size = ")
	if !ok {
		return nil, errors.ErrBadFs.WithMessage("unknown extent_size")
	}
	vg.ExtentSize = extentSize
	pos = next

	if pvBlock := strings.Index(text[pos:], "physical_volumes {"); pvBlock >= 0 {
		pos += pvBlock + len("physical_volumes {")
		if err := parsePVs(text, &pos, vg); err != nil {
			return nil, err
		}
	}

	if lvBlock := strings.Index(text[pos:], "logical_volumes {"); lvBlock >= 0 {
		pos += lvBlock + len("logical_volumes {")
		if err := parseLVs(text, &pos, vg); err != nil {
			return nil, err
		}
	}

	resolveNodes(vg)
	return vg, nil
}

func parsePVs(text string, pos *int, vg *VG) error {
	for {
		p := skipSpace(text, *pos)
		if p >= len(text) {
			return errors.ErrBadFs.WithMessage("unterminated physical_volumes block")
		}
		if text[p] == '}' {
			*pos = p + 1
			return nil
		}

		nameEnd := strings.IndexByte(text[p:], ' ')
		if nameEnd < 0 {
			return errors.ErrBadFs.WithMessage("error parsing PV name")
		}
		name := text[p : p+nameEnd]
		q := p + nameEnd

		idIdx := strings.Index(text[q:], `id = "`)
		if idIdx < 0 {
			return errors.ErrBadFs.WithMessage("couldn't find PV id")
		}
		q += idIdx + len(`id = "`)
		if q+idStrLen > len(text) {
			return errors.ErrBadFs.WithMessage("truncated PV id")
		}
		uuid := text[q : q+idStrLen]
		q += idStrLen

		peStart, next, ok := getValue(text, q, "pe_start = ")
		if !ok {
			return errors.ErrBadFs.WithMessage("unknown pe_start")
		}
		q = next

		closeIdx := strings.IndexByte(text[q:], '}')
		if closeIdx < 0 {
			return errors.ErrBadFs.WithMessage("error parsing physical_volumes entry")
		}
		q += closeIdx + 1

		vg.PVs = append(vg.PVs, PV{Name: name, UUID: uuid, StartPE: peStart})
		*pos = q
	}
}

func parseLVs(text string, pos *int, vg *VG) error {
	for {
		p := skipSpace(text, *pos)
		if p >= len(text) {
			return errors.ErrBadFs.WithMessage("unterminated logical_volumes block")
		}
		if text[p] == '}' {
			*pos = p + 1
			return nil
		}

		nameEnd := strings.IndexByte(text[p:], ' ')
		if nameEnd < 0 {
			return errors.ErrBadFs.WithMessage("error parsing LV name")
		}
		name := text[p : p+nameEnd]
		q := p + nameEnd

		lv := LV{
			Name:     name,
			FullName: "lvm/" + vg.Name + "-" + name,
		}

		lv.Visible = checkFlag(text, q, "status", "VISIBLE")
		isPVMove := checkFlag(text, q, "status", "PVMOVE")

		idIdx := strings.Index(text[q:], `id = "`)
		if idIdx < 0 {
			return errors.ErrBadFs.WithMessage("couldn't find LV id")
		}
		lvUUIDStart := q + idIdx + len(`id = "`)
		if lvUUIDStart+idStrLen > len(text) {
			return errors.ErrBadFs.WithMessage("truncated LV id")
		}
		lvUUID := text[lvUUIDStart : lvUUIDStart+idStrLen]
		lv.IDName = "lvmid/" + vg.UUID + "/" + lvUUID
		q = lvUUIDStart + idStrLen

		segCount, next, ok := getValue(text, q, "segment_count = ")
		if !ok {
			return errors.ErrBadFs.WithMessage("unknown segment_count")
		}
		q = next

		skip := false
		for i := uint64(0); i < segCount; i++ {
			segIdx := strings.Index(text[q:], "segment")
			if segIdx < 0 {
				return errors.ErrBadFs.WithMessage("unknown segment")
			}
			q += segIdx + len("segment")

			seg, nq, err := parseSegment(text, q, vg.ExtentSize, isPVMove)
			if err != nil {
				return err
			}
			q = nq
			if seg == nil {
				// Unsupported segment type: skip this LV, VG still registers.
				skip = true
				break
			}
			lv.Segments = append(lv.Segments, *seg)
			lv.Size += seg.ExtentCount * vg.ExtentSize
		}

		closeIdx := strings.IndexByte(text[q:], '}')
		if closeIdx < 0 {
			return errors.ErrBadFs.WithMessage("error parsing logical_volumes entry")
		}
		q += closeIdx + 3

		if !skip {
			vg.LVs = append(vg.LVs, lv)
		}
		*pos = q
	}
}

// parseSegment parses one segment body starting right after the literal
// "segment" keyword. Returns a nil *Segment (not an error) for a recognized-
// but-unimplemented or wholly unknown type, matching the source's
// skip-the-LV behavior for unsupported segment types.
func parseSegment(text string, pos int, extentSize uint64, isPVMove bool) (*Segment, int, error) {
	startExtent, pos, ok := getValue(text, pos, "start_extent = ")
	if !ok {
		return nil, pos, errors.ErrBadFs.WithMessage("unknown start_extent")
	}
	extentCount, pos, ok := getValue(text, pos, "extent_count = ")
	if !ok {
		return nil, pos, errors.ErrBadFs.WithMessage("unknown extent_count")
	}

	typeIdx := strings.Index(text[pos:], `type = "`)
	if typeIdx < 0 {
		return nil, pos, errors.ErrBadFs.WithMessage("unknown segment type")
	}
	pos += typeIdx + len(`type = "`)

	seg := &Segment{StartExtent: startExtent, ExtentCount: extentCount}

	switch {
	case strings.HasPrefix(text[pos:], `striped"`):
		seg.Type = SegStriped
		nodeCount, next, ok := getValue(text, pos, "stripe_count = ")
		if !ok {
			return nil, pos, errors.ErrBadFs.WithMessage("unknown stripe_count")
		}
		pos = next
		if nodeCount != 1 {
			stripeSize, next, ok := getValue(text, pos, "stripe_size = ")
			if !ok {
				return nil, pos, errors.ErrBadFs.WithMessage("unknown stripe_size")
			}
			seg.StripeSize = stripeSize
			pos = next
		}

		idx := strings.Index(text[pos:], "stripes = [")
		if idx < 0 {
			return nil, pos, errors.ErrBadFs.WithMessage("unknown stripes")
		}
		pos += idx + len("stripes = [")

		for j := uint64(0); j < nodeCount; j++ {
			name, next, ok := quotedField(text, pos)
			if !ok {
				break
			}
			pos = next
			offset, next2, ok := getValue(text, pos, ",")
			if !ok {
				break
			}
			pos = next2
			seg.Nodes = append(seg.Nodes, Node{Name: name, Start: offset * extentSize})
		}

	case strings.HasPrefix(text[pos:], `mirror"`):
		seg.Type = SegMirror
		nodeCount, next, ok := getValue(text, pos, "mirror_count = ")
		if !ok {
			return nil, pos, errors.ErrBadFs.WithMessage("unknown mirror_count")
		}
		pos = next

		idx := strings.Index(text[pos:], "mirrors = [")
		if idx < 0 {
			return nil, pos, errors.ErrBadFs.WithMessage("unknown mirrors")
		}
		pos += idx + len("mirrors = [")

		for j := uint64(0); j < nodeCount; j++ {
			name, next, ok := quotedField(text, pos)
			if !ok {
				break
			}
			pos = next
			seg.Nodes = append(seg.Nodes, Node{Name: name})
		}
		// Only the first (original) image is trustworthy mid-pvmove.
		if isPVMove && len(seg.Nodes) > 1 {
			seg.Nodes = seg.Nodes[:1]
		}

	case isRaidType(text[pos:]):
		digit := text[pos+len("raid")]
		switch digit {
		case '1':
			seg.Type = SegMirror
		case '4':
			seg.Type = SegRAID4
			seg.Layout = RaidLayoutLeftAsymmetric
		case '5':
			seg.Type = SegRAID5
			seg.Layout = RaidLayoutLeftSymmetric
		case '6':
			seg.Type = SegRAID6
			seg.Layout = RaidLayoutRightAsymmetric | raidMulFromPos
		}
		// A RAID5/6 segment mid-pvmove is unsupported: skip the LV.
		if isPVMove && (seg.Type == SegRAID5 || seg.Type == SegRAID6) {
			return nil, pos, nil
		}

		nodeCount, next, ok := getValue(text, pos, "device_count = ")
		if !ok {
			return nil, pos, errors.ErrBadFs.WithMessage("unknown device_count")
		}
		pos = next

		if seg.Type != SegMirror {
			stripeSize, next, ok := getValue(text, pos, "stripe_size = ")
			if !ok {
				return nil, pos, errors.ErrBadFs.WithMessage("unknown stripe_size")
			}
			seg.StripeSize = stripeSize
			pos = next
		}

		idx := strings.Index(text[pos:], "raids = [")
		if idx < 0 {
			return nil, pos, errors.ErrBadFs.WithMessage("unknown raids")
		}
		pos += idx + len("raids = [")

		for j := uint64(0); j < nodeCount; j++ {
			// Each raids[] entry carries a leading quoted field the source
			// discards (left NULL for a missing/unused member) before the
			// member name.
			_, next, ok := quotedField(text, pos)
			if !ok {
				break
			}
			name, next2, ok := quotedField(text, next)
			if !ok {
				break
			}
			pos = next2
			seg.Nodes = append(seg.Nodes, Node{Name: name})
		}

		if seg.Type == SegRAID4 && len(seg.Nodes) > 1 {
			first := seg.Nodes[0]
			copy(seg.Nodes, seg.Nodes[1:])
			seg.Nodes[len(seg.Nodes)-1] = first
		}

	default:
		return nil, pos, nil
	}

	return seg, pos, nil
}

func isRaidType(s string) bool {
	if !strings.HasPrefix(s, "raid") {
		return false
	}
	if len(s) < len("raidX\"") {
		return false
	}
	d := s[len("raid")]
	if !((d >= '4' && d <= '6') || d == '1') {
		return false
	}
	return s[len("raidX")] == '"'
}

func skipSpace(s string, pos int) int {
	for pos < len(s) && isSpace(s[pos]) {
		pos++
	}
	return pos
}

// resolveNodes matches each segment node's name against the VG's PVs first,
// then its LVs, the same two-pass resolution as holy_lvm_detect's final
// block. A node matching neither is left unresolved and excluded from reads.
func resolveNodes(vg *VG) {
	for li := range vg.LVs {
		lv := &vg.LVs[li]
		for si := range lv.Segments {
			seg := &lv.Segments[si]
			for ni := range seg.Nodes {
				n := &seg.Nodes[ni]
				if idx := vg.findPVByName(n.Name); idx >= 0 {
					n.Kind = NodePV
					n.Index = idx
					continue
				}
				if idx := vg.findLVByName(n.Name); idx >= 0 {
					n.Kind = NodeLV
					n.Index = idx
				}
			}
		}
	}
}
