package diskfilter

import "github.com/jmason/grubcore/errors"

// findSegment returns the segment of lv covering the LV-relative standard
// sector lvSector, and the sector's offset from the start of that segment.
func findSegment(lv *LV, vg *VG, lvSector uint64) (*Segment, uint64, error) {
	for i := range lv.Segments {
		seg := &lv.Segments[i]
		start := seg.StartExtent * vg.ExtentSize
		end := start + seg.ExtentCount*vg.ExtentSize
		if lvSector >= start && lvSector < end {
			return seg, lvSector - start, nil
		}
	}
	return nil, 0, errors.ErrOutOfRange.WithMessage("no LVM segment covers this offset")
}

// locate resolves one LV-relative sector to a node and the sector within
// that node's own address space, plus how many further sectors can be read
// from the same node without crossing a stripe or segment boundary.
func locate(vg *VG, lv *LV, lvSector uint64) (node *Node, childSector, runLen uint64, err error) {
	seg, segOff, err := findSegment(lv, vg, lvSector)
	if err != nil {
		return nil, 0, 0, err
	}
	segRemaining := seg.ExtentCount*vg.ExtentSize - segOff

	switch seg.Type {
	case SegStriped:
		if len(seg.Nodes) == 0 {
			return nil, 0, 0, errors.ErrBadFs.WithMessage("striped segment with no nodes")
		}
		if len(seg.Nodes) == 1 || seg.StripeSize == 0 {
			n := &seg.Nodes[0]
			return n, n.Start + segOff, segRemaining, nil
		}
		round := seg.StripeSize * uint64(len(seg.Nodes))
		idxInRound := segOff % round
		nodeIdx := idxInRound / seg.StripeSize
		offInStripe := idxInRound % seg.StripeSize
		roundNum := segOff / round
		n := &seg.Nodes[nodeIdx]
		return n, n.Start + roundNum*seg.StripeSize + offInStripe, seg.StripeSize - offInStripe, nil

	case SegMirror:
		n := liveMirrorNode(seg)
		if n == nil {
			return nil, 0, 0, errors.ErrIo.WithMessage("no live mirror member")
		}
		return n, segOff, segRemaining, nil

	case SegRAID4, SegRAID5, SegRAID6:
		return locateParity(seg, segOff, segRemaining)

	default:
		return nil, 0, 0, errors.ErrNotImplemented.WithMessage("unsupported LVM segment type")
	}
}

// liveMirrorNode returns the first resolved mirror member; any member is
// equally valid since they all carry the same data.
func liveMirrorNode(seg *Segment) *Node {
	for i := range seg.Nodes {
		if seg.Nodes[i].Kind != NodeUnresolved {
			return &seg.Nodes[i]
		}
	}
	return nil
}

// parityDisksFor reports how many of a RAID segment's member slots are
// parity (not data) disks: one for RAID4/5, two for RAID6.
func parityDisksFor(t SegmentType) int {
	if t == SegRAID6 {
		return 2
	}
	return 1
}

// locateParity implements the named layouts from spec.md's segment table —
// left-asymmetric (RAID4, parity fixed last), left-symmetric (RAID5),
// right-asymmetric (RAID6) — for reads against a fully healthy array.
// Reconstruction from a missing member (the source's raid5rec/raid6rec) is
// not implemented; see DESIGN.md.
func locateParity(seg *Segment, segOff, segRemaining uint64) (*Node, uint64, uint64, error) {
	n := uint64(len(seg.Nodes))
	parity := uint64(parityDisksFor(seg.Type))
	if n <= parity {
		return nil, 0, 0, errors.ErrBadFs.WithMessage("RAID segment has too few members")
	}
	dataDisks := n - parity

	chunk := segOff / seg.StripeSize
	offInStripe := segOff % seg.StripeSize
	row := chunk / dataDisks
	dataIdx := chunk % dataDisks

	var diskIdx uint64
	switch seg.Type {
	case SegRAID4:
		diskIdx = dataIdx
	case SegRAID5:
		pd := (n - 1 - row%n) % n
		diskIdx = (pd + 1 + dataIdx) % n
	case SegRAID6:
		pd := row % n
		diskIdx = dataIdx
		if pd == n-1 {
			diskIdx++
		} else if diskIdx >= pd {
			diskIdx += 2
		}
	}

	node := &seg.Nodes[diskIdx]
	childSector := row * seg.StripeSize + offInStripe
	runLen := seg.StripeSize - offInStripe
	if runLen > segRemaining {
		runLen = segRemaining
	}
	return node, childSector, runLen, nil
}
