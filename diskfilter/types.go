// Package diskfilter implements the logical-volume/RAID aggregation layer:
// LVM2 metadata parsing and the segment geometries (striped, mirror, RAID4/
// 5/6) that translate a logical-volume read into reads against member
// physical volumes, themselves ordinary disks. Volume groups are modeled as
// arenas owning their PVs and LVs in slices; segments reference children by
// index into those slices rather than by pointer, so the whole group can be
// torn down or walked without an ownership cycle.
package diskfilter

import "github.com/jmason/grubcore/disk"

// SegmentType is a logical volume segment's data layout.
type SegmentType int

const (
	SegStriped SegmentType = iota
	SegMirror
	SegRAID4
	SegRAID5
	SegRAID6
)

// RaidLayout mirrors the layout flags carried on RAID4/5/6 segments; only the
// parity-rotation scheme needed to place data/parity blocks on a healthy
// array is modeled; degraded-array reconstruction is out of scope (see
// DESIGN.md).
type RaidLayout int

const (
	RaidLayoutNone RaidLayout = iota
	RaidLayoutLeftAsymmetric
	RaidLayoutLeftSymmetric
	RaidLayoutRightAsymmetric
)

// raidMulFromPos marks RAID6's Q-syndrome rotation as additionally
// multiplying from the stripe position, matching the source's
// RAID_LAYOUT_MUL_FROM_POS flag bit folded into RaidLayout by the parser.
const raidMulFromPos = 1 << 8

// NodeKind says whether a segment child resolves to a physical volume or
// another logical volume in the same group.
type NodeKind int

const (
	NodeUnresolved NodeKind = iota
	NodePV
	NodeLV
)

// Node is one child slot of a segment: either a plain linear stripe member
// (Start is in standard sectors, scaled by the volume's extent size already)
// or a mirror/RAID member, which always begins at the member's own sector 0.
type Node struct {
	Name  string
	Kind  NodeKind
	Index int // index into VG.PVs or VG.LVs, valid once Kind != NodeUnresolved
	Start uint64
}

// Segment is one contiguous run of a logical volume's extent space, given a
// single data layout.
type Segment struct {
	StartExtent uint64
	ExtentCount uint64
	Type        SegmentType
	Layout      RaidLayout
	StripeSize  uint64 // standard sectors; 0 for single-node striped segments
	Nodes       []Node
}

// LV is one logical volume: a name, a total size in standard sectors derived
// from its segments, and the ordered segment list covering its extent space.
type LV struct {
	Name     string
	FullName string // "lvm/<vgname>-<lvname>", the openable disk name
	IDName   string // "lvmid/<vguuid>/<lvuuid>"
	Visible  bool
	Segments []Segment
	Size     uint64 // standard sectors
}

// PV is one physical volume: a member disk, addressed by the name it was
// registered under (usually a partition spec like "hd0,msdos1").
type PV struct {
	Name      string
	UUID      string
	StartPE   uint64 // pe_start, standard sectors
	diskName  string
	openCount int
}

// VG is one volume group: the arena owning every PV and LV discovered across
// however many member disks have been probed so far.
type VG struct {
	Name       string
	UUID       string
	ExtentSize uint64 // standard sectors
	PVs        []PV
	LVs        []LV
}

// findPVByName returns the index of the PV named name within vg, or -1.
func (vg *VG) findPVByName(name string) int {
	for i := range vg.PVs {
		if vg.PVs[i].Name == name {
			return i
		}
	}
	return -1
}

// findLVByName returns the index of the LV named name within vg, or -1.
func (vg *VG) findLVByName(name string) int {
	for i := range vg.LVs {
		if vg.LVs[i].Name == name {
			return i
		}
	}
	return -1
}

// diskOpener abstracts the one piece of the runtime diskfilter needs to read
// member volumes: opening a disk by name. core.Core satisfies this directly.
type diskOpener interface {
	Open(name string) (*disk.Disk, error)
	Close(d *disk.Disk)
}
