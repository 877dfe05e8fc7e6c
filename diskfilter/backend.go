package diskfilter

import (
	"strings"

	"github.com/jmason/grubcore/disk"
	"github.com/jmason/grubcore/errors"
)

// Backend is the disk.Backend for LVM2-backed logical volumes. It owns the
// arena of volume groups discovered so far across however many physical
// volumes have been probed, and opens member disks on demand through an
// opener (ordinarily the runtime's core.Core) to service reads.
type Backend struct {
	opener diskOpener
	vgs    []*VG
}

// NewBackend returns a Backend that opens member disks through opener.
func NewBackend(opener diskOpener) *Backend {
	return &Backend{opener: opener}
}

func (b *Backend) Name() string      { return "lvm" }
func (b *Backend) DevID() disk.DevID { return disk.DevDiskFilter }

// Iterate reports every visible LV's canonical "lvm/<vg>-<lv>" name.
func (b *Backend) Iterate(_ disk.PullStage, visit func(name string) bool) {
	for _, vg := range b.vgs {
		for j := range vg.LVs {
			lv := &vg.LVs[j]
			if !lv.Visible {
				continue
			}
			if visit(lv.FullName) {
				return
			}
		}
	}
}

// ProbePV reads pvDiskName (already opened as pvDisk) looking for an LVM2
// label. If found, its volume group's metadata is parsed and merged into the
// registry (a VG already known by UUID is left alone — duplicate-VG
// detection by UUID, per spec.md §4.3's shared-resource policy) and the
// matching PV's diskName is bound so later reads know what to open.
func (b *Backend) ProbePV(pvDisk *disk.Disk, pvDiskName string) error {
	lh, labelBuf, err := findLabel(pvDisk)
	if err != nil {
		return err
	}

	pvUUID := formatPVUUID(labelBuf[lh.OffsetXL : lh.OffsetXL+idLen])

	const pvHeaderUUIDLen = idLen
	pvh := labelBuf[lh.OffsetXL:]
	deviceSizeOff := pvHeaderUUIDLen + 8
	locn0 := pvh[deviceSizeOff : deviceSizeOff+16]
	locn1 := pvh[deviceSizeOff+16 : deviceSizeOff+32]
	locn2 := pvh[deviceSizeOff+32 : deviceSizeOff+48]
	_ = locn0 // data area, unused: filesystem code reads through the PV disk directly

	if leU64(locn1) != 0 {
		return errors.ErrNotImplemented.WithMessage("multiple LVM data areas are not supported")
	}
	mdaOffset := leU64(locn2[:8])
	mdaSize := leU64(locn2[8:])

	text, err := readMetadataText(pvDisk, mdaOffset, mdaSize)
	if err != nil {
		return err
	}

	vgUUID, err := peekVGUUID(text)
	if err != nil {
		return err
	}

	vg := b.findVGByUUID(vgUUID)
	if vg == nil {
		parsed, err := parseVG(text)
		if err != nil {
			return err
		}
		b.vgs = append(b.vgs, parsed)
		vg = parsed
	}

	if idx := vg.findPVByUUID(pvUUID); idx >= 0 {
		vg.PVs[idx].diskName = pvDiskName
	}
	return nil
}

// ScanAll opens every name reg's backends can see (standard-media pull stage
// only) and probes each as a candidate PV, ignoring any that aren't LVM
// members. It's the coarse equivalent of the source material's whole-device
// diskfilter scan that runs before a "lvm/..." name can be opened.
func (b *Backend) ScanAll(reg *disk.Registry) error {
	var names []string
	reg.ForEach(func(be disk.Backend) bool {
		be.Iterate(disk.PullStageNone, func(name string) bool {
			names = append(names, name)
			return false
		})
		return false
	})

	for _, name := range names {
		d, err := b.opener.Open(name)
		if err != nil {
			continue
		}
		_ = b.ProbePV(d, name)
		b.opener.Close(d)
	}
	return nil
}

func (vg *VG) findPVByUUID(uuid string) int {
	for i := range vg.PVs {
		if vg.PVs[i].UUID == uuid {
			return i
		}
	}
	return -1
}

func (b *Backend) findVGByUUID(uuid string) *VG {
	for _, vg := range b.vgs {
		if vg.UUID == uuid {
			return vg
		}
	}
	return nil
}

func (b *Backend) findLV(name string) (*VG, *LV) {
	for _, vg := range b.vgs {
		for j := range vg.LVs {
			lv := &vg.LVs[j]
			if lv.FullName == name || lv.IDName == name {
				return vg, lv
			}
		}
	}
	return nil, nil
}

// openLV is the per-Disk.Data state for an opened logical volume: which
// VG/LV it resolves to, and a cache of already-opened member disks keyed by
// node name so a multi-segment read doesn't reopen the same PV repeatedly.
type openLV struct {
	vg       *VG
	lv       *LV
	children map[string]*disk.Disk
}

func (b *Backend) Open(name string, d *disk.Disk) error {
	if !strings.HasPrefix(name, "lvm/") && !strings.HasPrefix(name, "lvmid/") {
		return errors.ErrUnknownDevice.WithMessage("not an LVM name")
	}
	vg, lv := b.findLV(name)
	if lv == nil {
		return errors.ErrUnknownDevice.WithMessage("no such logical volume `" + name + "'")
	}
	d.TotalSectors = lv.Size
	d.LogSectorSize = 9
	d.Data = &openLV{vg: vg, lv: lv, children: make(map[string]*disk.Disk)}
	return nil
}

func (b *Backend) Close(d *disk.Disk) {
	ol, ok := d.Data.(*openLV)
	if !ok {
		return
	}
	for _, child := range ol.children {
		b.opener.Close(child)
	}
	d.Data = nil
}

func (b *Backend) childDisk(ol *openLV, node *Node) (*disk.Disk, error) {
	if node.Kind == NodeUnresolved {
		return nil, errors.ErrIo.WithMessage("unresolved LVM segment member `" + node.Name + "'")
	}
	if cached, ok := ol.children[node.Name]; ok {
		return cached, nil
	}

	var openName string
	switch node.Kind {
	case NodePV:
		pv := &ol.vg.PVs[node.Index]
		if pv.diskName == "" {
			return nil, errors.ErrUnknownDevice.WithMessage("PV `" + pv.Name + "' was never probed")
		}
		openName = pv.diskName
	case NodeLV:
		openName = ol.vg.LVs[node.Index].FullName
	}

	child, err := b.opener.Open(openName)
	if err != nil {
		return nil, err
	}
	ol.children[node.Name] = child
	return child, nil
}

func (b *Backend) Read(d *disk.Disk, sectorHW uint64, countHW uint, buf []byte) error {
	ol := d.Data.(*openLV)
	cur := sectorHW
	remaining := countHW
	bufOff := uint(0)

	for remaining > 0 {
		node, childSector, runLen, err := locate(ol.vg, ol.lv, cur)
		if err != nil {
			return err
		}
		n := runLen
		if uint64(remaining) < n {
			n = uint64(remaining)
		}

		child, err := b.childDisk(ol, node)
		if err != nil {
			return err
		}
		if err := child.Read(childSector, 0, uint(n)*512, buf[bufOff:bufOff+uint(n)*512]); err != nil {
			return err
		}

		cur += n
		bufOff += uint(n) * 512
		remaining -= uint(n)
	}
	return nil
}

func (b *Backend) Write(*disk.Disk, uint64, uint, []byte) error {
	return errors.ErrNotImplemented.WithMessage("LVM write support is out of scope")
}

func leU64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
