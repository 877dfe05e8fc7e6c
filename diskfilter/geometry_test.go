package diskfilter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func twoPVStripedVG() (*VG, *LV) {
	vg := &VG{
		Name:       "vg",
		ExtentSize: 8,
		PVs: []PV{
			{Name: "pv0", diskName: "hd0"},
			{Name: "pv1", diskName: "hd1"},
		},
	}
	lv := LV{
		Name:     "lv0",
		FullName: "lvm/vg-lv0",
		Segments: []Segment{{
			StartExtent: 0,
			ExtentCount: 16,
			Type:        SegStriped,
			StripeSize:  4,
			Nodes: []Node{
				{Name: "pv0", Kind: NodePV, Index: 0, Start: 0},
				{Name: "pv1", Kind: NodePV, Index: 1, Start: 0},
			},
		}},
	}
	vg.LVs = []LV{lv}
	return vg, &vg.LVs[0]
}

func TestLocateStripedRoundRobin(t *testing.T) {
	vg, lv := twoPVStripedVG()

	node, childSector, runLen, err := locate(vg, lv, 0)
	require.NoError(t, err)
	require.Equal(t, "pv0", node.Name)
	require.Equal(t, uint64(0), childSector)
	require.Equal(t, uint64(4), runLen)

	node, childSector, runLen, err = locate(vg, lv, 4)
	require.NoError(t, err)
	require.Equal(t, "pv1", node.Name)
	require.Equal(t, uint64(0), childSector)
	require.Equal(t, uint64(4), runLen)

	node, childSector, runLen, err = locate(vg, lv, 8)
	require.NoError(t, err)
	require.Equal(t, "pv0", node.Name)
	require.Equal(t, uint64(4), childSector)
	require.Equal(t, uint64(4), runLen)
}

func TestLocateOutOfRange(t *testing.T) {
	vg, lv := twoPVStripedVG()
	_, _, _, err := locate(vg, lv, 999)
	require.Error(t, err)
}

func TestLocateSingleNodeStriped(t *testing.T) {
	vg := &VG{Name: "vg", ExtentSize: 8, PVs: []PV{{Name: "pv0"}}}
	lv := LV{
		Name: "lv0",
		Segments: []Segment{{
			StartExtent: 0, ExtentCount: 4, Type: SegStriped,
			Nodes: []Node{{Name: "pv0", Kind: NodePV, Index: 0, Start: 100}},
		}},
	}
	vg.LVs = []LV{lv}

	node, childSector, runLen, err := locate(vg, &vg.LVs[0], 5)
	require.NoError(t, err)
	require.Equal(t, "pv0", node.Name)
	require.Equal(t, uint64(105), childSector)
	require.Equal(t, uint64(27), runLen) // 32 sectors total - 5 consumed
}

func TestLocateMirrorUsesFirstLiveNode(t *testing.T) {
	vg := &VG{Name: "vg", ExtentSize: 8, PVs: []PV{{Name: "pv0"}, {Name: "pv1"}}}
	lv := LV{
		Segments: []Segment{{
			StartExtent: 0, ExtentCount: 4, Type: SegMirror,
			Nodes: []Node{
				{Name: "pv0", Kind: NodePV, Index: 0},
				{Name: "pv1", Kind: NodePV, Index: 1},
			},
		}},
	}
	vg.LVs = []LV{lv}

	node, childSector, _, err := locate(vg, &vg.LVs[0], 10)
	require.NoError(t, err)
	require.Equal(t, "pv0", node.Name)
	require.Equal(t, uint64(10), childSector)
}

func TestLocateRAID5LeftSymmetric(t *testing.T) {
	vg := &VG{Name: "vg", ExtentSize: 1, PVs: []PV{{Name: "pv0"}, {Name: "pv1"}, {Name: "pv2"}}}
	lv := LV{
		Segments: []Segment{{
			StartExtent: 0, ExtentCount: 100, Type: SegRAID5, Layout: RaidLayoutLeftSymmetric,
			StripeSize: 4,
			Nodes: []Node{
				{Name: "pv0", Kind: NodePV, Index: 0},
				{Name: "pv1", Kind: NodePV, Index: 1},
				{Name: "pv2", Kind: NodePV, Index: 2},
			},
		}},
	}
	vg.LVs = []LV{lv}

	// Row 0: parity disk = (3-1-0%3)%3 = 2. Data index 0 maps to (2+1+0)%3=0.
	node, childSector, _, err := locate(vg, &vg.LVs[0], 0)
	require.NoError(t, err)
	require.Equal(t, "pv0", node.Name)
	require.Equal(t, uint64(0), childSector)

	// Sector 4 is chunk 1: still row 0 (two data disks a row), data index 1,
	// which maps to (2+1+1)%3=1.
	node, _, _, err = locate(vg, &vg.LVs[0], 4)
	require.NoError(t, err)
	require.Equal(t, "pv1", node.Name)
}
