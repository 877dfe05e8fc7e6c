package diskfilter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func vgID(n byte) string {
	raw := make([]byte, idLen)
	for i := range raw {
		raw[i] = 'a' + n
	}
	return formatPVUUID(raw)
}

func TestParseVGStripedSingleNode(t *testing.T) {
	id0 := vgID(0)
	text := "myvg id = \"" + id0 + "\" seqno = 3 extent_size = 8192\n" +
		"physical_volumes {\n" +
		"pv0 id = \"" + vgID(1) + "\" pe_start = 384\n}\n" +
		"}\n" +
		"logical_volumes {\n" +
		"lv0 status = [\"READ\", \"WRITE\", \"VISIBLE\"]\n" +
		"id = \"" + vgID(2) + "\"\n" +
		"segment_count = 1\n" +
		"segment1 {\nstart_extent = 0\nextent_count = 16\ntype = \"striped\"\n" +
		"stripe_count = 1\n" +
		"stripes = [\n\"pv0\", 0\n]\n}\n}\n}\n"

	vg, err := parseVG(text)
	require.NoError(t, err)
	require.Equal(t, "myvg", vg.Name)
	require.Equal(t, id0, vg.UUID)
	require.Equal(t, uint64(8192), vg.ExtentSize)
	require.Len(t, vg.PVs, 1)
	require.Equal(t, "pv0", vg.PVs[0].Name)
	require.Equal(t, uint64(384), vg.PVs[0].StartPE)
	require.Len(t, vg.LVs, 1)
	lv := vg.LVs[0]
	require.True(t, lv.Visible)
	require.Equal(t, "lvm/myvg-lv0", lv.FullName)
	require.Len(t, lv.Segments, 1)
	seg := lv.Segments[0]
	require.Equal(t, SegStriped, seg.Type)
	require.Len(t, seg.Nodes, 1)
	require.Equal(t, NodePV, seg.Nodes[0].Kind)
	require.Equal(t, uint64(0), seg.Nodes[0].Start)
}

func TestParseVGStripedTwoNodes(t *testing.T) {
	text := "vg2 id = \"" + vgID(3) + "\" extent_size = 8\n" +
		"physical_volumes {\n" +
		"pv0 id = \"" + vgID(4) + "\" pe_start = 0\n}\n" +
		"pv1 id = \"" + vgID(5) + "\" pe_start = 0\n}\n" +
		"}\n" +
		"logical_volumes {\n" +
		"lv0 status = [\"VISIBLE\"]\n" +
		"id = \"" + vgID(6) + "\"\n" +
		"segment_count = 1\n" +
		"segment1 {\nstart_extent = 0\nextent_count = 16\ntype = \"striped\"\n" +
		"stripe_count = 2\nstripe_size = 4\n" +
		"stripes = [\n\"pv0\", 0,\n\"pv1\", 0\n]\n}\n}\n}\n"

	vg, err := parseVG(text)
	require.NoError(t, err)
	require.Len(t, vg.LVs[0].Segments[0].Nodes, 2)
	require.Equal(t, uint64(4), vg.LVs[0].Segments[0].StripeSize)
}

func TestUnknownSegmentTypeSkipsLVButKeepsVG(t *testing.T) {
	text := "vg3 id = \"" + vgID(7) + "\" extent_size = 8\n" +
		"logical_volumes {\n" +
		"bad status = [\"VISIBLE\"]\n" +
		"id = \"" + vgID(8) + "\"\n" +
		"segment_count = 1\n" +
		"segment1 {\nstart_extent = 0\nextent_count = 4\ntype = \"thin\"\n}\n" +
		"}\n}\n"

	vg, err := parseVG(text)
	require.NoError(t, err)
	require.Empty(t, vg.LVs)
}

func TestGetValue(t *testing.T) {
	v, _, ok := getValue("extent_size = 1234 foo", 0, "extent_size = ")
	require.True(t, ok)
	require.Equal(t, uint64(1234), v)

	_, _, ok = getValue("nothing here", 0, "extent_size = ")
	require.False(t, ok)
}

func TestCheckFlag(t *testing.T) {
	text := `status = ["READ", "WRITE", "VISIBLE"]`
	require.True(t, checkFlag(text, 0, "status", "VISIBLE"))
	require.False(t, checkFlag(text, 0, "status", "PVMOVE"))
}
