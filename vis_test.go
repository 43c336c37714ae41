package flashfs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/flashfs/types"
)

func TestVis(t *testing.T) {
	requireT := require.New(t)

	fs, _ := newFS(t, 4)
	writeFile(t, fs, "file", randData(t, 1000), 1000)
	st, err := fs.Stat("file")
	requireT.NoError(err)

	buf := &bytes.Buffer{}
	requireT.NoError(fs.Vis(buf))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	requireT.Len(lines, 5)
	requireT.Equal("   3 _______________ era:0", lines[3])
	requireT.True(strings.HasPrefix(lines[4], "max era:1 free blocks:3 "))

	row := lines[0][5 : 5+fs.geo.EntriesPerBlock()]
	requireT.Contains(row, string(visGlyph(st.ID.Index())))
	requireT.Contains(row, string(visGlyph(st.ID)))
	used := len(row) - strings.Count(row, "_") - strings.Count(row, "/")
	requireT.EqualValues(fs.Stats().AllocatedPages, used)
}

func TestVisGlyph(t *testing.T) {
	requireT := require.New(t)

	requireT.Equal(byte('_'), visGlyph(types.ObjectIDFree))
	requireT.Equal(byte('/'), visGlyph(types.ObjectIDDeleted))
	requireT.Equal(byte('b'), visGlyph(1))
	requireT.Equal(byte('B'), visGlyph(types.ObjectID(1).Index()))
	requireT.Equal(byte('0'), visGlyph(types.ObjectID(26).Index()))
}
