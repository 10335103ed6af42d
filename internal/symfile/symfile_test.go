package symfile_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/symfile"
)

func TestModuleName(t *testing.T) {
	assert.Equal(t, "xul.sym", symfile.ModuleName("xul.pdb"))
	assert.Equal(t, "xul.so.sym", symfile.ModuleName("xul.so"))
}

func TestRelPath(t *testing.T) {
	assert.Equal(t, "xul.pdb/ABCD1234/xul.sym", symfile.RelPath("xul.pdb", "ABCD1234", "xul.sym"))
}

const rawSymbolFile = `MODULE windows x86_64 44E4EC8C2F41492B9369D6B9A059577C2 xul.pdb
FUNC 1000 10 0 firstFunc
PUBLIC 1000 0 firstFuncPublic
FUNC 2000 10 0 secondFunc
PUBLIC 3000 0 thirdFuncPublic
`

func TestPreprocess(t *testing.T) {
	out := symfile.Preprocess([]byte(rawSymbolFile), "test")
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	require.Equal(t, symfile.Header, lines[0])
	// descending address order: 0x3000, 0x2000, 0x1000
	require.Len(t, lines, 4)
	assert.Equal(t, "0x3000 thirdFuncPublic", lines[1])
	assert.Equal(t, "0x2000 secondFunc", lines[2])
	assert.Equal(t, "0x1000 firstFuncPublic", lines[3]) // PUBLIC wins over FUNC at 0x1000
}

func TestPreprocessSkipsMalformedLines(t *testing.T) {
	input := "PUBLIC short\nFUNC zzzz 10 0 bad\nPUBLIC 500 0 good\n"
	out := symfile.Preprocess([]byte(input), "test")
	assert.Contains(t, string(out), "0x500 good")
}

func TestLookupPreprocessed(t *testing.T) {
	data := symfile.Preprocess([]byte(rawSymbolFile), "test")
	symbols := symfile.Lookup(bytes.NewReader(data), []uint64{0x1000, 0x1500, 0x2500, 0x3000}, "test")

	assert.Equal(t, "firstFuncPublic", symbols[0x1000])
	assert.Equal(t, "firstFuncPublic", symbols[0x1500], "offset between two known addresses resolves to the lower one")
	assert.Equal(t, "secondFunc", symbols[0x2500])
	assert.Equal(t, "thirdFuncPublic", symbols[0x3000])
}

func TestLookupRaw(t *testing.T) {
	symbols := symfile.Lookup(strings.NewReader(rawSymbolFile), []uint64{0x1000, 0x1800, 0x3500}, "test")

	assert.Equal(t, "firstFuncPublic", symbols[0x1000], "PUBLIC wins over FUNC at the same address")
	assert.Equal(t, "firstFuncPublic", symbols[0x1800])
	assert.Equal(t, "thirdFuncPublic", symbols[0x3500])
}

func TestLookupUnrecognizedFormat(t *testing.T) {
	symbols := symfile.Lookup(strings.NewReader("not a symbol file\n"), []uint64{0x1000}, "test")
	assert.Empty(t, symbols)
}

func TestPreprocessThenLookupMatchesRawLookup(t *testing.T) {
	offsets := []uint64{0x1000, 0x1800, 0x2000, 0x3000}

	preprocessed := symfile.Preprocess([]byte(rawSymbolFile), "test")
	fromPreprocessed := symfile.Lookup(bytes.NewReader(preprocessed), offsets, "test")
	fromRaw := symfile.Lookup(strings.NewReader(rawSymbolFile), offsets, "test")

	assert.Equal(t, fromRaw, fromPreprocessed)
}
