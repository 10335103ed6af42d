// Package symfile implements the SymFile codec (spec §4.1): parsing
// upstream Breakpad-style symbol text into the compact "DiskCache v.1"
// preprocessed form, and looking up offset→symbol in either form.
//
// Grounded on original_source/snappy/DiskCache_DiskCache.py's makeSymMap and
// readSymbols, which this package reproduces semantics-for-semantics (the
// line formats, the PUBLIC-wins-on-tie rule, the descending address sort).
package symfile

import (
	"strings"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
)

// Header is the literal first line of a preprocessed symbol file.
const Header = "DiskCache v.1"

// ModuleName rewrites a libName into its on-disk symbol file name: a ".pdb"
// suffix is stripped and replaced with ".sym"; otherwise ".sym" is appended.
func ModuleName(libName string) string {
	if strings.HasSuffix(libName, ".pdb") {
		return strings.TrimSuffix(libName, ".pdb") + ".sym"
	}
	return libName + ".sym"
}

// RelPath returns the on-disk relative path of a symbol file:
// libName/breakpadID/symbolFileName. libName here is the original,
// un-rewritten name — only the filename component is rewritten.
func RelPath(libName, breakpadID, symbolFileName string) string {
	return libName + "/" + breakpadID + "/" + symbolFileName
}

// warnShortLine logs a malformed line; id mirrors the
// "{}/{}/{}".format(libName, breakpadId, symbolFilename) identifier the
// original logs with.
func warnShortLine(id, kind string, lineNum int) {
	applog.Warnf(id, "%s line %d has too few fields", kind, lineNum)
}
