package symfile

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
)

// Lookup resolves offset→symbol over an open symbol file stream, dispatching
// on the first line: the "DiskCache v.1" preprocessed form, a raw "MODULE "
// Breakpad file, or anything else (logged as an error, no symbols
// returned). id is used only for log messages.
//
// A malformed line is skipped rather than aborting the whole lookup —
// per-frame symbolication failures must never fail the surrounding request
// (spec §4.1, §7). In a raw file, PUBLIC/FUNC lines with too few fields are
// logged; lines whose address does not parse, in either form, are skipped
// without a log line.
func Lookup(r io.Reader, offsets []uint64, id string) map[uint64]string {
	symbols := make(map[uint64]string)
	if len(offsets) == 0 {
		return symbols
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return symbols
	}
	first := strings.TrimRight(scanner.Text(), "\r\n")

	switch {
	case first == Header:
		lookupPreprocessed(scanner, offsets, symbols)
	case strings.HasPrefix(first, "MODULE "):
		lookupRaw(scanner, offsets, symbols, id)
	default:
		applog.Errorf(id, "unrecognizable type of symbol file (first line: %q)", first)
	}
	return symbols
}

// lookupPreprocessed implements the descending merge-scan: offsets sorted
// descending, addresses scanned descending (the file is already sorted that
// way), each address consumes every pending offset it is <= to.
func lookupPreprocessed(scanner *bufio.Scanner, offsets []uint64, symbols map[uint64]string) {
	sorted := append([]uint64(nil), offsets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	idx := 0
	nextOffset := sorted[idx]
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			continue
		}
		addr, err := strconv.ParseUint(line[:sp], 0, 64)
		if err != nil {
			continue
		}
		symbol := line[sp+1:]
		for addr <= nextOffset {
			symbols[nextOffset] = symbol
			idx++
			if idx >= len(sorted) {
				return
			}
			nextOffset = sorted[idx]
		}
	}
}

type rawTarget struct {
	offset  uint64
	closest uint64
	found   bool
	// publicAtClosest records whether the current closest match came from
	// a PUBLIC line, so a FUNC line at the exact same address never
	// overwrites it (PUBLIC wins on equal address, per spec §9).
	publicAtClosest bool
}

// lookupRaw implements the single-pass raw-mode scan: for every requested
// offset, track the largest address <= offset seen so far, with PUBLIC
// winning over FUNC at an identical address.
func lookupRaw(scanner *bufio.Scanner, offsets []uint64, symbols map[uint64]string, id string) {
	targets := make([]*rawTarget, len(offsets))
	for i, o := range offsets {
		targets[i] = &rawTarget{offset: o}
	}

	lineNum := 1
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		var addr uint64
		var symbol string
		var isPublic bool
		switch {
		case strings.HasPrefix(line, "PUBLIC "):
			fields := strings.SplitN(line, " ", 4)
			if len(fields) < 4 {
				warnShortLine(id, "PUBLIC", lineNum)
				continue
			}
			a, err := strconv.ParseUint(fields[1], 16, 64)
			if err != nil {
				continue
			}
			addr, symbol, isPublic = a, fields[3], true
		case strings.HasPrefix(line, "FUNC "):
			fields := strings.SplitN(line, " ", 5)
			if len(fields) < 5 {
				warnShortLine(id, "FUNC", lineNum)
				continue
			}
			a, err := strconv.ParseUint(fields[1], 16, 64)
			if err != nil {
				continue
			}
			addr, symbol, isPublic = a, fields[4], false
		default:
			continue
		}

		for _, t := range targets {
			if addr > t.offset {
				continue
			}
			switch {
			case !t.found || addr > t.closest:
				t.closest, t.found, t.publicAtClosest = addr, true, isPublic
				symbols[t.offset] = symbol
			case addr == t.closest && isPublic && !t.publicAtClosest:
				t.publicAtClosest = true
				symbols[t.offset] = symbol
			}
		}
	}
}
