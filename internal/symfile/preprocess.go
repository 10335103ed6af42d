package symfile

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Preprocess parses upstream Breakpad symbol text and emits the compact
// "DiskCache v.1" preprocessed form: a header line followed by
// "{hex address} {symbol}\n" lines sorted by address descending. id is used
// only for log messages (typically "libName/breakpadId/fileName").
//
// Only PUBLIC and FUNC lines are consulted. PUBLIC wins over FUNC at the
// same address (original: "Prioritize PUBLIC symbols over FUNC ones").
// Malformed lines are logged and skipped; they never abort the parse.
func Preprocess(upstream []byte, id string) []byte {
	public := make(map[uint64]string)
	fn := make(map[uint64]string)

	scanner := bufio.NewScanner(bytes.NewReader(upstream))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		switch {
		case strings.HasPrefix(line, "PUBLIC "):
			fields := strings.SplitN(line, " ", 4)
			if len(fields) < 4 {
				warnShortLine(id, "PUBLIC", lineNum)
				continue
			}
			addr, err := strconv.ParseUint(fields[1], 16, 64)
			if err != nil {
				warnShortLine(id, "PUBLIC", lineNum)
				continue
			}
			public[addr] = fields[3]
		case strings.HasPrefix(line, "FUNC "):
			fields := strings.SplitN(line, " ", 5)
			if len(fields) < 5 {
				warnShortLine(id, "FUNC", lineNum)
				continue
			}
			addr, err := strconv.ParseUint(fields[1], 16, 64)
			if err != nil {
				warnShortLine(id, "FUNC", lineNum)
				continue
			}
			fn[addr] = fields[4]
		}
	}

	// Merge: start from FUNC, overwrite with PUBLIC.
	merged := fn
	for addr, name := range public {
		merged[addr] = name
	}

	addrs := make([]uint64, 0, len(merged))
	for addr := range merged {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] > addrs[j] })

	var buf bytes.Buffer
	buf.WriteString(Header)
	buf.WriteByte('\n')
	for _, addr := range addrs {
		fmt.Fprintf(&buf, "%s %s\n", hexAddr(addr), merged[addr])
	}
	return buf.Bytes()
}

func hexAddr(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}
