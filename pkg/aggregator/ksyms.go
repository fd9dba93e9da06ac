package aggregator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// SymbolTable is a sorted association from instruction-pointer address to
// the name of the kernel function beginning at or before that address,
// loaded once at startup from /proc/kallsyms.
type SymbolTable struct {
	addrs []uint64
	names []string
}

// LoadKernelSymbols reads /proc/kallsyms in the format "<addr> <type>
// <name> [module]" and builds a SymbolTable.
func LoadKernelSymbols() (*SymbolTable, error) {
	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return nil, fmt.Errorf("open /proc/kallsyms: %w", err)
	}
	defer f.Close()
	return ParseKernelSymbols(f)
}

// ParseKernelSymbols parses the /proc/kallsyms text format from r. Split
// out from LoadKernelSymbols so tests can feed a fixed symbol listing.
func ParseKernelSymbols(r io.Reader) (*SymbolTable, error) {
	type entry struct {
		addr uint64
		name string
	}
	var entries []entry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil || addr == 0 {
			continue
		}
		entries = append(entries, entry{addr: addr, name: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan kernel symbols: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].addr < entries[j].addr })

	tbl := &SymbolTable{
		addrs: make([]uint64, len(entries)),
		names: make([]string, len(entries)),
	}
	for i, e := range entries {
		tbl.addrs[i] = e.addr
		tbl.names[i] = e.name
	}
	return tbl, nil
}

// Resolve returns the name of the symbol at or immediately before ip. A
// symbol-lookup miss (empty table, or ip before the first known symbol)
// returns ok=false; the stack-filter rules must then evaluate as if the
// symbol were absent.
func (t *SymbolTable) Resolve(ip uint64) (string, bool) {
	if t == nil || len(t.addrs) == 0 {
		return "", false
	}
	// nearest-not-greater: last index whose addr <= ip
	i := sort.Search(len(t.addrs), func(i int) bool { return t.addrs[i] > ip })
	if i == 0 {
		return "", false
	}
	return t.names[i-1], true
}
