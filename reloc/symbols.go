package reloc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// SymbolTable resolves names exported by the resident kernel.
type SymbolTable interface {
	Resolve(name string) (uint64, bool)
}

// Symbols is a SymbolTable backed by a map.
type Symbols map[string]uint64

func (s Symbols) Resolve(name string) (uint64, bool) {
	addr, ok := s[name]
	return addr, ok
}

// ParseSymbols reads "<hex address> <name>" lines. Blank lines and lines
// starting with '#' are skipped.
func ParseSymbols(r io.Reader) (Symbols, error) {
	out := Symbols{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("symbols line %d: expected \"<address> <name>\", got %q", line, text)
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("symbols line %d: %w", line, err)
		}
		out[fields[1]] = addr
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read symbols: %w", err)
	}
	return out, nil
}
