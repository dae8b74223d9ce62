package soft

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/achilleasa/raygraph/backend"
)

var (
	versionRegex = regexp.MustCompile(`^\.version\s+\d+\.\d+`)
	entryRegex   = regexp.MustCompile(`\.entry\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
)

// Validate module source and collect its entry point symbols.
//
// The source must start with a .version directive and contain balanced
// braces. Line comments are ignored.
func compileSource(source string) (map[string]bool, error) {
	var (
		diag       []string
		symbols    = make(map[string]bool)
		depth      int
		lineNum    int
		sawVersion bool
	)

	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), len(source)+1)
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.Index(line, "//"); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !sawVersion {
			if !versionRegex.MatchString(line) {
				diag = append(diag, fmt.Sprintf("line %d: expected .version directive", lineNum))
				break
			}
			sawVersion = true
			continue
		}

		for _, match := range entryRegex.FindAllStringSubmatch(line, -1) {
			if symbols[match[1]] {
				diag = append(diag, fmt.Sprintf("line %d: duplicate entry point %q", lineNum, match[1]))
			}
			symbols[match[1]] = true
		}

		for _, r := range line {
			switch r {
			case '{':
				depth++
			case '}':
				depth--
				if depth < 0 {
					diag = append(diag, fmt.Sprintf("line %d: unexpected '}'", lineNum))
					depth = 0
				}
			}
		}
	}

	if !sawVersion && len(diag) == 0 {
		diag = append(diag, "empty module: expected .version directive")
	}
	if depth != 0 {
		diag = append(diag, fmt.Sprintf("unexpected end of input: %d unclosed '{'", depth))
	}

	if len(diag) != 0 {
		return nil, &backend.CompileError{Log: strings.Join(diag, "\n")}
	}
	return symbols, nil
}
