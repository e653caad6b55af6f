package port

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mmr-tortoise/kproxyd/internal/model"
)

// announcementPattern matches the proxy's startup line, e.g.
//
//	Starting to serve on 127.0.0.1:8443
//
// The match is case-insensitive and captures the address as a named
// group. Only the trailing ":<port>" segment of the address is used.
var announcementPattern = regexp.MustCompile(`(?i)starting to serve on\s+(?P<address>\S+)`)

// Scanner extracts the bound port from a proxy's output stream.
//
// A Scanner instance handles exactly one discovery: Scan consumes lines
// until the first match and never rescans, so the supervisor creates a
// fresh Scanner per start attempt.
//
// Observe, when set, is invoked exactly once with the matched line,
// before Scan returns. The supervisor uses it to announce discovery
// without broadcasting the scanner-internal noise that precedes it.
type Scanner struct {
	// Observe is an optional single-shot callback fired on the matching
	// line before the port is returned.
	Observe func(line string)
}

// NewScanner creates a new Scanner with no observer.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Scan reads lines from the stream until one matches the announcement
// pattern, then parses and returns the trailing port of the captured
// address. Non-matching lines are ignored.
//
// The caller retains ownership of the bufio.Scanner: after Scan returns
// successfully, subsequent lines are still readable from it (the
// supervisor keeps draining them for status broadcasting).
//
// Returns model.ErrPortNotFound if the stream ends — process exited or
// stream closed — before any line matches.
func (s *Scanner) Scan(lines *bufio.Scanner) (int, error) {
	for lines.Scan() {
		line := lines.Text()
		m := announcementPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		address := m[announcementPattern.SubexpIndex("address")]
		p, err := parseTrailingPort(address)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", model.ErrPortNotFound, err)
		}

		if s.Observe != nil {
			s.Observe(line)
		}
		return p, nil
	}

	// Stream ended without a match. A read error and a clean EOF are the
	// same failure from the supervisor's perspective: no port.
	if err := lines.Err(); err != nil {
		return 0, fmt.Errorf("%w: reading proxy output: %v", model.ErrPortNotFound, err)
	}
	return 0, fmt.Errorf("%w: proxy output ended", model.ErrPortNotFound)
}

// parseTrailingPort extracts the numeric port from the last ":" segment
// of an address such as "127.0.0.1:8443" or "[::1]:8443".
func parseTrailingPort(address string) (int, error) {
	idx := strings.LastIndex(address, ":")
	if idx < 0 || idx == len(address)-1 {
		return 0, fmt.Errorf("address %q has no port segment", address)
	}
	p, err := strconv.Atoi(address[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("address %q has non-numeric port: %v", address, err)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("address %q port %d out of range (1-65535)", address, p)
	}
	return p, nil
}
