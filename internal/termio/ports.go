package termio

import (
	"fmt"
	"regexp"
	"strconv"
)

// MinDetectedPort is the lowest port reported by PortScanner.
const MinDetectedPort = 1024

var portRe = regexp.MustCompile(`(?:https?://)?(?:localhost|127\.0\.0\.1):(\d{2,5})`)

// DetectedPort is a port found in terminal output, with the URL to open it.
type DetectedPort struct {
	Port uint16
	URL  string
}

// PortScanner finds localhost ports in already-stripped text and reports each
// port once. It is owned by a single reader goroutine and is not safe for
// concurrent use.
type PortScanner struct {
	seen map[uint16]struct{}
}

// NewPortScanner returns a scanner with an empty seen-set.
func NewPortScanner() *PortScanner {
	return &PortScanner{seen: make(map[uint16]struct{})}
}

// Scan returns ports in text that are >= MinDetectedPort and have not been
// returned before, in order of appearance.
func (p *PortScanner) Scan(text string) []DetectedPort {
	var out []DetectedPort
	for _, m := range portRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.ParseUint(m[1], 10, 16)
		if err != nil || n < MinDetectedPort {
			continue
		}
		port := uint16(n)
		if _, dup := p.seen[port]; dup {
			continue
		}
		p.seen[port] = struct{}{}
		out = append(out, DetectedPort{Port: port, URL: fmt.Sprintf("http://localhost:%d", port)})
	}
	return out
}
