package forecast

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Progress accumulates per-channel processed counts. Counts only grow. It is
// safe for concurrent use.
type Progress struct {
	prefix  string
	out     io.Writer
	printer *message.Printer

	mu     sync.Mutex
	order  []string
	counts map[string]int
	total  int
}

// NewProgress creates a Progress. Channel names lose displayPrefix when shown
// ("Amazon.com" becomes "com"). When out is non-nil the progress line is
// redrawn on every Record.
func NewProgress(out io.Writer, displayPrefix string) *Progress {
	return &Progress{
		prefix:  displayPrefix,
		out:     out,
		printer: message.NewPrinter(language.English),
		counts:  make(map[string]int),
	}
}

// DisplayChannel strips the display prefix from channel.
func (p *Progress) DisplayChannel(channel string) string {
	if p.prefix == "" {
		return channel
	}
	return strings.TrimPrefix(channel, p.prefix)
}

// Record counts one processed entity of channel.
func (p *Progress) Record(channel string) {
	name := p.DisplayChannel(channel)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.counts[name]; !ok {
		p.order = append(p.order, name)
	}
	p.counts[name]++
	p.total++

	if p.out != nil {
		fmt.Fprint(p.out, "\r"+p.lineLocked()) //nolint:errcheck
	}
}

// Line renders the counts in first-seen channel order, e.g. "com 12 | de 3".
func (p *Progress) Line() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineLocked()
}

func (p *Progress) lineLocked() string {
	parts := make([]string, len(p.order))
	for i, name := range p.order {
		parts[i] = p.printer.Sprintf("%s %d", name, p.counts[name])
	}
	return strings.Join(parts, " | ")
}

// Total returns the number of recorded entities.
func (p *Progress) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Snapshot returns a copy of the per-channel counts.
func (p *Progress) Snapshot() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.counts))
	for k, v := range p.counts {
		out[k] = v
	}
	return out
}

// Finish terminates the progress line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out != nil && p.total > 0 {
		fmt.Fprintln(p.out) //nolint:errcheck
	}
}
