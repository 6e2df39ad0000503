package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/srg/blelink/internal/groutine"
	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows "<prefix> (<phase> Ns)" on one terminal line.
//
// It is a no-op unless w is a terminal, so piped output and tests stay clean.
// A printer is single-use: Start once, Stop any number of times.
type ProgressPrinter struct {
	w        io.Writer
	prefix   string
	phase    atomic.Value // string
	duration time.Duration
	enabled  bool
	width    int // terminal columns, 0 when unknown

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewProgressPrinter counts elapsed seconds.
func NewProgressPrinter(w io.Writer, prefix, phase string) *ProgressPrinter {
	return NewCountdownProgressPrinter(w, prefix, phase, 0)
}

// NewCountdownProgressPrinter counts down from duration. A zero duration counts up.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	p := &ProgressPrinter{
		w:        w,
		prefix:   prefix,
		duration: duration,
		enabled:  isTerminal(w),
		done:     make(chan struct{}),
	}
	if p.enabled {
		if cols, _, err := term.GetSize(int(w.(*os.File).Fd())); err == nil {
			p.width = cols
		}
	}
	p.phase.Store(phase)
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func (p *ProgressPrinter) Start() {
	if !p.enabled {
		close(p.done)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	start := time.Now()
	p.print(0)

	groutine.Go(ctx, "cli-progress", func(ctx context.Context) {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start)
				seconds := int(elapsed.Seconds())
				if p.duration > 0 {
					remaining := p.duration - elapsed
					seconds = 0
					if remaining > 0 {
						// round to the nearest second
						seconds = int(remaining.Seconds() + 0.5)
					}
				}
				p.print(seconds)
			}
		}
	})
}

// SetPhase replaces the phase shown after the prefix. Safe from any goroutine.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

func (p *ProgressPrinter) print(seconds int) {
	phase := p.phase.Load().(string)
	line := fmt.Sprintf("%s (%s...)", p.prefix, phase)
	if seconds > 0 {
		line = fmt.Sprintf("%s (%s %ds)", p.prefix, phase, seconds)
	}
	fmt.Fprint(p.w, "\r"+fitLine(line+"   ", p.width))
}

// fitLine cuts line so it never wraps; a wrapped line cannot be rewritten with \r.
func fitLine(line string, width int) string {
	if width <= 0 {
		return line
	}
	runes := []rune(line)
	if len(runes) < width {
		return line
	}
	return string(runes[:width-1])
}

// Stop ends the display and clears the line.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			return
		}
		p.cancel()
		<-p.done
		fmt.Fprint(p.w, clearLineSequence)
	})
}
