package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

// progressReader counts bytes as the upload machine reads them from the
// source and, on a terminal, prints a single overwritten status line. The
// line is written synchronously from Read, at most once every 200ms.
type progressReader struct {
	io.Reader
	read     atomic.Uint64
	total    int64 // -1 when unknown, e.g. reading from stdin
	filename string
	enabled  bool
	last     time.Time
}

func newProgressReader(r io.Reader, filename string, total int64) *progressReader {
	return &progressReader{
		Reader:   r,
		total:    total,
		filename: filename,
		enabled:  isatty.IsTerminal(os.Stderr.Fd()),
	}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.Reader.Read(buf)
	if n > 0 {
		p.read.Add(uint64(n))
		p.maybePrint()
	}
	if err == io.EOF {
		p.finish()
	}
	return n, err
}

func (p *progressReader) maybePrint() {
	if !p.enabled {
		return
	}
	now := time.Now()
	if !p.last.IsZero() && now.Sub(p.last) < 200*time.Millisecond {
		return
	}
	p.last = now
	p.print()
}

func (p *progressReader) print() {
	read := p.read.Load()
	if p.total > 0 {
		fmt.Fprintf(os.Stderr, "\r%s: %s / %s", p.filename, humanize.Bytes(read), humanize.Bytes(uint64(p.total)))
		return
	}
	fmt.Fprintf(os.Stderr, "\r%s: %s", p.filename, humanize.Bytes(read))
}

func (p *progressReader) finish() {
	if !p.enabled {
		return
	}
	p.print()
	fmt.Fprintln(os.Stderr)
}
