package transport

import (
	"bytes"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// Printer backs both the parallel/LPT and USB-print port types: write-only,
// opened by printer name via the OS spooler. No corpus repo in this pack
// ships a print-spooler client library, so this talks to the POSIX `lp`
// command directly (see DESIGN.md for why that is the justified exception
// to "always reach for a library").
type Printer struct {
	base

	cfg     Config
	printer string
}

func NewPrinter() *Printer {
	return &Printer{base: newBase()}
}

func (p *Printer) Open(cfg Config) error {
	p.mu.Lock()
	if p.state != StateClosed && p.state != StateError {
		p.mu.Unlock()
		return errf(AlreadyOpen, "printer already open")
	}
	p.mu.Unlock()

	p.setState(StateOpening)
	if cfg.PortName == "" {
		p.setState(StateError)
		return errf(InvalidConfig, "printer name required")
	}
	if _, err := exec.LookPath("lp"); err != nil {
		p.setState(StateError)
		return errf(OpenFailed, "no spooler available: %v", err)
	}
	p.cfg = cfg
	p.printer = cfg.PortName
	p.setState(StateOpen)
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	p.setState(StateClosing)
	p.setState(StateClosed)
	return nil
}

// Write spools data to the named printer. Each Write is one spooler job;
// there is no partial-write semantics to preserve here since the spooler
// takes the whole job atomically.
func (p *Printer) Write(data []byte) (int, error) {
	if p.State() != StateOpen {
		return 0, errf(NotOpen, "printer not open")
	}
	cmd := exec.Command("lp", "-d", p.printer, "-o", "raw")
	cmd.Stdin = bytes.NewReader(data)
	if err := cmd.Run(); err != nil {
		p.reportError(WriteFailed, errors.Wrap(err, "lp").Error())
		return 0, errf(WriteFailed, "%v", err)
	}
	p.stats.onSend(len(data))
	return len(data), nil
}

// Read always returns Success with zero bytes: printer spoolers are
// write-only per spec.md §4.2.5.
func (p *Printer) Read(buf []byte, timeout time.Duration) (int, error) {
	if p.State() != StateOpen {
		return 0, errf(NotOpen, "printer not open")
	}
	return 0, nil
}

func (p *Printer) StartAsyncRead() error { return nil }
func (p *Printer) StopAsyncRead() error  { return nil }
func (p *Printer) Flush() error          { return nil }
func (p *Printer) Available() int        { return 0 }

// ListPrinters enumerates installed printers via the spooler's own listing,
// for UI pickers. It is the one enumeration helper the core exposes; device
// enumeration itself stays an external collaborator per spec.md §1.
func ListPrinters() ([]string, error) {
	out, err := exec.Command("lpstat", "-p").Output()
	if err != nil {
		return nil, errors.Wrap(err, "lpstat")
	}
	var names []string
	for _, line := range bytes.Split(out, []byte("\n")) {
		fields := bytes.Fields(line)
		if len(fields) >= 2 && string(fields[0]) == "printer" {
			names = append(names, string(fields[1]))
		}
	}
	return names, nil
}

var _ Transport = (*Printer)(nil)
