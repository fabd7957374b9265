//go:build linux

package transport

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	50: unix.B50, 75: unix.B75, 110: unix.B110, 134: unix.B134,
	150: unix.B150, 200: unix.B200, 300: unix.B300, 600: unix.B600,
	1200: unix.B1200, 1800: unix.B1800, 2400: unix.B2400, 4800: unix.B4800,
	9600: unix.B9600, 19200: unix.B19200, 38400: unix.B38400,
	57600: unix.B57600, 115200: unix.B115200, 230400: unix.B230400,
}

func configureTermios(f *os.File, cfg Config) error {
	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return errors.Wrap(err, "get termios")
	}

	baud, ok := baudRates[cfg.BaudRate]
	if !ok {
		baud = unix.B9600
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= baud
	t.Ispeed = baud
	t.Ospeed = baud

	t.Cflag &^= unix.CSIZE
	switch cfg.DataBits {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}

	switch cfg.Parity {
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		t.Cflag |= unix.PARENB
		t.Cflag &^= unix.PARODD
	default:
		t.Cflag &^= (unix.PARENB | unix.PARODD)
	}

	if cfg.StopBits == StopBits2 {
		t.Cflag |= unix.CSTOPB
	} else {
		t.Cflag &^= unix.CSTOPB
	}

	if cfg.FlowControl {
		t.Cflag |= unix.CRTSCTS
	} else {
		t.Cflag &^= unix.CRTSCTS
	}

	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Lflag = 0
	t.Iflag = 0
	t.Oflag = 0

	// Non-canonical read with no byte-count trigger or inter-byte timer
	// (VMIN=VTIME=0); blocking/timeout semantics are enforced at the os.File
	// level via SetReadDeadline.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return errors.Wrap(err, "set termios")
	}
	return nil
}

func flushTermios(f *os.File) error {
	return errors.Wrap(unix.IoctlTcflush(int(f.Fd()), unix.TCIOFLUSH), "tcflush")
}

func setModemLine(f *os.File, line modemLine, on bool) error {
	fd := int(f.Fd())
	bit := unix.TIOCM_DTR
	if line == modemLineRTS {
		bit = unix.TIOCM_RTS
	}
	status, err := unix.IoctlGetInt(fd, unix.TIOCMGET)
	if err != nil {
		return errors.Wrap(err, "get modem lines")
	}
	if on {
		status |= bit
	} else {
		status &^= bit
	}
	return errors.Wrap(unix.IoctlSetPointerInt(fd, unix.TIOCMSET, status), "set modem lines")
}
