//go:build !linux

package transport

import "os"

// configureTermios has no portable implementation outside Linux in this
// tree; the port is opened with whatever line discipline the OS default
// gives it. Real deployments needing Windows serial support would add a
// serial_windows.go using the Win32 COMM API behind this same signature.
func configureTermios(f *os.File, cfg Config) error { return nil }

func flushTermios(f *os.File) error { return nil }

func setModemLine(f *os.File, line modemLine, on bool) error { return nil }
