//go:build !windows

package transport

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// OpenPTY runs a transport over an existing terminal device, such as the
// slave side of a pseudo terminal whose master end is attached to a relay.
// The device is put in raw mode and restored on Close.
func OpenPTY(path string) (*StreamTransport, error) {
	if path == "" {
		return nil, errors.New("no pty path")
	}
	// non-blocking so that Close interrupts a pending Read
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	restore, err := makeRaw(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("raw mode on %v: %w", path, err)
	}
	log.Debugf("opened %v in raw mode", path)
	st := NewStreamTransport(f, fileAddr(path))
	st.onClose = restore
	return st, nil
}

// StartCommand runs command under a new pseudo terminal and returns a
// transport over it. The command is expected to bridge its terminal to a
// relay, for instance a relay started over ssh.
func StartCommand(command []string) (*StreamTransport, error) {
	if len(command) == 0 {
		return nil, errors.New("empty relay command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting %v: %w", command[0], err)
	}
	restore, err := makeRaw(ptmx)
	if err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("raw mode on %v: %w", ptmx.Name(), err)
	}
	log.Debugf("started %q on %v", strings.Join(command, " "), ptmx.Name())
	st := NewStreamTransport(ptmx, fileAddr(strings.Join(command, " ")))
	st.onClose = func() {
		restore()
		cmd.Process.Kill()
		if err := cmd.Wait(); err != nil {
			log.Debugf("relay command exited: %v", err)
		}
	}
	return st, nil
}

// makeRaw switches the terminal behind f to raw mode without taking f out of
// non-blocking mode
func makeRaw(f *os.File) (restore func(), err error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}
	var state *term.State
	var rawErr error
	if err := rc.Control(func(fd uintptr) {
		state, rawErr = term.MakeRaw(int(fd))
	}); err != nil {
		return nil, err
	}
	if rawErr != nil {
		return nil, rawErr
	}
	return func() {
		rc.Control(func(fd uintptr) {
			term.Restore(int(fd), state)
		})
	}, nil
}
