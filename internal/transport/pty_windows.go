package transport

import "errors"

var errNoPTY = errors.New("pty transports are not supported on windows")

func OpenPTY(path string) (*StreamTransport, error) { return nil, errNoPTY }

func StartCommand(command []string) (*StreamTransport, error) { return nil, errNoPTY }
