package tunnel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/songgao/water"
)

// OpenTUN opens the device config names, or adopts config.TunFD, and returns
// it along with the interface name
func OpenTUN(config Config) (io.ReadWriteCloser, string, error) {
	if config.TunFD > 0 {
		f := os.NewFile(uintptr(config.TunFD), "tun")
		if f == nil {
			return nil, "", fmt.Errorf("invalid tun descriptor %v", config.TunFD)
		}
		name := "fd" + strconv.Itoa(config.TunFD)
		log.Infof("using tun descriptor %v", config.TunFD)
		return f, name, nil
	}
	if config.TunName == "" {
		return nil, "", errors.New("no tun device configured")
	}
	ifce, err := water.New(waterConfig(config.TunName))
	if err != nil {
		return nil, "", fmt.Errorf("opening tun %v: %w", config.TunName, err)
	}
	if err := configureInterface(ifce.Name(), config.TunAddress, config.MTU); err != nil {
		ifce.Close()
		return nil, "", err
	}
	log.Infof("opened tun %v", ifce.Name())
	return ifce, ifce.Name(), nil
}

// NewStacks builds every stack config asks for
func NewStacks(config Config) ([]Stack, *PacketStack, error) {
	config.setDefaults()
	var stacks []Stack
	closeAll := func() {
		for _, s := range stacks {
			s.Close()
		}
	}

	var packets *PacketStack
	if config.HasTUN() {
		dev, _, err := OpenTUN(config)
		if err != nil {
			return nil, nil, err
		}
		packets, err = NewPacketStack(dev, config.MTU, config.UDPIdleTimeout)
		if err != nil {
			dev.Close()
			return nil, nil, err
		}
		stacks = append(stacks, packets)
	}
	for _, rule := range config.Forward {
		s, err := ListenForward(rule, config.UDPIdleTimeout)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("forward %v: %w", rule, err)
		}
		stacks = append(stacks, s)
	}
	if len(stacks) == 0 {
		return nil, nil, errors.New("neither a tun device nor a forward rule is configured")
	}
	return stacks, packets, nil
}
