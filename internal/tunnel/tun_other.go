//go:build !linux

package tunnel

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/songgao/water"
)

func waterConfig(name string) water.Config {
	log.Warnf("tun name %v ignored, the system picks one", name)
	return water.Config{DeviceType: water.TUN}
}

func configureInterface(name, cidr string, mtu int) error {
	if cidr != "" {
		return fmt.Errorf("assign %v to %v by hand, it is only done automatically on linux", cidr, name)
	}
	return nil
}
