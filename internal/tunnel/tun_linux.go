package tunnel

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/songgao/water"
)

func waterConfig(name string) water.Config {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	return cfg
}

// configureInterface assigns cidr and mtu to the interface and brings it up
func configureInterface(name, cidr string, mtu int) error {
	if cidr != "" {
		out, err := exec.Command("ip", "addr", "add", cidr, "dev", name).CombinedOutput()
		if err != nil && !strings.Contains(string(out), "File exists") {
			return fmt.Errorf("ip addr add %v dev %v: %w: %s", cidr, name, err, strings.TrimSpace(string(out)))
		}
	}
	args := []string{"link", "set", "dev", name}
	if mtu > 0 {
		args = append(args, "mtu", strconv.Itoa(mtu))
	}
	args = append(args, "up")
	if out, err := exec.Command("ip", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("ip %v: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
