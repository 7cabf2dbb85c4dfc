package netdev

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"strings"

	"github.com/hobbyos/knet"
)

// ConfigDir is where per-interface configuration files live inside the VFS.
const ConfigDir = "config"

// Config is the IPv4 configuration of an interface.
type Config struct {
	DHCP    bool
	Addr    [4]byte
	Netmask [4]byte
	Gateway [4]byte
	DNS     [4]byte
}

// ConfigPath returns the VFS path of iface's configuration file, without
// the leading slash as required by [fs.FS].
func ConfigPath(iface string) string {
	return ConfigDir + "/network-" + iface + ".conf"
}

// ParseConfig reads line oriented key=value pairs. Recognised keys are
// dhcp, ip, netmask, gateway and dns; blank lines and lines starting with
// '#' are skipped and unknown keys are ignored. A static configuration
// without a netmask gets the classful /24 default.
func ParseConfig(r io.Reader) (Config, error) {
	var cfg Config
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return Config{}, fmt.Errorf("netdev: config line %d: missing '=': %w", line, knet.ErrInvalidConfig)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		var dst *[4]byte
		switch key {
		case "dhcp":
			switch value {
			case "0":
				cfg.DHCP = false
			case "1":
				cfg.DHCP = true
			default:
				return Config{}, fmt.Errorf("netdev: config line %d: dhcp=%q: %w", line, value, knet.ErrInvalidConfig)
			}
			continue
		case "ip":
			dst = &cfg.Addr
		case "netmask":
			dst = &cfg.Netmask
		case "gateway":
			dst = &cfg.Gateway
		case "dns":
			dst = &cfg.DNS
		default:
			continue
		}
		addr, err := netip.ParseAddr(value)
		if err != nil || !addr.Is4() {
			return Config{}, fmt.Errorf("netdev: config line %d: %s=%q: %w", line, key, value, knet.ErrInvalidAddr)
		}
		*dst = addr.As4()
	}
	if err := sc.Err(); err != nil {
		return Config{}, err
	}
	if _, ok := knet.MaskBits(cfg.Netmask); !ok {
		return Config{}, fmt.Errorf("netdev: netmask %v: %w", knet.AddrFrom4(cfg.Netmask), knet.ErrInvalidConfig)
	}
	if !cfg.DHCP {
		if knet.IsZero4(cfg.Addr) {
			return Config{}, fmt.Errorf("netdev: static configuration without ip: %w", knet.ErrInvalidConfig)
		}
		if knet.IsZero4(cfg.Netmask) {
			cfg.Netmask = knet.MaskFromBits(24)
		}
	}
	return cfg, nil
}

// LoadConfig reads iface's configuration from fsys. A missing file
// yields a DHCP configuration.
func LoadConfig(fsys fs.FS, iface string) (Config, error) {
	f, err := fsys.Open(ConfigPath(iface))
	if errors.Is(err, fs.ErrNotExist) {
		return Config{DHCP: true}, nil
	} else if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return ParseConfig(f)
}
