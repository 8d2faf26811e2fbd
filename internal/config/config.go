// Package config reads the client configuration from a JSON or YAML file, or
// from a semicolon separated option string, and turns it into the settings of
// each component.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/whisper-tun/whisper/internal/multiplex"
	"github.com/whisper-tun/whisper/internal/transport"
	"github.com/whisper-tun/whisper/internal/tunnel"
)

// RawConfig represents the fields in the config file
// nullable means if it's empty, a default value will be chosen in Process
// jsonOptional means if the file leaves it empty, it must be set from the
// command line before Process is called
type RawConfig struct {
	RelayURL     string   `yaml:"RelayURL"` // jsonOptional
	RelayCommand []string `yaml:"RelayCommand"`
	Trust        string   `yaml:"Trust"`      // nullable
	ServerName   string   `yaml:"ServerName"` // nullable
	BrowserSig   string   `yaml:"BrowserSig"` // nullable
	// KeepAlive is the WebSocket ping interval in seconds. Negative disables it.
	KeepAlive int `yaml:"KeepAlive"` // nullable

	MaxFramePayload   int     `yaml:"MaxFramePayload"`   // nullable
	StreamWindow      uint32  `yaml:"StreamWindow"`      // nullable
	ConnWindow        uint32  `yaml:"ConnWindow"`        // nullable
	ContinueThreshold float64 `yaml:"ContinueThreshold"` // nullable
	HandshakeTimeout  int     `yaml:"HandshakeTimeout"`  // nullable

	TunName        string   `yaml:"TunName"` // jsonOptional
	TunFD          int      `yaml:"TunFD"`
	TunAddress     string   `yaml:"TunAddress"`
	MTU            int      `yaml:"MTU"`            // nullable
	UDPIdleTimeout int      `yaml:"UDPIdleTimeout"` // nullable
	StreamTimeout  int      `yaml:"StreamTimeout"`
	Forward        []string `yaml:"Forward"`

	AdminAddr string `yaml:"AdminAddr"`
	LogLevel  string `yaml:"LogLevel"` // nullable
}

// Config is a validated RawConfig split up by component
type Config struct {
	Transport transport.Config
	Session   multiplex.SessionConfig
	Tunnel    tunnel.Config
	AdminAddr string
	LogLevel  log.Level
}

// keys whose values are numbers in JSON
var unquoted = []string{
	"KeepAlive", "MaxFramePayload", "StreamWindow", "ConnWindow", "ContinueThreshold", "HandshakeTimeout",
	"TunFD", "MTU", "UDPIdleTimeout", "StreamTimeout",
}

// keys whose values are comma separated lists
var lists = []string{"RelayCommand", "Forward"}

// semi-colon separated value. This is for embedders passing options as a
// single string
func ssvToJson(ssv string) (ret []byte) {
	elem := func(val string, lst []string) bool {
		for _, v := range lst {
			if val == v {
				return true
			}
		}
		return false
	}
	unescape := func(s string) string {
		r := strings.Replace(s, `\\`, `\`, -1)
		r = strings.Replace(r, `\=`, `=`, -1)
		r = strings.Replace(r, `\;`, `;`, -1)
		return r
	}
	quote := func(s string) string {
		b, _ := json.Marshal(s)
		return string(b)
	}
	lines := strings.Split(unescape(ssv), ";")
	ret = []byte("{")
	for _, ln := range lines {
		if ln == "" {
			break
		}
		sp := strings.SplitN(ln, "=", 2)
		if len(sp) < 2 {
			log.Errorf("Malformed config option: %v", ln)
			continue
		}
		key := sp[0]
		value := sp[1]
		switch {
		case elem(key, lists):
			items := strings.Split(value, ",")
			for i, item := range items {
				items[i] = quote(item)
			}
			ret = append(ret, []byte(`"`+key+`":[`+strings.Join(items, ",")+`],`)...)
		case elem(key, unquoted):
			ret = append(ret, []byte(`"`+key+`":`+value+`,`)...)
		default:
			ret = append(ret, []byte(`"`+key+`":`+quote(value)+`,`)...)
		}
	}
	if len(ret) > 1 {
		ret = ret[:len(ret)-1] // remove the last comma
	}
	ret = append(ret, '}')
	return ret
}

// ParseConfig reads conf, which is either a path to a JSON or YAML file or a
// semicolon separated option string
func ParseConfig(conf string) (raw *RawConfig, err error) {
	raw = new(RawConfig)
	if strings.Contains(conf, ";") && strings.Contains(conf, "=") {
		err = json.Unmarshal(ssvToJson(conf), raw)
		return
	}
	content, err := os.ReadFile(conf)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(conf)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, raw)
	default:
		err = json.Unmarshal(content, raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %v: %w", conf, err)
	}
	return raw, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (raw *RawConfig) Process() (cfg Config, err error) {
	nullErr := func(field string) (Config, error) {
		return Config{}, fmt.Errorf("%v cannot be empty", field)
	}

	if raw.RelayURL == "" {
		return nullErr("RelayURL")
	}
	u, err := url.Parse(raw.RelayURL)
	if err != nil {
		return Config{}, fmt.Errorf("RelayURL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		if u.Host == "" {
			return Config{}, fmt.Errorf("RelayURL %v has no host", raw.RelayURL)
		}
	case "pty":
		if u.Path == "" && u.Opaque == "" {
			return Config{}, fmt.Errorf("RelayURL %v has no device path", raw.RelayURL)
		}
	case "exec":
		if len(raw.RelayCommand) == 0 {
			return nullErr("RelayCommand")
		}
	default:
		return Config{}, fmt.Errorf("RelayURL: %w: %q", transport.ErrUnsupportedScheme, u.Scheme)
	}
	cfg.Transport.URL = u
	cfg.Transport.Command = raw.RelayCommand
	cfg.Transport.ServerName = raw.ServerName
	if cfg.Transport.Trust, err = transport.ParseTrust(raw.Trust); err != nil {
		return Config{}, err
	}
	if cfg.Transport.BrowserSig, err = transport.ParseBrowserSig(raw.BrowserSig); err != nil {
		return Config{}, err
	}
	switch {
	case raw.KeepAlive < 0:
		cfg.Transport.KeepAlive = -1
	case raw.KeepAlive > 0:
		cfg.Transport.KeepAlive = seconds(raw.KeepAlive)
	}
	cfg.Transport.HandshakeTimeout = seconds(raw.HandshakeTimeout)

	if raw.ContinueThreshold < 0 || raw.ContinueThreshold > 1 {
		return Config{}, fmt.Errorf("ContinueThreshold %v is not within (0, 1]", raw.ContinueThreshold)
	}
	cfg.Session = multiplex.SessionConfig{
		MaxFramePayload:   raw.MaxFramePayload,
		StreamWindow:      raw.StreamWindow,
		ConnWindow:        raw.ConnWindow,
		ContinueThreshold: raw.ContinueThreshold,
		HandshakeTimeout:  seconds(raw.HandshakeTimeout),
	}
	if raw.MaxFramePayload > 0 {
		// a frame and its header have to fit in one transport message
		cfg.Transport.MaxMessageSize = int64(raw.MaxFramePayload) + multiplex.FrameHeaderLength
	}

	cfg.Tunnel = tunnel.Config{
		TunName:        raw.TunName,
		TunFD:          raw.TunFD,
		TunAddress:     raw.TunAddress,
		MTU:            raw.MTU,
		UDPIdleTimeout: seconds(raw.UDPIdleTimeout),
		StreamTimeout:  seconds(raw.StreamTimeout),
	}
	for _, f := range raw.Forward {
		if f == "" {
			continue
		}
		rule, err := tunnel.ParseForwardRule(f)
		if err != nil {
			return Config{}, err
		}
		cfg.Tunnel.Forward = append(cfg.Tunnel.Forward, rule)
	}
	if !cfg.Tunnel.HasTUN() && len(cfg.Tunnel.Forward) == 0 {
		return Config{}, errors.New("either TunName, TunFD or Forward has to be set")
	}

	cfg.AdminAddr = raw.AdminAddr
	if cfg.LogLevel, err = parseLevel(raw.LogLevel); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseLevel(level string) (log.Level, error) {
	if level == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(level)
}
