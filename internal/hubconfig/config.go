/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package hubconfig loads the hub's INI configuration file: the [hub]
// section (upstream URL, listen port, timeouts) and the [peer] section
// (one key per configured mirror).
package hubconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"

	"github.com/sabouaram/mirrorhub/internal/huberr"
)

// Hub holds the [hub] section of the configuration file.
type Hub struct {
	Upstream       string        `validate:"required,url"`
	Port           int           `validate:"required,min=1,max=65535"`
	ResolveTimeout time.Duration `validate:"gte=0"`
	ProbeTimeout   time.Duration `validate:"gte=0"`
	MetricsListen  string
}

// PeerEntry is one parsed `[peer]` key/value: `host[:port] = db,pkg`.
type PeerEntry struct {
	Name       string
	Host       string
	Port       int
	DBPrefix   string
	PkgPrefix  string
}

// Config is the fully parsed and validated configuration.
type Config struct {
	Hub   Hub
	Peers []PeerEntry
}

const (
	defaultUpstream = "http://mirrors.kernel.org/archlinux"
	defaultPort     = 9129
	defaultPeerPort = 80
)

var validate = validator.New()

// Load reads an INI file at path, overlays the MIRRORHUB_HUB_UPSTREAM,
// MIRRORHUB_HUB_PORT and MIRRORHUB_HUB_METRICS_LISTEN environment variables
// via viper, and returns a validated Config.
//
// A peer entry's "host[:port] = db_prefix,pkg_prefix" value missing its
// comma separator is reported as an *huberr.Error with ErrConfig, never a
// crash (see SPEC_FULL.md Open Questions).
func Load(path string) (*Config, error) {
	// Only '=' separates key from value, so a "host:port" peer key stays whole.
	f, err := ini.LoadSources(ini.LoadOptions{KeyValueDelimiters: "="}, path)
	if err != nil {
		return nil, huberr.New(huberr.ErrConfig, err, "loading config file %q", path)
	}

	v := viper.New()
	v.SetEnvPrefix("MIRRORHUB")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	hubSec := f.Section("hub")

	cfg := &Config{
		Hub: Hub{
			Upstream:      overlayString(v, "hub.upstream", hubSec.Key("upstream").MustString(defaultUpstream)),
			Port:          overlayInt(v, "hub.port", hubSec.Key("port").MustInt(defaultPort)),
			MetricsListen: overlayString(v, "hub.metrics_listen", hubSec.Key("metrics_listen").MustString("")),
		},
	}

	if d, err := time.ParseDuration(hubSec.Key("resolve_timeout").MustString("2s")); err == nil {
		cfg.Hub.ResolveTimeout = d
	} else {
		cfg.Hub.ResolveTimeout = 2 * time.Second
	}
	if d, err := time.ParseDuration(hubSec.Key("probe_timeout").MustString("0")); err == nil {
		cfg.Hub.ProbeTimeout = d
	}

	peerSec := f.Section("peer")
	for _, key := range peerSec.Keys() {
		entry, err := parsePeerEntry(key.Name(), key.Value())
		if err != nil {
			return nil, err
		}
		cfg.Peers = append(cfg.Peers, entry)
	}

	if err := validate.Struct(cfg.Hub); err != nil {
		return nil, huberr.New(huberr.ErrConfig, err, "validating [hub] section")
	}

	return cfg, nil
}

// parsePeerEntry parses "host[:port] = db_prefix,pkg_prefix". Either prefix
// may be empty to signal "this peer has no such files", but the comma
// separator itself is mandatory.
func parsePeerEntry(name, value string) (PeerEntry, error) {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return PeerEntry{}, huberr.New(huberr.ErrConfig, nil,
			"peer %q: expected \"db_prefix,pkg_prefix\" (missing comma) in %q", name, value)
	}

	host, port, err := splitHostPort(name, defaultPeerPort)
	if err != nil {
		return PeerEntry{}, huberr.New(huberr.ErrConfig, err, "peer %q: invalid host[:port]", name)
	}

	return PeerEntry{
		Name:      name,
		Host:      host,
		Port:      port,
		DBPrefix:  strings.TrimSpace(parts[0]),
		PkgPrefix: strings.TrimSpace(parts[1]),
	}, nil
}

func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	if i := strings.LastIndex(hostport, ":"); i >= 0 {
		host := hostport[:i]
		portStr := hostport[i+1:]
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, errors.Wrapf(err, "invalid port %q", portStr)
		}
		return host, port, nil
	}
	return hostport, defaultPort, nil
}

func overlayString(v *viper.Viper, key, fallback string) string {
	v.BindEnv(key) //nolint:errcheck
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return fallback
}

func overlayInt(v *viper.Viper, key string, fallback int) int {
	v.BindEnv(key) //nolint:errcheck
	if v.IsSet(key) {
		return v.GetInt(key)
	}
	return fallback
}

// String renders a PeerEntry as "host:port" for logging.
func (p PeerEntry) String() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
