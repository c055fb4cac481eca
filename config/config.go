// Package config reads the fieldlink HCL configuration: sensor nodes,
// transceivers, the MQTT sink and timing knobs. Files may include
// other files; all validation errors across all sources are folded
// and reported together.
package config

import (
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"fieldlink/helpers"
	"fieldlink/log2"
	"fieldlink/node"
	"fieldlink/settings"
	"fieldlink/sink"
	"fieldlink/xcvr"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Sensors      []Sensor      `hcl:"sensor"`
	Transceivers []Transceiver `hcl:"transceiver"`
	MQTT         MQTT          `hcl:"mqtt"`
	Timing       Timing        `hcl:"timing"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type Sensor struct {
	Name        string         `hcl:"name,key"`
	Address     string         `hcl:"address"`
	Transceiver string         `hcl:"transceiver"`
	Settings    map[string]int `hcl:"settings"`
	Aggregates  bool           `hcl:"aggregates"`
}

type Transceiver struct {
	Name string `hcl:"name,key"`
	Host string `hcl:"host"`
}

type MQTT struct {
	Broker         string `hcl:"broker"`
	ClientID       string `hcl:"client_id"`
	Username       string `hcl:"username"`
	Password       string `hcl:"password"`
	KeepaliveSec   int    `hcl:"keepalive_sec"`
	PingTimeoutSec int    `hcl:"ping_timeout_sec"`
	StorePath      string `hcl:"store_path"`
}

type Timing struct {
	NetworkTimeoutSec  int `hcl:"network_timeout_sec"`
	RequestTimeoutSec  int `hcl:"request_timeout_sec"`
	KeepaliveSec       int `hcl:"keepalive_sec"` // negative disables
	DialBackoffMinSec  int `hcl:"dial_backoff_min_sec"`
	DialBackoffMaxSec  int `hcl:"dial_backoff_max_sec"`
	ProbeBackoffMinSec int `hcl:"probe_backoff_min_sec"`
	ProbeBackoffMaxSec int `hcl:"probe_backoff_max_sec"`
	ApplyRetries       int `hcl:"apply_retries"`
	PublishTimeoutMs   int `hcl:"publish_timeout_ms"`
	RestartCooldownSec int `hcl:"restart_cooldown_sec"`
	MaxRestarts        int `hcl:"max_restarts"`
	DecodeFaultLimit   int `hcl:"decode_fault_limit"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// Supervisor validates the configuration and materializes the runtime
// supervisor config. All problems are folded into one error.
func (c *Config) Supervisor(log *log2.Log, snk sink.Sink) (node.Config, error) {
	errs := make([]error, 0, 8)

	transceivers := make(map[string]node.TransceiverConfig, len(c.Transceivers))
	for _, t := range c.Transceivers {
		if _, ok := transceivers[t.Name]; ok {
			errs = append(errs, errors.NotValidf("transceiver %s defined twice", t.Name))
			continue
		}
		if t.Host == "" {
			errs = append(errs, errors.NotValidf("transceiver %s host empty", t.Name))
			continue
		}
		transceivers[t.Name] = node.TransceiverConfig{Host: t.Host}
	}

	nodes := make(map[string]node.NodeConfig, len(c.Sensors))
	for _, s := range c.Sensors {
		if _, ok := nodes[s.Name]; ok {
			errs = append(errs, errors.NotValidf("sensor %s defined twice", s.Name))
			continue
		}
		addr, err := xcvr.ParseNodeAddr(s.Address)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "sensor %s", s.Name))
			continue
		}
		desired, err := settings.FromNames(s.Settings)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "sensor %s", s.Name))
			continue
		}
		if _, ok := transceivers[s.Transceiver]; !ok {
			errs = append(errs, errors.NotValidf("sensor %s transceiver %s", s.Name, s.Transceiver))
			continue
		}
		nodes[s.Name] = node.NodeConfig{
			Addr:        addr,
			Transceiver: s.Transceiver,
			Desired:     desired,
			Aggregates:  s.Aggregates,
		}
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return node.Config{}, err
	}

	return node.Config{
		Log:          log,
		Sink:         snk,
		Transceivers: transceivers,
		Nodes:        nodes,
		Timing:       c.Timing.runtime(),
	}, nil
}

func (t Timing) runtime() node.Timing {
	return node.Timing{
		NetworkTimeout:   helpers.IntSecondDefault(t.NetworkTimeoutSec, 0),
		RequestTimeout:   helpers.IntSecondDefault(t.RequestTimeoutSec, 0),
		Keepalive:        helpers.IntSecondDefault(t.KeepaliveSec, 0),
		DialBackoffMin:   helpers.IntSecondDefault(t.DialBackoffMinSec, 0),
		DialBackoffMax:   helpers.IntSecondDefault(t.DialBackoffMaxSec, 0),
		ProbeBackoffMin:  helpers.IntSecondDefault(t.ProbeBackoffMinSec, 0),
		ProbeBackoffMax:  helpers.IntSecondDefault(t.ProbeBackoffMaxSec, 0),
		ApplyRetries:     t.ApplyRetries,
		PublishTimeout:   helpers.IntMillisecondDefault(t.PublishTimeoutMs, 0),
		RestartCooldown:  helpers.IntSecondDefault(t.RestartCooldownSec, 0),
		MaxRestarts:      t.MaxRestarts,
		DecodeFaultLimit: t.DecodeFaultLimit,
	}
}
