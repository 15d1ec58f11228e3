package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/robertof/go-scale-monitor/ble"
	"github.com/robertof/go-scale-monitor/device"
	"github.com/robertof/go-scale-monitor/device/broadcast"
	"gopkg.in/yaml.v3"
)

type config struct {
	ConfigFile            string
	Debug, Trace          bool
	BindAddress           string
	EnableMetamonitoring  bool
	DiscoverDevices       bool
	DiscoverAll           bool
	MonitorOnce           bool
	ReadAddress           string
	BluetoothDeviceId     int
	BluetoothConnParams   ble.ConnParams
	ActiveScan            bool
	Duration, ReadTimeout time.Duration
	CollectionInterval    time.Duration
	CollectionIdleTimeout time.Duration
	Families              []device.Family
}

// fileConfig mirrors config for the optional YAML file. Unset keys keep the flag values.
type fileConfig struct {
	Bind                      *string         `yaml:"bind"`
	Metamonitoring            *bool           `yaml:"metamonitoring"`
	BluetoothDevice           *int            `yaml:"bluetooth_device"`
	BluetoothConnectionParams *ble.ConnParams `yaml:"bluetooth_connection_params"`
	ActiveScan                *bool           `yaml:"active_scan"`
	Duration                  *time.Duration  `yaml:"duration"`
	Timeout                   *time.Duration  `yaml:"timeout"`
	Interval                  *time.Duration  `yaml:"interval"`
	IdleTimeout               *time.Duration  `yaml:"idle_timeout"`
	Debug                     *bool           `yaml:"debug"`
	Trace                     *bool           `yaml:"trace"`
	Scales                    []string        `yaml:"scales"`
}

type boundFamilyList struct {
	device.Factory
	list *[]device.Family
}

var familyFactories = map[string]device.Factory{
	"scale": &broadcast.Factory{},
}

func (d *boundFamilyList) String() string {
	return ""
}

func (d *boundFamilyList) Set(v string) error {
	ds := device.NewDeviceSpec(v)

	fam, err := d.FromSpec(ds)
	if err != nil {
		return fmt.Errorf("failed to create scale family: %w", err)
	}

	*d.list = append(*d.list, fam)

	return nil
}

func (cfg config) bleFlags() (f ble.Flags) {
	if cfg.ActiveScan {
		f |= ble.FlagScanTypeActive
	}

	return f
}

func ParseArgs() config {
	cfg, err := parseArgs(os.Args[1:], os.Stderr)

	if err == flag.ErrHelp {
		os.Exit(0)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	return cfg
}

func parseArgs(args []string, output io.Writer) (config, error) {
	var cfg config

	cfg.BluetoothConnParams = ble.ConnParamsDefault

	fs := flag.NewFlagSet("go-scale-monitor", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.ConfigFile, "config", "", "Optional YAML configuration file. Flags take precedence")
	fs.StringVar(&cfg.BindAddress, "bind", "localhost:9103", "Where the HTTP server will bind to")
	fs.BoolVar(&cfg.EnableMetamonitoring, "metamonitoring", true, "Enable metamonitoring metrics")
	fs.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
	fs.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params",
		"Bluetooth connection parameters (one of 'default' or 'low-latency')")
	fs.BoolVar(&cfg.ActiveScan, "active-scan", true, "Request scan responses, which usually carry the scale name")
	fs.BoolVar(&cfg.DiscoverDevices, "discover", false, "List nearby scales and quit")
	fs.BoolVar(&cfg.DiscoverAll, "discover-all", false,
		"List every nearby BLE device with its manufacturer data and quit")
	fs.BoolVar(&cfg.MonitorOnce, "monitor", false, "Wait for a single weight and quit")
	fs.StringVar(&cfg.ReadAddress, "read", "", "Read a single weight from the scale at this address over a connection and quit")
	fs.DurationVar(&cfg.Duration, "duration", 10*time.Second, "How long each scan session lasts")
	fs.DurationVar(&cfg.ReadTimeout, "timeout", 10*time.Second, "Timeout for connected reads")
	fs.DurationVar(&cfg.CollectionInterval, "interval", 60*time.Second, "How frequently the weight is collected")
	fs.DurationVar(&cfg.CollectionIdleTimeout, "idle-timeout", -1,
		"Timeout after which the collector is suspended if no data is read. Defaults to 3 * interval")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
	fs.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

	for familyName, factory := range familyFactories {
		boundList := &boundFamilyList{
			Factory: factory,
			list:    &cfg.Families,
		}

		help := "Scale family spec in the form of `key=value,key=value`. Can be repeated."

		if docs, ok := factory.(device.FactoryDocs); ok {
			help += "\n" + docs.Help()
		}

		fs.Var(boundList, familyName, help)
	}

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.ConfigFile != "" {
		explicit := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) {
			explicit[f.Name] = true
		})

		fc, err := loadConfigFile(cfg.ConfigFile)
		if err != nil {
			return cfg, err
		}

		if err := fc.apply(&cfg, explicit); err != nil {
			return cfg, err
		}
	}

	if cfg.CollectionIdleTimeout < 0 {
		cfg.CollectionIdleTimeout = cfg.CollectionInterval * 3
	}

	if cfg.Duration <= 0 || cfg.ReadTimeout <= 0 || cfg.CollectionInterval <= 0 {
		return cfg, errors.New("-duration, -timeout and -interval must be positive")
	}

	if len(cfg.Families) == 0 {
		cfg.Families = []device.Family{broadcast.Default()}
	}

	return cfg, nil
}

func loadConfigFile(path string) (fc fileConfig, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, errors.Wrap(err, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, errors.Wrapf(err, "failed to parse config file %v", path)
	}

	return fc, nil
}

func (fc fileConfig) apply(cfg *config, explicit map[string]bool) error {
	set := func(name string, apply func()) {
		if !explicit[name] {
			apply()
		}
	}

	if fc.Bind != nil {
		set("bind", func() { cfg.BindAddress = *fc.Bind })
	}
	if fc.Metamonitoring != nil {
		set("metamonitoring", func() { cfg.EnableMetamonitoring = *fc.Metamonitoring })
	}
	if fc.BluetoothDevice != nil {
		set("bluetooth-device", func() { cfg.BluetoothDeviceId = *fc.BluetoothDevice })
	}
	if fc.BluetoothConnectionParams != nil {
		set("bluetooth-connection-params", func() { cfg.BluetoothConnParams = *fc.BluetoothConnectionParams })
	}
	if fc.ActiveScan != nil {
		set("active-scan", func() { cfg.ActiveScan = *fc.ActiveScan })
	}
	if fc.Duration != nil {
		set("duration", func() { cfg.Duration = *fc.Duration })
	}
	if fc.Timeout != nil {
		set("timeout", func() { cfg.ReadTimeout = *fc.Timeout })
	}
	if fc.Interval != nil {
		set("interval", func() { cfg.CollectionInterval = *fc.Interval })
	}
	if fc.IdleTimeout != nil {
		set("idle-timeout", func() { cfg.CollectionIdleTimeout = *fc.IdleTimeout })
	}
	if fc.Debug != nil {
		set("debug", func() { cfg.Debug = *fc.Debug })
	}
	if fc.Trace != nil {
		set("trace", func() { cfg.Trace = *fc.Trace })
	}

	if len(fc.Scales) > 0 && !explicit["scale"] {
		factory := familyFactories["scale"]

		for _, spec := range fc.Scales {
			fam, err := factory.FromSpec(device.NewDeviceSpec(spec))
			if err != nil {
				return errors.Wrapf(err, "invalid scale %q in config file", spec)
			}

			cfg.Families = append(cfg.Families, fam)
		}
	}

	return nil
}
