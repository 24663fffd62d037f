package main

import (
	"fmt"
	"os"
	"time"

	"honnef.co/go/tracecap/trace/tracefile"
	"honnef.co/go/tracecap/worker"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds the settings that can be read from a configuration file. Command line flags take
// precedence over the file.
type Config struct {
	LogLevel       string `yaml:"log-level"`
	LogJSON        bool   `yaml:"log-json"`
	MetricsAddress string `yaml:"metrics-address"`

	Capture CaptureConfig `yaml:"capture"`
}

type CaptureConfig struct {
	Address         string        `yaml:"address"`
	Output          string        `yaml:"output"`
	Compression     string        `yaml:"compression"`
	Duration        time.Duration `yaml:"duration"`
	ReadTimeout     time.Duration `yaml:"read-timeout"`
	PollInterval    time.Duration `yaml:"poll-interval"`
	QueryWindow     int           `yaml:"query-window"`
	Statistics      *bool         `yaml:"statistics"`
	LockReorderWarn int           `yaml:"lock-reorder-warn"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			Address:     "127.0.0.1:8086",
			Output:      "capture.trcap",
			Compression: tracefile.CompressionSnappy.String(),
		},
	}
}

func loadConfig(path string) (Config, error) {
	conf := defaultConfig()
	file, err := os.Open(path)
	if err != nil {
		return conf, err
	}
	defer file.Close()

	d := yaml.NewDecoder(file)
	d.KnownFields(true)
	if err := d.Decode(&conf); err != nil {
		return conf, fmt.Errorf("couldn't parse %s: %w", path, err)
	}
	return conf, nil
}

// mergeFlags overrides conf with the flags that were set on the command line.
func mergeFlags(conf *Config, flags *pflag.FlagSet, set *Config) {
	if flags.Changed("log-level") {
		conf.LogLevel = set.LogLevel
	}
	if flags.Changed("log-json") {
		conf.LogJSON = set.LogJSON
	}
	if flags.Changed("metrics-address") {
		conf.MetricsAddress = set.MetricsAddress
	}
}

func mergeCaptureFlags(conf *CaptureConfig, flags *pflag.FlagSet, set *CaptureConfig) {
	if flags.Changed("address") {
		conf.Address = set.Address
	}
	if flags.Changed("output") {
		conf.Output = set.Output
	}
	if flags.Changed("compression") {
		conf.Compression = set.Compression
	}
	if flags.Changed("duration") {
		conf.Duration = set.Duration
	}
	if flags.Changed("read-timeout") {
		conf.ReadTimeout = set.ReadTimeout
	}
	if flags.Changed("query-window") {
		conf.QueryWindow = set.QueryWindow
	}
	if flags.Changed("statistics") {
		conf.Statistics = set.Statistics
	}
}

// workerOptions turns the capture settings into worker options. Unset values keep their defaults.
func (conf *CaptureConfig) workerOptions() worker.Options {
	opts := worker.DefaultOptions()
	if conf.ReadTimeout > 0 {
		opts.ReadTimeout = conf.ReadTimeout
	}
	if conf.PollInterval > 0 {
		opts.PollInterval = conf.PollInterval
	}
	if conf.QueryWindow > 0 {
		opts.QueryWindow = conf.QueryWindow
	}
	if conf.Statistics != nil {
		opts.Statistics = *conf.Statistics
	}
	if conf.LockReorderWarn > 0 {
		opts.LockReorderWarn = conf.LockReorderWarn
	}
	return opts
}
