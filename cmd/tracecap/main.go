// Command tracecap captures traces from instrumented programs and inspects saved captures.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	// flags holds the values of the global flags, conf the effective configuration.
	flags Config
	conf  Config

	log     *logrus.Logger
	metrics *http.Server
}

func newRootCmd() *cobra.Command {
	a := &app{log: logrus.New()}
	root := &cobra.Command{
		Use:                "tracecap",
		Short:              "Capture and inspect traces of instrumented programs",
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "read settings from YAML `file`")
	pf.StringVar(&a.flags.LogLevel, "log-level", "info", "log `level` (debug, info, warn, error)")
	pf.BoolVar(&a.flags.LogJSON, "log-json", false, "log in JSON format")
	pf.StringVar(&a.flags.MetricsAddress, "metrics-address", "", "serve Prometheus metrics on `address`")

	root.AddCommand(
		newCaptureCmd(a),
		newInfoCmd(a),
		newConvertCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	a.conf = defaultConfig()
	if a.configPath != "" {
		conf, err := loadConfig(a.configPath)
		if err != nil {
			return err
		}
		a.conf = conf
	}
	mergeFlags(&a.conf, cmd.Flags(), &a.flags)

	level, err := logrus.ParseLevel(a.conf.LogLevel)
	if err != nil {
		return err
	}
	a.log.SetLevel(level)
	a.log.SetOutput(cmd.ErrOrStderr())
	if a.conf.LogJSON {
		a.log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		a.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if a.conf.MetricsAddress != "" {
		ln, err := net.Listen("tcp", a.conf.MetricsAddress)
		if err != nil {
			return fmt.Errorf("couldn't serve metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metrics = &http.Server{Handler: mux}
		go func() {
			if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Error("metrics server failed")
			}
		}()
		a.log.WithField("address", ln.Addr().String()).Info("serving metrics")
	}
	return nil
}

func (a *app) teardown(cmd *cobra.Command, args []string) error {
	if a.metrics == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.metrics.Shutdown(ctx)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tracecap:", err)
		os.Exit(1)
	}
}
