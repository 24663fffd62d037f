package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"honnef.co/go/tracecap/trace"
	"honnef.co/go/tracecap/trace/tracefile"
	"honnef.co/go/tracecap/worker"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newCaptureCmd(a *app) *cobra.Command {
	var set CaptureConfig
	var stats bool
	cmd := &cobra.Command{
		Use:   "capture [address]",
		Short: "Capture a trace from a running program and save it",
		Long: `Capture connects to an instrumented program and records its trace until the program
exits, the capture duration elapses or the capture is interrupted. The trace is then saved.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := a.conf.Capture
			set.Statistics = &stats
			mergeCaptureFlags(&conf, cmd.Flags(), &set)
			if len(args) == 1 {
				conf.Address = args[0]
			}
			return a.capture(cmd.Context(), cmd.OutOrStdout(), conf)
		},
	}
	f := cmd.Flags()
	f.StringVar(&set.Address, "address", "", "`address` of the program to capture")
	f.StringVarP(&set.Output, "output", "o", "", "write the trace to `file`")
	f.StringVarP(&set.Compression, "compression", "c", "", "block compression of the trace file (snappy or zstd)")
	f.DurationVarP(&set.Duration, "duration", "d", 0, "stop capturing after this long")
	f.DurationVar(&set.ReadTimeout, "read-timeout", 0, "give up on a silent program after this long")
	f.IntVar(&set.QueryWindow, "query-window", 0, "maximum number of unanswered queries")
	f.BoolVar(&stats, "statistics", true, "compute zone statistics while capturing")
	return cmd
}

func (a *app) capture(ctx context.Context, out io.Writer, conf CaptureConfig) error {
	comp, err := tracefile.ParseCompression(conf.Compression)
	if err != nil {
		return err
	}
	opts := conf.workerOptions()
	opts.Logger = a.log

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, opts.ReadTimeout)
	w, err := worker.Connect(dialCtx, conf.Address, opts)
	cancel()
	if err != nil {
		return err
	}

	var deadline <-chan time.Time
	if conf.Duration > 0 {
		t := time.NewTimer(conf.Duration)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	interrupted := ctx.Done()

loop:
	for {
		select {
		case <-w.Done():
			break loop
		case <-interrupted:
			a.log.Info("interrupted, stopping capture")
			interrupted = nil
			w.Shutdown()
		case <-deadline:
			a.log.Info("capture duration elapsed")
			deadline = nil
			w.Shutdown()
		case <-ticker.C:
			p := w.Progress()
			a.log.WithFields(logrus.Fields{
				"received": humanize.Bytes(p.BytesReceived),
				"events":   p.Events,
				"queries":  p.QueriesOutstanding,
				"queued":   p.QueriesQueued,
			}).Info("capturing")
		}
	}

	sessionErr := w.Wait()
	reason, derr := w.Disconnected()
	entry := a.log.WithField("reason", reason.String())
	if derr != nil {
		entry = entry.WithError(derr)
	}
	entry.Info("capture ended")

	if err := w.Save(conf.Output, comp); err != nil {
		return err
	}
	w.View(func(db *trace.Database) {
		printSummary(out, db, summaryHeader{path: conf.Output})
	})
	return sessionErr
}
