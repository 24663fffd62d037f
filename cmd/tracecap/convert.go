package main

import (
	"os"

	"honnef.co/go/tracecap/trace/tracefile"
	"honnef.co/go/tracecap/worker"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newConvertCmd(a *app) *cobra.Command {
	var compression string
	cmd := &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Rewrite a saved trace in the current format",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.convert(args[0], args[1], compression)
		},
	}
	cmd.Flags().StringVarP(&compression, "compression", "c", "snappy", "block compression of the output (snappy or zstd)")
	return cmd
}

func (a *app) convert(in, out, compression string) error {
	comp, err := tracefile.ParseCompression(compression)
	if err != nil {
		return err
	}
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	hdr, err := tracefile.ReadHeader(f)
	f.Close()
	if err != nil {
		return err
	}

	opts := worker.DefaultOptions()
	opts.Logger = a.log
	opts.Statistics = false
	w, err := worker.Open(in, opts)
	if err != nil {
		return err
	}
	if err := w.Wait(); err != nil {
		return err
	}
	if err := w.Save(out, comp); err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"from":        hdr.Version.String(),
		"to":          tracefile.CurrentVersion.String(),
		"compression": comp.String(),
	}).Info("converted trace")
	return nil
}
