package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"honnef.co/go/tracecap/trace"
	"honnef.co/go/tracecap/trace/tracefile"
	"honnef.co/go/tracecap/worker"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const topSourceLocations = 10

func newInfoCmd(a *app) *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Summarize a saved trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.info(cmd.OutOrStdout(), args[0], validate)
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "check the trace's structural invariants")
	return cmd
}

func (a *app) info(out io.Writer, path string, validate bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	hdr, err := tracefile.ReadHeader(f)
	fi, serr := f.Stat()
	f.Close()
	if err != nil {
		return fmt.Errorf("couldn't read %s: %w", path, err)
	}
	if serr != nil {
		return serr
	}

	opts := worker.DefaultOptions()
	opts.Logger = a.log
	w, err := worker.Open(path, opts)
	if err != nil {
		return err
	}
	if err := w.Wait(); err != nil {
		return err
	}

	var verr error
	w.View(func(db *trace.Database) {
		printSummary(out, db, summaryHeader{
			path:    path,
			size:    uint64(fi.Size()),
			version: hdr.Version.String(),
			comp:    hdr.Compression.String(),
		})
		printTopSourceLocations(out, db)
		if validate {
			verr = db.Validate()
		}
	})
	if validate {
		if verr != nil {
			return fmt.Errorf("validation failed: %w", verr)
		}
		fmt.Fprintln(out, "Validation:\tok")
	}
	return nil
}

type summaryHeader struct {
	path    string
	size    uint64
	version string
	comp    string
}

func printSummary(out io.Writer, db *trace.Database, hdr summaryHeader) {
	p := message.NewPrinter(language.English)
	s := db.Summary()
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer tw.Flush()

	p.Fprintf(tw, "File:\t%s\n", hdr.path)
	if hdr.version != "" {
		p.Fprintf(tw, "Format:\t%s, %s compression, %s\n", hdr.version, hdr.comp, humanize.Bytes(hdr.size))
	}
	info := &db.Info
	if info.ProgramName != "" {
		p.Fprintf(tw, "Program:\t%s (pid %d)\n", info.ProgramName, info.Pid)
	}
	if info.Epoch != 0 {
		p.Fprintf(tw, "Captured:\t%s\n", humanize.Time(time.Unix(int64(info.Epoch), 0)))
	}
	p.Fprintf(tw, "Duration:\t%s\n", time.Duration(s.Duration))
	p.Fprintf(tw, "Threads:\t%d\n", s.Threads)
	p.Fprintf(tw, "Zones:\t%d\n", s.Zones)
	p.Fprintf(tw, "Source locations:\t%d\n", s.SourceLocations)
	p.Fprintf(tw, "Strings:\t%d\n", s.Strings)
	p.Fprintf(tw, "Callstacks:\t%d\n", s.Callstacks)
	p.Fprintf(tw, "Locks:\t%d (%d contended)\n", s.Locks, s.ContendedLocks)
	p.Fprintf(tw, "Memory events:\t%d\n", s.MemoryEvents)
	p.Fprintf(tw, "Plots:\t%d\n", s.Plots)
	p.Fprintf(tw, "Frames:\t%d (%d images)\n", s.Frames, s.FrameImages)
	p.Fprintf(tw, "Messages:\t%d\n", s.Messages)
	p.Fprintf(tw, "GPU zones:\t%d in %d contexts\n", s.GpuZones, s.GpuContexts)
	p.Fprintf(tw, "Context switches:\t%d\n", s.ContextSwitches)
	bytes, blocks := db.ArenaUsage()
	p.Fprintf(tw, "Arena:\t%s in %d blocks\n", humanize.Bytes(uint64(bytes)), blocks)
	if f, n, ok := db.Failure(); ok {
		p.Fprintf(tw, "Failure:\t%s (%d total)\n", f, n)
	}
}

func printTopSourceLocations(out io.Writer, db *trace.Database) {
	if len(db.ZoneStats) == 0 {
		return
	}
	ids := make([]trace.SrcLocID, 0, len(db.ZoneStats))
	for id := range db.ZoneStats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := db.ZoneStats[ids[i]].Total, db.ZoneStats[ids[j]].Total
		if ti != tj {
			return ti > tj
		}
		return ids[i] < ids[j]
	})
	if len(ids) > topSourceLocations {
		ids = ids[:topSourceLocations]
	}

	p := message.NewPrinter(language.English)
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "Zone\tCount\tTotal\tMean\tMedian\tStd. dev.")
	for _, id := range ids {
		stat := db.ZoneStats[id]
		p.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			db.SourceLocationName(id),
			stat.Count,
			time.Duration(stat.Total),
			time.Duration(stat.Average()),
			time.Duration(db.ZoneMedian(stat)),
			time.Duration(stat.StdDev()),
		)
	}
}
