package worker

import (
	"io"
	"time"

	"honnef.co/go/tracecap/protocol"

	"github.com/sirupsen/logrus"
)

// socketBufferSize is the amount of query data we allow to be in flight. Each query takes up
// protocol.QuerySize bytes.
const socketBufferSize = 256 * 1024

const maxQueryWindow = 8192

// Options configures a Worker. The zero value isn't useful; start from DefaultOptions.
type Options struct {
	// Logger receives the worker's log output. If nil, nothing is logged.
	Logger logrus.FieldLogger
	// Session names the session in log output. It defaults to the producer's address or the file's path.
	Session string

	// ReadTimeout is how long the producer may stay silent before the session is considered lost.
	ReadTimeout time.Duration
	// PollInterval is how often the decoder checks for shutdown while waiting for data.
	PollInterval time.Duration
	// QueryWindow limits the number of unanswered queries. Further queries are queued locally.
	QueryWindow int

	// Statistics enables zone statistics. For live captures they are updated as zones end, for files
	// they are computed in the background after loading.
	Statistics bool
	// LockReorderWarn is the number of lock events that have to be rebuilt after an out of order event
	// before a warning is logged.
	LockReorderWarn int
	// ImageCacheSize is the number of decompressed frame images to keep in memory.
	ImageCacheSize int
}

func DefaultOptions() Options {
	return Options{
		ReadTimeout:     10 * time.Second,
		PollInterval:    100 * time.Millisecond,
		QueryWindow:     min(socketBufferSize/protocol.QuerySize, maxQueryWindow),
		Statistics:      true,
		LockReorderWarn: 4096,
		ImageCacheSize:  64,
	}
}

func (opts *Options) normalize() {
	def := DefaultOptions()
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.PollInterval > opts.ReadTimeout {
		opts.PollInterval = opts.ReadTimeout
	}
	if opts.QueryWindow <= 0 {
		opts.QueryWindow = def.QueryWindow
	}
	if opts.LockReorderWarn <= 0 {
		opts.LockReorderWarn = def.LockReorderWarn
	}
	if opts.ImageCacheSize < 0 {
		opts.ImageCacheSize = 0
	}
}
