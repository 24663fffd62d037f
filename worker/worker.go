// Package worker captures traces. A Worker owns one trace database and fills it, either by talking to an
// instrumented program over the network or by loading a saved capture. The database can be read while the
// capture is in progress.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"honnef.co/go/tracecap/mysync"
	"honnef.co/go/tracecap/protocol"
	"honnef.co/go/tracecap/trace"
	"honnef.co/go/tracecap/trace/tracefile"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DisconnectReason describes how a live session ended.
type DisconnectReason uint8

const (
	// The session is still running, or the worker replays a file.
	NotDisconnected DisconnectReason = iota
	// The producer announced the end of the session.
	DisconnectTerminated
	// The producer closed the connection between two frames.
	DisconnectClosed
	// The producer didn't send anything for longer than the read timeout.
	DisconnectTimeout
	// The worker was shut down.
	DisconnectShutdown
	// Reading from or writing to the producer failed.
	DisconnectIO
	// The producer sent data we couldn't decode.
	DisconnectProtocol
)

func (r DisconnectReason) String() string {
	switch r {
	case NotDisconnected:
		return "not disconnected"
	case DisconnectTerminated:
		return "terminated by producer"
	case DisconnectClosed:
		return "connection closed"
	case DisconnectTimeout:
		return "timed out"
	case DisconnectShutdown:
		return "shut down"
	case DisconnectIO:
		return "I/O error"
	case DisconnectProtocol:
		return "protocol error"
	default:
		return fmt.Sprintf("DisconnectReason(%d)", r)
	}
}

// Progress is a snapshot of a live session's counters.
type Progress struct {
	BytesReceived      uint64
	Frames             uint64
	Events             uint64
	QueriesSent        uint64
	QueriesOutstanding int
	QueriesQueued      int
}

type Worker struct {
	opts Options
	log  logrus.FieldLogger
	db   *mysync.Mutex[*trace.Database]

	// conn is nil for workers that load files.
	conn    net.Conn
	welcome protocol.WelcomeMessage

	cancel     context.CancelFunc
	group      *errgroup.Group
	firstFrame chan struct{}
	firstOnce  sync.Once
	done       chan struct{}
	err        error

	// Only accessed by the decoder goroutine.
	in  *ingest
	q   *queries
	dec protocol.Decoder

	mu         sync.Mutex
	progress   Progress
	reason     DisconnectReason
	disconnErr error
}

// Connect connects to a producer listening at addr and starts capturing. The context bounds the connection
// attempt and the handshake. Use Shutdown or Close to end the session.
func Connect(ctx context.Context, addr string, opts Options) (*Worker, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: KindCannotConnect, Op: "connect", Err: err}
	}
	if opts.Session == "" {
		opts.Session = addr
	}
	return NewWorker(ctx, conn, opts)
}

// NewWorker performs the handshake on an established connection and starts capturing. The worker takes
// ownership of conn and closes it when the session ends, or right away if the handshake fails.
func NewWorker(ctx context.Context, conn net.Conn, opts Options) (*Worker, error) {
	opts.normalize()
	log := opts.Logger
	if opts.Session != "" {
		log = log.WithField("session", opts.Session)
	}

	welcome, err := handshake(ctx, conn, opts.ReadTimeout)
	if err != nil {
		conn.Close()
		log.WithError(err).Error("handshake failed")
		return nil, handshakeError(err)
	}

	db := trace.New()
	db.Info = captureInfo(&welcome)
	db.OnlineStatistics = opts.Statistics
	db.SetImageCacheSize(opts.ImageCacheSize)
	db.FailureHook = func(f trace.Failure) {
		Failures.WithLabelValues(f.Kind.String()).Inc()
		log.WithFields(logrus.Fields{
			"thread": f.Thread,
			"srcloc": f.SrcLoc,
			"time":   f.Time,
		}).Warn(f.String())
	}

	w := newWorker(db, opts, log)
	w.conn = conn
	w.welcome = welcome
	w.q = newQueries(opts.QueryWindow)
	w.in = newIngest(w.q, log, &welcome, opts.LockReorderWarn)
	db.BaseTime = w.in.time(welcome.InitEnd)
	db.MarkFrame(0, db.BaseTime)

	log.WithFields(logrus.Fields{
		"program": welcome.ProgramName,
		"pid":     welcome.Pid,
	}).Info("connected to producer")

	gctx := w.start()
	w.group.Go(func() error { return w.decode(gctx) })
	if opts.Statistics {
		w.group.Go(func() error { return w.liveStatistics(gctx) })
	}
	go w.wait()
	return w, nil
}

// Open loads a saved capture. Statistics, if enabled, are computed in the background.
func Open(path string, opts Options) (*Worker, error) {
	opts.normalize()
	if opts.Session == "" {
		opts.Session = path
	}
	log := opts.Logger.WithField("session", opts.Session)

	db, err := tracefile.OpenFile(path)
	if err != nil {
		log.WithError(err).Error("couldn't load trace")
		return nil, openError(err)
	}
	db.SetImageCacheSize(opts.ImageCacheSize)
	log.WithField("zones", db.Zones.Len()).Info("loaded trace")

	w := newWorker(db, opts, log)
	gctx := w.start()
	if opts.Statistics {
		w.group.Go(func() error { return w.fileStatistics(gctx) })
	}
	go w.wait()
	return w, nil
}

func newWorker(db *trace.Database, opts Options, log logrus.FieldLogger) *Worker {
	return &Worker{
		opts:       opts,
		log:        log,
		db:         mysync.NewMutex(db),
		firstFrame: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (w *Worker) start() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.group, ctx = errgroup.WithContext(ctx)
	return ctx
}

func (w *Worker) wait() {
	w.err = w.group.Wait()
	w.cancel()
	if w.conn != nil {
		w.conn.Close()
	}
	close(w.done)
}

// aLongTimeAgo is a deadline that has already passed, used to interrupt blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

func handshake(ctx context.Context, conn net.Conn, timeout time.Duration) (protocol.WelcomeMessage, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	if err := protocol.WriteHandshake(conn); err != nil {
		if ctx.Err() != nil {
			return protocol.WelcomeMessage{}, ctx.Err()
		}
		return protocol.WelcomeMessage{}, fmt.Errorf("couldn't send handshake: %w", err)
	}
	welcome, err := protocol.ReadWelcome(conn)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.WelcomeMessage{}, ctx.Err()
		}
		return protocol.WelcomeMessage{}, err
	}
	conn.SetDeadline(time.Time{})
	return welcome, nil
}

func captureInfo(msg *protocol.WelcomeMessage) trace.CaptureInfo {
	return trace.CaptureInfo{
		ProgramName:     msg.ProgramName,
		HostInfo:        msg.HostInfo,
		CPUManufacturer: msg.CPUManufacturer,
		Pid:             msg.Pid,
		Epoch:           msg.Epoch,
		ExecTime:        msg.ExecTime,
		Resolution:      trace.Timestamp(msg.Resolution),
		Delay:           trace.Timestamp(msg.Delay),
		SamplingPeriod:  trace.Timestamp(msg.SamplingPeriod),
		TimerMul:        msg.TimerMul,
		CPUID:           msg.CPUID,
		CPUArch:         msg.CPUArch,
		OnDemand:        msg.OnDemand,
	}
}

// errStopped is returned by timeoutReader when the worker is shutting down.
var errStopped = errors.New("worker is shutting down")

// timeoutReader reads from a connection in short intervals, so that shutdown requests are noticed while
// waiting for data. It fails with ErrTimeout once the connection has been idle for too long.
type timeoutReader struct {
	conn    net.Conn
	ctx     context.Context
	poll    time.Duration
	timeout time.Duration
}

func (r *timeoutReader) Read(b []byte) (int, error) {
	var idle time.Duration
	for {
		if r.ctx.Err() != nil {
			return 0, errStopped
		}
		r.conn.SetReadDeadline(time.Now().Add(r.poll))
		n, err := r.conn.Read(b)
		if n > 0 {
			return n, nil
		}
		if isTimeout(err) {
			idle += r.poll
			if idle >= r.timeout {
				return 0, ErrTimeout
			}
			continue
		}
		return n, err
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (w *Worker) decode(ctx context.Context) error {
	defer w.markFirstFrame()
	fr := protocol.NewFrameReader(&timeoutReader{
		conn:    w.conn,
		ctx:     ctx,
		poll:    w.opts.PollInterval,
		timeout: w.opts.ReadTimeout,
	})

	var lastBytes uint64
	for {
		frame, err := fr.ReadFrame()
		BytesReceived.Add(float64(fr.BytesRead - lastBytes))
		lastBytes = fr.BytesRead
		if err != nil {
			return w.disconnect(err)
		}

		terminated, err := w.apply(frame)
		if err != nil {
			return w.disconnect(err)
		}
		w.markFirstFrame()
		if err := w.flushQueries(); err != nil {
			return w.disconnect(err)
		}

		w.mu.Lock()
		w.progress.BytesReceived = fr.BytesRead
		w.progress.Frames = fr.Frames
		w.progress.QueriesSent = w.q.Sent
		w.progress.QueriesOutstanding = w.q.outstanding
		w.progress.QueriesQueued = w.q.queued()
		w.mu.Unlock()
		QueriesOutstanding.Set(float64(w.q.outstanding))
		QueriesQueued.Set(float64(w.q.queued()))

		if terminated {
			return w.disconnect(nil)
		}
	}
}

// apply decodes a frame and applies all of its records while holding the database lock, so that readers
// never observe a partially applied frame.
func (w *Worker) apply(frame []byte) (terminated bool, err error) {
	db, unlock := w.db.Lock()
	w.in.db = db
	w.dec.Reset(frame)
	var rec protocol.Record
	for !w.in.terminated {
		err = w.dec.Next(&rec)
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			break
		}
		w.in.dispatch(&rec)
	}
	w.in.db = nil
	unlock.Unlock()

	FramesDecoded.Inc()
	var events uint64
	for typ, n := range w.in.counts {
		if n == 0 {
			continue
		}
		Events.WithLabelValues(protocol.QueueType(typ).String()).Add(float64(n))
		events += n
		w.in.counts[typ] = 0
	}
	w.mu.Lock()
	w.progress.Events += events
	w.mu.Unlock()
	return w.in.terminated, err
}

func (w *Worker) flushQueries() error {
	out := w.q.take()
	if len(out) == 0 {
		return nil
	}
	w.log.WithField("query", len(out)/protocol.QuerySize).Debug("sending queries")
	w.conn.SetWriteDeadline(time.Now().Add(w.opts.ReadTimeout))
	if _, err := w.conn.Write(out); err != nil {
		return fmt.Errorf("couldn't send queries: %w", err)
	}
	return nil
}

// disconnect records why the session ended. Only protocol errors are returned; all other ways for a
// session to end leave a usable database behind.
func (w *Worker) disconnect(err error) error {
	var reason DisconnectReason
	var ret error
	switch {
	case err == nil:
		reason = DisconnectTerminated
	case errors.Is(err, errStopped):
		reason = DisconnectShutdown
		err = nil
		w.q.control(protocol.QueryTerminate)
		w.conn.SetWriteDeadline(time.Now().Add(w.opts.PollInterval))
		w.conn.Write(w.q.take())
	case errors.Is(err, io.EOF):
		reason = DisconnectClosed
		err = nil
	case errors.Is(err, ErrTimeout):
		reason = DisconnectTimeout
		err = &Error{Kind: KindIO, Op: "read", Err: err}
	case errors.Is(err, protocol.ErrMalformedFrame):
		reason = DisconnectProtocol
		err = &Error{Kind: KindProtocol, Op: "decode", Err: err}
		ret = err
	default:
		reason = DisconnectIO
		err = &Error{Kind: KindIO, Op: "read", Err: err}
	}

	w.db.Do(func(db *trace.Database) {
		db.UpdateLockContention()
		db.ReconstructMemoryPlot()
	})

	w.mu.Lock()
	w.reason = reason
	w.disconnErr = err
	w.mu.Unlock()

	entry := w.log.WithField("reason", reason.String())
	if err != nil {
		entry = entry.WithError(err)
	}
	if ret != nil {
		entry.Error("session failed")
	} else {
		entry.Info("disconnected")
	}
	return ret
}

func (w *Worker) markFirstFrame() {
	w.firstOnce.Do(func() { close(w.firstFrame) })
}

// liveStatistics publishes statistics once the first frame has been applied. Zone statistics of live
// sessions are maintained as zones end, so only the derived data has to be brought up to date.
func (w *Worker) liveStatistics(ctx context.Context) error {
	select {
	case <-w.firstFrame:
	case <-ctx.Done():
		return nil
	}
	w.db.Do(func(db *trace.Database) {
		db.UpdateLockContention()
		db.ReconstructMemoryPlot()
		db.SetStatisticsReady()
	})
	w.log.Info("statistics ready")
	return nil
}

// fileStatistics computes zone statistics of a loaded file. Nobody writes to the database of a loaded
// file, so the tree walk runs without holding the lock, which only guards publishing the result.
func (w *Worker) fileStatistics(ctx context.Context) error {
	start := time.Now()
	stats := w.db.Unsafe().CollectZoneStatistics()
	if ctx.Err() != nil {
		return nil
	}
	w.db.Do(func(db *trace.Database) {
		db.PublishZoneStatistics(stats)
		db.ReconstructMemoryPlot()
	})
	w.log.WithField("duration", time.Since(start)).Info("statistics ready")
	return nil
}

// Database returns the database. Readers must hold its shared lock.
func (w *Worker) Database() *mysync.Mutex[*trace.Database] { return w.db }

// View calls fn with the database while holding the shared lock.
func (w *Worker) View(fn func(db *trace.Database)) { w.db.View(fn) }

// Welcome returns the producer's welcome message. It is the zero value for workers that load files.
func (w *Worker) Welcome() protocol.WelcomeMessage { return w.welcome }

// Live reports whether the worker captures from a producer, as opposed to having loaded a file.
func (w *Worker) Live() bool { return w.conn != nil }

// Progress returns the counters of a live session.
func (w *Worker) Progress() Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

// Disconnected returns the reason the session ended and the error that caused it, if any.
func (w *Worker) Disconnected() (DisconnectReason, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason, w.disconnErr
}

// Done returns a channel that is closed once the session has ended and all background work has finished.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Shutdown asks the worker to stop. A live session tells the producer to terminate. Shutdown doesn't wait;
// use Wait or Close for that.
func (w *Worker) Shutdown() { w.cancel() }

// Wait waits for the session to end and returns the error that ended it, if the producer violated the
// protocol. Use Disconnected to learn about other reasons.
func (w *Worker) Wait() error {
	<-w.done
	return w.err
}

// Close shuts the worker down and waits for it to finish. The database remains usable.
func (w *Worker) Close() error {
	w.Shutdown()
	return w.Wait()
}

// Save writes the database to a file. It may be called while a capture is in progress, in which case the
// file contains everything received so far.
func (w *Worker) Save(path string, c tracefile.Compression) error {
	var err error
	start := time.Now()
	w.db.View(func(db *trace.Database) {
		err = tracefile.SaveFile(path, db, c)
	})
	if err != nil {
		w.log.WithError(err).WithField("path", path).Error("couldn't save trace")
		return &Error{Kind: KindIO, Op: "save", Err: err}
	}
	w.log.WithFields(logrus.Fields{
		"path":     path,
		"duration": time.Since(start),
	}).Info("saved trace")
	return nil
}
