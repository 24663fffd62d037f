package protocol

import (
	"fmt"
	"math"
)

// QueueType is the tag of a record.
type QueueType uint8

const (
	QueueThreadContext QueueType = iota
	QueueZoneBegin
	QueueZoneBeginCallstack
	QueueZoneBeginAllocSrcLoc
	QueueZoneBeginAllocSrcLocCallstack
	QueueZoneEnd
	QueueZoneValidation
	QueueZoneColor
	QueueZoneValue
	QueueZoneText
	QueueZoneName
	QueueFrameMarkMsg
	QueueFrameMarkMsgStart
	QueueFrameMarkMsgEnd
	QueueFrameImage
	QueueSourceLocation
	QueueLockAnnounce
	QueueLockTerminate
	QueueLockWait
	QueueLockObtain
	QueueLockRelease
	QueueLockSharedWait
	QueueLockSharedObtain
	QueueLockSharedRelease
	QueueLockMark
	QueueLockName
	QueuePlotDataInt
	QueuePlotDataFloat
	QueuePlotDataDouble
	QueuePlotConfig
	QueueMessage
	QueueMessageColor
	QueueMemAlloc
	QueueMemFree
	QueueMemAllocCallstack
	QueueMemFreeCallstack
	QueueGpuNewContext
	QueueGpuZoneBegin
	QueueGpuZoneBeginCallstack
	QueueGpuZoneEnd
	QueueGpuTime
	QueueContextSwitch
	QueueThreadWakeup
	QueueCrash
	QueueKeepAlive
	QueueTerminate
	QueueAckServerQueryNoop

	// Records from here on are transfers of variable-sized data.
	QueueStringData
	QueueThreadName
	QueuePlotName
	QueueFrameName
	QueueSourceLocationPayload
	QueueCallstackPayload
	QueueCallstackFrameData
	QueueFrameImageData
	QueueSingleStringData

	QueueCount
)

// QueueStringTransferFirst is the first tag that denotes a transfer.
const QueueStringTransferFirst = QueueStringData

// TransferHeaderSize is the size of a transfer's header, following its tag: a 64-bit handle and a 32-bit
// payload size.
const TransferHeaderSize = 12

// MaxArgs is the maximum number of fields of a fixed-size record.
const MaxArgs = 8

// ArgKind describes the encoding of a record field.
type ArgKind uint8

const (
	ArgU8 ArgKind = iota
	ArgU16
	ArgU32
	ArgU64
	// ArgI64 is a signed 64-bit integer, used for timestamps.
	ArgI64
	ArgF32
	ArgF64
)

func (k ArgKind) size() int {
	switch k {
	case ArgU8:
		return 1
	case ArgU16:
		return 2
	case ArgU32, ArgF32:
		return 4
	default:
		return 8
	}
}

const (
	u8  = ArgU8
	u16 = ArgU16
	u32 = ArgU32
	u64 = ArgU64
	i64 = ArgI64
	f32 = ArgF32
	f64 = ArgF64
)

// QueueDescriptions describes the layout of every record type. Fields are encoded in order, little endian.
var QueueDescriptions = [QueueCount]struct {
	Name string
	Args []string
	// Kinds holds the encoding of each field in Args.
	Kinds []ArgKind
	// Transfer is set for variable-sized records.
	Transfer bool
}{
	QueueThreadContext:                 {"ThreadContext", []string{"thread"}, []ArgKind{u64}, false},
	QueueZoneBegin:                     {"ZoneBegin", []string{"time", "srcloc"}, []ArgKind{i64, u64}, false},
	QueueZoneBeginCallstack:            {"ZoneBeginCallstack", []string{"time", "srcloc"}, []ArgKind{i64, u64}, false},
	QueueZoneBeginAllocSrcLoc:          {"ZoneBeginAllocSrcLoc", []string{"time"}, []ArgKind{i64}, false},
	QueueZoneBeginAllocSrcLocCallstack: {"ZoneBeginAllocSrcLocCallstack", []string{"time"}, []ArgKind{i64}, false},
	QueueZoneEnd:                       {"ZoneEnd", []string{"time"}, []ArgKind{i64}, false},
	QueueZoneValidation:                {"ZoneValidation", []string{"id"}, []ArgKind{u32}, false},
	QueueZoneColor:                     {"ZoneColor", []string{"color"}, []ArgKind{u32}, false},
	QueueZoneValue:                     {"ZoneValue", []string{"value"}, []ArgKind{u64}, false},
	QueueZoneText:                      {"ZoneText", nil, nil, false},
	QueueZoneName:                      {"ZoneName", nil, nil, false},
	QueueFrameMarkMsg:                  {"FrameMarkMsg", []string{"time", "name"}, []ArgKind{i64, u64}, false},
	QueueFrameMarkMsgStart:             {"FrameMarkMsgStart", []string{"time", "name"}, []ArgKind{i64, u64}, false},
	QueueFrameMarkMsgEnd:               {"FrameMarkMsgEnd", []string{"time", "name"}, []ArgKind{i64, u64}, false},
	QueueFrameImage:                    {"FrameImage", []string{"frame", "width", "height", "flip"}, []ArgKind{u32, u16, u16, u8}, false},
	QueueSourceLocation: {"SourceLocation",
		[]string{"ptr", "name", "function", "file", "line", "color"},
		[]ArgKind{u64, u64, u64, u64, u32, u32}, false},
	QueueLockAnnounce:       {"LockAnnounce", []string{"id", "time", "lckloc", "type"}, []ArgKind{u32, i64, u64, u8}, false},
	QueueLockTerminate:      {"LockTerminate", []string{"id", "time"}, []ArgKind{u32, i64}, false},
	QueueLockWait:           {"LockWait", []string{"thread", "id", "time"}, []ArgKind{u64, u32, i64}, false},
	QueueLockObtain:         {"LockObtain", []string{"thread", "id", "time"}, []ArgKind{u64, u32, i64}, false},
	QueueLockRelease:        {"LockRelease", []string{"thread", "id", "time"}, []ArgKind{u64, u32, i64}, false},
	QueueLockSharedWait:     {"LockSharedWait", []string{"thread", "id", "time"}, []ArgKind{u64, u32, i64}, false},
	QueueLockSharedObtain:   {"LockSharedObtain", []string{"thread", "id", "time"}, []ArgKind{u64, u32, i64}, false},
	QueueLockSharedRelease:  {"LockSharedRelease", []string{"thread", "id", "time"}, []ArgKind{u64, u32, i64}, false},
	QueueLockMark:           {"LockMark", []string{"thread", "id", "srcloc"}, []ArgKind{u64, u32, u64}, false},
	QueueLockName:           {"LockName", []string{"id"}, []ArgKind{u32}, false},
	QueuePlotDataInt:        {"PlotDataInt", []string{"name", "time", "value"}, []ArgKind{u64, i64, i64}, false},
	QueuePlotDataFloat:      {"PlotDataFloat", []string{"name", "time", "value"}, []ArgKind{u64, i64, f32}, false},
	QueuePlotDataDouble:     {"PlotDataDouble", []string{"name", "time", "value"}, []ArgKind{u64, i64, f64}, false},
	QueuePlotConfig:         {"PlotConfig", []string{"name", "type", "step", "fill", "color"}, []ArgKind{u64, u8, u8, u8, u32}, false},
	QueueMessage:            {"Message", []string{"time"}, []ArgKind{i64}, false},
	QueueMessageColor:       {"MessageColor", []string{"time", "color"}, []ArgKind{i64, u32}, false},
	QueueMemAlloc:           {"MemAlloc", []string{"time", "thread", "ptr", "size"}, []ArgKind{i64, u64, u64, u64}, false},
	QueueMemFree:            {"MemFree", []string{"time", "thread", "ptr"}, []ArgKind{i64, u64, u64}, false},
	QueueMemAllocCallstack:  {"MemAllocCallstack", []string{"time", "thread", "ptr", "size"}, []ArgKind{i64, u64, u64, u64}, false},
	QueueMemFreeCallstack:   {"MemFreeCallstack", []string{"time", "thread", "ptr"}, []ArgKind{i64, u64, u64}, false},
	QueueGpuNewContext: {"GpuNewContext",
		[]string{"cpuTime", "gpuTime", "thread", "period", "context", "flags", "type"},
		[]ArgKind{i64, i64, u64, f32, u8, u8, u8}, false},
	QueueGpuZoneBegin: {"GpuZoneBegin",
		[]string{"cpuTime", "srcloc", "thread", "queryId", "context"},
		[]ArgKind{i64, u64, u64, u16, u8}, false},
	QueueGpuZoneBeginCallstack: {"GpuZoneBeginCallstack",
		[]string{"cpuTime", "srcloc", "thread", "queryId", "context"},
		[]ArgKind{i64, u64, u64, u16, u8}, false},
	QueueGpuZoneEnd: {"GpuZoneEnd", []string{"cpuTime", "thread", "queryId", "context"}, []ArgKind{i64, u64, u16, u8}, false},
	QueueGpuTime:    {"GpuTime", []string{"gpuTime", "queryId", "context"}, []ArgKind{i64, u16, u8}, false},
	QueueContextSwitch: {"ContextSwitch",
		[]string{"time", "oldThread", "newThread", "cpu", "reason", "state"},
		[]ArgKind{i64, u64, u64, u8, u8, u8}, false},
	QueueThreadWakeup:       {"ThreadWakeup", []string{"time", "thread"}, []ArgKind{i64, u64}, false},
	QueueCrash:              {"Crash", []string{"time", "thread"}, []ArgKind{i64, u64}, false},
	QueueKeepAlive:          {"KeepAlive", nil, nil, false},
	QueueTerminate:          {"Terminate", nil, nil, false},
	QueueAckServerQueryNoop: {"AckServerQueryNoop", nil, nil, false},

	QueueStringData:            {"StringData", nil, nil, true},
	QueueThreadName:            {"ThreadName", nil, nil, true},
	QueuePlotName:              {"PlotName", nil, nil, true},
	QueueFrameName:             {"FrameName", nil, nil, true},
	QueueSourceLocationPayload: {"SourceLocationPayload", nil, nil, true},
	QueueCallstackPayload:      {"CallstackPayload", nil, nil, true},
	QueueCallstackFrameData:    {"CallstackFrameData", nil, nil, true},
	QueueFrameImageData:        {"FrameImageData", nil, nil, true},
	QueueSingleStringData:      {"SingleStringData", nil, nil, true},
}

// QueueDataSize is the encoded size of each fixed-size record, including its tag. For transfers it is
// the size of the tag and the transfer header.
var QueueDataSize [QueueCount]int

func init() {
	for typ := range QueueDescriptions {
		d := &QueueDescriptions[typ]
		if d.Name == "" {
			panic(fmt.Sprintf("missing description for record type %d", typ))
		}
		if len(d.Args) != len(d.Kinds) || len(d.Args) > MaxArgs {
			panic(fmt.Sprintf("inconsistent description for %s", d.Name))
		}
		if d.Transfer {
			QueueDataSize[typ] = 1 + TransferHeaderSize
			continue
		}
		n := 1
		for _, k := range d.Kinds {
			n += k.size()
		}
		QueueDataSize[typ] = n
	}
}

func (typ QueueType) String() string {
	if typ >= QueueCount {
		return fmt.Sprintf("QueueType(%d)", typ)
	}
	return QueueDescriptions[typ].Name
}

// IsTransfer reports whether records of this type carry variable-sized data.
func (typ QueueType) IsTransfer() bool {
	return typ >= QueueStringTransferFirst && typ < QueueCount
}

// Record is a decoded record. Fixed-size fields are stored in Args in the order given by
// QueueDescriptions; floating point fields hold their IEEE 754 bits. Transfers use Handle and Data instead.
type Record struct {
	Type QueueType
	Args [MaxArgs]uint64

	Handle uint64
	// Data aliases the decoder's buffer and is only valid until the next frame is read.
	Data []byte
}

func (rec *Record) Uint(i int) uint64 { return rec.Args[i] }
func (rec *Record) Int(i int) int64   { return int64(rec.Args[i]) }

// Float returns field i as a floating point number, honoring the field's encoded width.
func (rec *Record) Float(i int) float64 {
	if QueueDescriptions[rec.Type].Kinds[i] == ArgF32 {
		return float64(math.Float32frombits(uint32(rec.Args[i])))
	}
	return math.Float64frombits(rec.Args[i])
}

func (rec *Record) String() string {
	d := &QueueDescriptions[rec.Type]
	if d.Transfer {
		return fmt.Sprintf("%s{handle: %#x, size: %d}", d.Name, rec.Handle, len(rec.Data))
	}
	s := d.Name + "{"
	for i, name := range d.Args {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s: %d", name, rec.Args[i])
	}
	return s + "}"
}

// F32 and F64 encode floating point arguments for Encoder.Record.
func F32(v float32) uint64 { return uint64(math.Float32bits(v)) }
func F64(v float64) uint64 { return math.Float64bits(v) }
