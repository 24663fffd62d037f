package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

type QueryType uint8

const (
	QueryTerminate QueryType = iota
	QueryString
	QueryThreadString
	QuerySourceLocation
	QueryPlotName
	QueryFrameName
	QueryCallstackFrame
	QueryDisconnect
)

func (typ QueryType) String() string {
	switch typ {
	case QueryTerminate:
		return "Terminate"
	case QueryString:
		return "String"
	case QueryThreadString:
		return "ThreadString"
	case QuerySourceLocation:
		return "SourceLocation"
	case QueryPlotName:
		return "PlotName"
	case QueryFrameName:
		return "FrameName"
	case QueryCallstackFrame:
		return "CallstackFrame"
	case QueryDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("QueryType(%d)", typ)
	}
}

// QuerySize is the size of an encoded query.
const QuerySize = 13

// Query asks the producer for data the worker has seen a reference to. Every query except Terminate and
// Disconnect is answered with exactly one record.
type Query struct {
	Type  QueryType
	Ptr   uint64
	Extra uint32
}

func (q Query) Append(b []byte) []byte {
	b = append(b, byte(q.Type))
	b = binary.LittleEndian.AppendUint64(b, q.Ptr)
	b = binary.LittleEndian.AppendUint32(b, q.Extra)
	return b
}

func ReadQuery(r io.Reader) (Query, error) {
	var buf [QuerySize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Query{}, err
	}
	return Query{
		Type:  QueryType(buf[0]),
		Ptr:   binary.LittleEndian.Uint64(buf[1:]),
		Extra: binary.LittleEndian.Uint32(buf[9:]),
	}, nil
}

// Reply returns the record type that answers queries of this type.
func (typ QueryType) Reply() (QueueType, bool) {
	switch typ {
	case QueryString:
		return QueueStringData, true
	case QueryThreadString:
		return QueueThreadName, true
	case QuerySourceLocation:
		return QueueSourceLocation, true
	case QueryPlotName:
		return QueuePlotName, true
	case QueryFrameName:
		return QueueFrameName, true
	case QueryCallstackFrame:
		return QueueCallstackFrameData, true
	default:
		return 0, false
	}
}
