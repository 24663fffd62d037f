// Package protocol implements the wire format spoken between an instrumented program (the producer) and
// the capture worker.
//
// A session starts with a handshake: the worker sends Magic and its ProtocolVersion, the producer answers
// with a status byte and, if it accepts the connection, a WelcomeMessage. After that the producer sends a
// stream of frames, each of which is an LZ4 block that decompresses into a sequence of records. The worker
// sends fixed-size queries back to request data it has seen references to.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// ProtocolVersion is the version of the protocol implemented by this package.
	ProtocolVersion uint32 = 3

	// TargetFrameSize is the maximum size of a decompressed frame.
	TargetFrameSize = 256 * 1024
	// DictSize is the amount of previously decompressed data that frames may refer back to.
	DictSize = 64 * 1024
)

var Magic = [8]byte{'T', 'r', 'a', 'c', 'y', 'P', 'r', 'f'}

var (
	ErrProtocolMismatch = errors.New("producer speaks an incompatible protocol version")
	ErrNotAvailable     = errors.New("producer is already connected to another client")
	ErrDropped          = errors.New("producer has dropped data that was meant for us")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrBadHandshake     = errors.New("bad handshake")
)

type HandshakeStatus uint8

const (
	HandshakePending HandshakeStatus = iota
	HandshakeWelcome
	HandshakeProtocolMismatch
	HandshakeNotAvailable
	HandshakeDropped
)

func (s HandshakeStatus) err() error {
	switch s {
	case HandshakeWelcome:
		return nil
	case HandshakeProtocolMismatch:
		return ErrProtocolMismatch
	case HandshakeNotAvailable:
		return ErrNotAvailable
	case HandshakeDropped:
		return ErrDropped
	default:
		return fmt.Errorf("%w: unknown status %d", ErrBadHandshake, s)
	}
}

// WelcomeMessage describes the producer. It is sent once, right after the handshake.
type WelcomeMessage struct {
	// TimerMul converts producer ticks to nanoseconds.
	TimerMul        float64
	InitBegin       int64
	InitEnd         int64
	Delay           uint64
	Resolution      uint64
	Epoch           uint64
	ExecTime        uint64
	Pid             uint64
	SamplingPeriod  int64
	OnDemand        bool
	IsApple         bool
	CPUArch         uint8
	CPUManufacturer string
	CPUID           uint32
	ProgramName     string
	HostInfo        string
}

const (
	welcomeFlagOnDemand = 1 << iota
	welcomeFlagIsApple
)

type welcomeWire struct {
	TimerMul        float64
	InitBegin       int64
	InitEnd         int64
	Delay           uint64
	Resolution      uint64
	Epoch           uint64
	ExecTime        uint64
	Pid             uint64
	SamplingPeriod  int64
	Flags           uint8
	CPUArch         uint8
	CPUManufacturer [12]byte
	CPUID           uint32
	ProgramName     [64]byte
	HostInfo        [1024]byte
}

// WelcomeMessageSize is the size of an encoded WelcomeMessage.
var WelcomeMessageSize = binary.Size(welcomeWire{})

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// WriteHandshake sends the worker's side of the handshake.
func WriteHandshake(w io.Writer) error {
	var buf [12]byte
	copy(buf[:], Magic[:])
	binary.LittleEndian.PutUint32(buf[8:], ProtocolVersion)
	_, err := w.Write(buf[:])
	return err
}

// ReadHandshake reads the worker's side of the handshake and returns the worker's protocol version.
func ReadHandshake(r io.Reader) (uint32, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("couldn't read handshake: %w", err)
	}
	if !bytes.Equal(buf[:8], Magic[:]) {
		return 0, ErrBadHandshake
	}
	return binary.LittleEndian.Uint32(buf[8:]), nil
}

// WriteWelcome sends the producer's answer to the handshake. msg is only sent, and must only be non-nil,
// if status is HandshakeWelcome.
func WriteWelcome(w io.Writer, status HandshakeStatus, msg *WelcomeMessage) error {
	if _, err := w.Write([]byte{byte(status)}); err != nil {
		return err
	}
	if status != HandshakeWelcome {
		return nil
	}
	wire := welcomeWire{
		TimerMul:       msg.TimerMul,
		InitBegin:      msg.InitBegin,
		InitEnd:        msg.InitEnd,
		Delay:          msg.Delay,
		Resolution:     msg.Resolution,
		Epoch:          msg.Epoch,
		ExecTime:       msg.ExecTime,
		Pid:            msg.Pid,
		SamplingPeriod: msg.SamplingPeriod,
		CPUArch:        msg.CPUArch,
		CPUID:          msg.CPUID,
	}
	if msg.OnDemand {
		wire.Flags |= welcomeFlagOnDemand
	}
	if msg.IsApple {
		wire.Flags |= welcomeFlagIsApple
	}
	copy(wire.CPUManufacturer[:], msg.CPUManufacturer)
	copy(wire.ProgramName[:len(wire.ProgramName)-1], msg.ProgramName)
	copy(wire.HostInfo[:len(wire.HostInfo)-1], msg.HostInfo)
	return binary.Write(w, binary.LittleEndian, &wire)
}

// ReadWelcome reads the producer's answer to the handshake. Refusals are reported as ErrProtocolMismatch,
// ErrNotAvailable or ErrDropped.
func ReadWelcome(r io.Reader) (WelcomeMessage, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return WelcomeMessage{}, fmt.Errorf("couldn't read handshake status: %w", err)
	}
	if err := HandshakeStatus(status[0]).err(); err != nil {
		return WelcomeMessage{}, err
	}
	var wire welcomeWire
	if err := binary.Read(r, binary.LittleEndian, &wire); err != nil {
		return WelcomeMessage{}, fmt.Errorf("couldn't read welcome message: %w", err)
	}
	if wire.TimerMul <= 0 {
		return WelcomeMessage{}, fmt.Errorf("%w: invalid timer multiplier %v", ErrBadHandshake, wire.TimerMul)
	}
	return WelcomeMessage{
		TimerMul:        wire.TimerMul,
		InitBegin:       wire.InitBegin,
		InitEnd:         wire.InitEnd,
		Delay:           wire.Delay,
		Resolution:      wire.Resolution,
		Epoch:           wire.Epoch,
		ExecTime:        wire.ExecTime,
		Pid:             wire.Pid,
		SamplingPeriod:  wire.SamplingPeriod,
		OnDemand:        wire.Flags&welcomeFlagOnDemand != 0,
		IsApple:         wire.Flags&welcomeFlagIsApple != 0,
		CPUArch:         wire.CPUArch,
		CPUManufacturer: cstring(wire.CPUManufacturer[:]),
		CPUID:           wire.CPUID,
		ProgramName:     cstring(wire.ProgramName[:]),
		HostInfo:        cstring(wire.HostInfo[:]),
	}, nil
}
