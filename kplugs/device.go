package kplugs

import (
	"encoding/binary"
	"sync"
)

// version is the wire protocol version stamped into every request header:
// major in byte 1, minor in byte 2.
const (
	versionMajor = 1
	versionMinor = 0
)

// Device operation codes.
const (
	opReply             uint64 = 0
	opLoad              uint64 = 1
	opExecute           uint64 = 2
	opExecuteAnonymous  uint64 = 3
	opUnload            uint64 = 4
	opUnloadAnonymous   uint64 = 5
	opGetLastException  uint64 = 6
)

// Device is the kernel endpoint seam. A concrete implementation owns the
// actual character-device file descriptor and the raw syscalls that move
// bytes across it; this package never touches a file descriptor directly,
// so callers can swap in any transport (ioctl, a test double, a socket
// bridge) that can round-trip the header frame below.
//
// Exec issues one request/response round trip. req is the 5-word header
// frame; payload1/payload2 carry the variable-length bytes a request
// needs (a load image, an argument array, a function name) and may be
// nil when the operation needs none. A kernel-reported failure (the
// device refused the write) is returned as *DeviceError with the numeric
// code already extracted; any other error is a transport-level failure.
// For GET_LAST_EXCEPTION, whose 4-word record has nowhere else to go
// without a caller-supplied pointer, Exec returns that record in resp
// directly: resp[0]=kind, resp[1]=code, resp[2]=arg1, resp[3]=arg2.
type Device interface {
	Exec(req [5]uint64, payload1, payload2 []byte) (resp [5]uint64, err error)
	Close() error
}

func packHeader(op uint64, global bool) uint64 {
	h := uint64(wordSize) | (1 << 7) | (uint64(versionMajor) << 8) | (uint64(versionMinor) << 16)
	opByte := op
	if global {
		opByte |= 1 << 7
	}
	h |= opByte << 24
	return h
}

// unpackHeader recovers (word_size, major, minor, op, global) from a
// header word; it is the exact inverse of packHeader.
func unpackHeader(h uint64) (wordSz uint64, major, minor byte, op uint64, global bool) {
	wordSz = h & 0x7f
	major = byte((h >> 8) & 0xff)
	minor = byte((h >> 16) & 0xff)
	opByte := (h >> 24) & 0xff
	global = opByte&(1<<7) != 0
	op = opByte &^ (1 << 7)
	return
}

func wordBytes(v uint64) []byte {
	b := make([]byte, wordSize)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func packArgWords(args []uint64) []byte {
	buf := make([]byte, len(args)*wordSize)
	for i, a := range args {
		binary.LittleEndian.PutUint64(buf[i*wordSize:], a)
	}
	return buf
}

// transport drives a Device through the load/execute/unload/exception
// operations, serializing every round trip through mu so at most one
// logical operation is ever outstanding against the handle at a time.
type transport struct {
	dev Device
	mu  sync.Mutex

	excValid bool
	excArg1  uint64
	excArg2  uint64
}

func newTransport(dev Device) *transport {
	return &transport{dev: dev}
}

func (t *transport) exec(op uint64, global bool, len1, len2 uint64, payload1, payload2 []byte) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req := [5]uint64{packHeader(op, global), len1, len2, 0, 0}
	resp, err := t.dev.Exec(req, payload1, payload2)
	if err != nil {
		if de, ok := err.(*DeviceError); ok && (op == opExecute || op == opExecuteAnonymous) {
			t.fetchLastExceptionLocked(de.Code, global)
		}
		return 0, err
	}
	return resp[3], nil
}

// fetchLastExceptionLocked runs after a failed EXECUTE: it issues
// GET_LAST_EXCEPTION and accepts (arg1, arg2) only if its code matches the
// error just observed; otherwise the previous record (if any) is left
// untouched.
func (t *transport) fetchLastExceptionLocked(observedCode uint64, global bool) {
	req := [5]uint64{packHeader(opGetLastException, global), wordSize * 4, 0, 0, 0}
	resp, err := t.dev.Exec(req, nil, nil)
	if err != nil {
		return
	}
	code, arg1, arg2 := resp[1], resp[2], resp[3]
	if code == observedCode {
		t.excValid = true
		t.excArg1 = arg1
		t.excArg2 = arg2
	}
}

func (t *transport) lastException() (arg1, arg2 uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.excArg1, t.excArg2, t.excValid
}

func (t *transport) loadImage(image []byte, global bool) (uint64, error) {
	return t.exec(opLoad, global, uint64(len(image)), 0, image, nil)
}

func (t *transport) unloadNamed(name string, global bool) error {
	_, err := t.exec(opUnload, global, uint64(len(name)), 0, []byte(name), nil)
	return err
}

func (t *transport) unloadAnonymous(addr uint64, global bool) error {
	_, err := t.exec(opUnloadAnonymous, global, 0, 0, wordBytes(addr), nil)
	return err
}

func (t *transport) executeNamed(name string, args []uint64, global bool) (uint64, error) {
	return t.exec(opExecute, global, uint64(len(name)), uint64(len(args))*wordSize, []byte(name), packArgWords(args))
}

func (t *transport) executeAnonymous(addr uint64, args []uint64, global bool) (uint64, error) {
	return t.exec(opExecuteAnonymous, global, 0, uint64(len(args))*wordSize, wordBytes(addr), packArgWords(args))
}

func (t *transport) close() error {
	return t.dev.Close()
}
