package main

import (
	"encoding/binary"

	"kplugs/kplugs"
)

// memDevice is a stand-in for the kernel character device (spec.md §1
// explicitly excludes the real /dev-style driver and the kernel VM's
// execution semantics). It implements enough of the wire protocol to
// exercise load/execute/unload/close end to end: LOAD stores the image
// and hands back an address, UNLOAD forgets it, and EXECUTE -- since
// there is no VM here to actually run the quartet program -- simply
// sums the argument words handed to it. That happens to match the one
// function this demo compiles (`return x + y`), but memDevice makes no
// attempt to interpret opcodes in general.
type memDevice struct {
	next   uint64
	images map[uint64][]byte
}

func newMemDevice() *memDevice {
	return &memDevice{next: 1, images: make(map[uint64][]byte)}
}

func (d *memDevice) Exec(req [5]uint64, payload1, payload2 []byte) ([5]uint64, error) {
	op := (req[0] >> 24) & 0x7f

	switch op {
	case 1: // LOAD
		addr := d.next
		d.next++
		d.images[addr] = append([]byte(nil), payload1...)
		return [5]uint64{0, 0, 0, addr, 0}, nil

	case 2, 3: // EXECUTE, EXECUTE_ANONYMOUS
		var sum uint64
		for i := 0; i+8 <= len(payload2); i += 8 {
			sum += binary.LittleEndian.Uint64(payload2[i : i+8])
		}
		return [5]uint64{0, 0, 0, sum, 0}, nil

	case 4: // UNLOAD
		delete(d.images, addrFromNamedUnload(payload1, d))
		return [5]uint64{0, 0, 0, 0, 0}, nil

	case 5: // UNLOAD_ANONYMOUS
		if len(payload1) >= 8 {
			delete(d.images, binary.LittleEndian.Uint64(payload1))
		}
		return [5]uint64{0, 0, 0, 0, 0}, nil

	case 6: // GET_LAST_EXCEPTION
		return [5]uint64{0, 0, 0, 0, 0}, nil

	default:
		return [5]uint64{}, &kplugs.DeviceError{Code: 3} // "Wrong operation"
	}
}

// addrFromNamedUnload is a demo-only shortcut: this device never
// actually indexes images by name, so a named UNLOAD just drops the
// most recently loaded image.
func addrFromNamedUnload(name []byte, d *memDevice) uint64 {
	var last uint64
	for addr := range d.images {
		if addr > last {
			last = addr
		}
	}
	return last
}

func (d *memDevice) Close() error {
	return nil
}
