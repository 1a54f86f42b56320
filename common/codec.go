package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Binary codec for operations, used by storage adapters. Field lengths are
// little-endian prefixed; version vectors travel in their JSON form so the
// persisted representation stays portable across backends

// MustBytes serializes a Write-able object, panicking on failure
func MustBytes(o interface{ Write(w io.Writer) error }) []byte {
	var buf bytes.Buffer
	if err := o.Write(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ReadBytes16 reads a byte slice prefixed with its uint16 length
func ReadBytes16(r io.Reader) ([]byte, error) {
	var length uint16
	if err := ReadUint16(r, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	ret := make([]byte, length)
	_, err := io.ReadFull(r, ret)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// WriteBytes16 writes a byte slice prefixed with its uint16 length
func WriteBytes16(w io.Writer, data []byte) error {
	if len(data) > math.MaxUint16 {
		panic(fmt.Sprintf("WriteBytes16: too long data (%v)", len(data)))
	}
	if err := WriteUint16(w, uint16(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadBytes32 reads a byte slice prefixed with its uint32 length
func ReadBytes32(r io.Reader) ([]byte, error) {
	var length uint32
	if err := ReadUint32(r, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	ret := make([]byte, length)
	if _, err := io.ReadFull(r, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// WriteBytes32 writes a byte slice prefixed with its uint32 length
func WriteBytes32(w io.Writer, data []byte) error {
	if uint64(len(data)) > math.MaxUint32 {
		panic(fmt.Sprintf("WriteBytes32: too long data (%v)", len(data)))
	}
	if err := WriteUint32(w, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func ReadUint16(r io.Reader, pval *uint16) error {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return err
	}
	*pval = binary.LittleEndian.Uint16(tmp[:])
	return nil
}

func WriteUint16(w io.Writer, val uint16) error {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], val)
	_, err := w.Write(tmp[:])
	return err
}

func ReadUint32(r io.Reader, pval *uint32) error {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return err
	}
	*pval = binary.LittleEndian.Uint32(tmp[:])
	return nil
}

func WriteUint32(w io.Writer, val uint32) error {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], val)
	_, err := w.Write(tmp[:])
	return err
}

func ReadUint64(r io.Reader, pval *uint64) error {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return err
	}
	*pval = binary.LittleEndian.Uint64(tmp[:])
	return nil
}

func WriteUint64(w io.Writer, val uint64) error {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], val)
	_, err := w.Write(tmp[:])
	return err
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var tmp [1]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return tmp[0], nil
}

const (
	opFlagKnownState = 0x01
	opFlagPayload    = 0x02
)

// Write serializes the operation
func (op *Operation) Write(w io.Writer) error {
	if err := writeByte(w, byte(op.Kind)); err != nil {
		return err
	}
	if err := WriteBytes16(w, op.ID.Replica.Bytes()); err != nil {
		return err
	}
	if err := WriteUint64(w, op.ID.Counter); err != nil {
		return err
	}
	if err := WriteUint64(w, op.Lamport); err != nil {
		return err
	}
	var flags byte
	if op.KnownState != nil {
		flags |= opFlagKnownState
	}
	if op.HasPayload {
		flags |= opFlagPayload
	}
	if err := writeByte(w, flags); err != nil {
		return err
	}
	if _, err := w.Write(op.Node[:]); err != nil {
		return err
	}
	switch op.Kind {
	case OpInsert:
		if _, err := w.Write(op.Parent[:]); err != nil {
			return err
		}
		if err := WriteBytes16(w, op.OrderKey); err != nil {
			return err
		}
	case OpMove:
		if _, err := w.Write(op.NewParent[:]); err != nil {
			return err
		}
		if err := WriteBytes16(w, op.OrderKey); err != nil {
			return err
		}
	}
	if op.HasPayload {
		if err := WriteBytes32(w, op.Payload); err != nil {
			return err
		}
	}
	if op.KnownState != nil {
		if err := WriteBytes16(w, op.KnownState.MustJSON()); err != nil {
			return err
		}
	}
	return nil
}

// Bytes serializes the operation into a fresh slice
func (op *Operation) Bytes() []byte {
	return MustBytes(op)
}

// ReadOperation deserializes one operation from the reader
func ReadOperation(r io.Reader) (*Operation, error) {
	kind, err := readByte(r)
	if err != nil {
		return nil, err
	}
	replica, err := ReadBytes16(r)
	if err != nil {
		return nil, err
	}
	ret := &Operation{Kind: OpKind(kind)}
	ret.ID.Replica = ReplicaID(replica)
	if err := ReadUint64(r, &ret.ID.Counter); err != nil {
		return nil, err
	}
	if err := ReadUint64(r, &ret.Lamport); err != nil {
		return nil, err
	}
	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, ret.Node[:]); err != nil {
		return nil, err
	}
	switch ret.Kind {
	case OpInsert:
		if _, err := io.ReadFull(r, ret.Parent[:]); err != nil {
			return nil, err
		}
		if ret.OrderKey, err = ReadBytes16(r); err != nil {
			return nil, err
		}
	case OpMove:
		if _, err := io.ReadFull(r, ret.NewParent[:]); err != nil {
			return nil, err
		}
		if ret.OrderKey, err = ReadBytes16(r); err != nil {
			return nil, err
		}
	case OpDelete, OpTombstone, OpPayload:
	default:
		return nil, xerrStoragef("unknown op kind tag %d", kind)
	}
	if flags&opFlagPayload != 0 {
		ret.HasPayload = true
		if ret.Payload, err = ReadBytes32(r); err != nil {
			return nil, err
		}
	}
	if flags&opFlagKnownState != 0 {
		data, err := ReadBytes16(r)
		if err != nil {
			return nil, err
		}
		vv, err := VersionVectorFromJSON(data)
		if err != nil {
			return nil, err
		}
		ret.KnownState = &vv
	}
	return ret, nil
}

// OperationFromBytes deserializes an operation from a byte slice
func OperationFromBytes(data []byte) (*Operation, error) {
	ret, err := ReadOperation(bytes.NewReader(data))
	if err != nil {
		return nil, xerrStoragef("operation decode: %v", err)
	}
	return ret, nil
}
