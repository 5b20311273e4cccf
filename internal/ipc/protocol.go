// Package ipc implements the framed wire protocol between a controlling
// process and the worker processes it uses for cell isolation, plus the
// WorkerPool that manages and speaks to them.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies a command sent to a worker.
type Opcode uint8

const (
	OpLoadCell Opcode = 0x01
	OpExecute  Opcode = 0x02
	OpShutdown Opcode = 0x03
)

// ResponseCode identifies a worker's reply.
type ResponseCode uint8

const (
	RespLoadOk        ResponseCode = 0x81
	RespExecuteOk     ResponseCode = 0x82
	RespProtocolError ResponseCode = 0xFE
	RespWorkerError   ResponseCode = 0xFF
)

// LoadCellCommand asks the worker to dlopen an artifact and resolve its
// entry point, keeping the handle alive for subsequent Execute commands.
type LoadCellCommand struct {
	Path   string
	Symbol string
	Arity  uint8
}

// ExecuteCommand asks the worker to invoke an already-loaded cell.
type ExecuteCommand struct {
	CellID        int64
	InputPayloads [][]byte
	WidgetJSON    []byte
}

// WorkerCommand is the tagged union of messages sent to a worker.
type WorkerCommand struct {
	Op      Opcode
	Load    LoadCellCommand
	Execute ExecuteCommand
}

// LoadOkResponse confirms a successful LoadCell.
type LoadOkResponse struct{}

// ExecuteOkResponse carries a cell's result code and output bytes.
type ExecuteOkResponse struct {
	ResultCode int32
	Output     []byte
}

// WorkerResponse is the tagged union of messages a worker sends back.
type WorkerResponse struct {
	Code    ResponseCode
	Load    LoadOkResponse
	Execute ExecuteOkResponse
	Message string // populated for ProtocolError / WorkerError
}

const maxFrameLen = 256 * 1024 * 1024

// writeFrame frames and writes an opcode-tagged payload: a little-endian
// u32 length prefix (covering opcode + payload), one opcode byte, then the
// payload.
func writeFrame(w io.Writer, tag uint8, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)+1))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{tag}); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) (tag uint8, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("ipc: empty frame")
	}
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("ipc: frame of %d bytes exceeds maximum", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

// WriteMessage frames and writes a WorkerCommand.
func WriteMessage(w io.Writer, cmd WorkerCommand) error {
	switch cmd.Op {
	case OpLoadCell:
		payload := encodeLoadCell(cmd.Load)
		return writeFrame(w, uint8(OpLoadCell), payload)
	case OpExecute:
		payload := encodeExecute(cmd.Execute)
		return writeFrame(w, uint8(OpExecute), payload)
	case OpShutdown:
		return writeFrame(w, uint8(OpShutdown), nil)
	default:
		return fmt.Errorf("ipc: unknown opcode %#x", cmd.Op)
	}
}

// ReadCommand reads and decodes one WorkerCommand, as read by a worker
// process from its controller. A frame carrying an opcode the protocol does
// not define is not a read error — it is returned as a WorkerCommand whose
// Op is the raw, unrecognized value, so the caller's own opcode switch can
// fall through to its default case and answer RespProtocolError without
// dropping the connection, per spec.md §4.9's "unknown opcodes cause the
// worker to respond with ProtocolError and continue." Only a failure to
// read the frame itself (EOF, a truncated length prefix) or to decode the
// payload of a known opcode is a real error, since either means the stream
// can no longer be trusted.
func ReadCommand(r io.Reader) (WorkerCommand, error) {
	tag, payload, err := readFrame(r)
	if err != nil {
		return WorkerCommand{}, err
	}

	switch Opcode(tag) {
	case OpLoadCell:
		load, err := decodeLoadCell(payload)
		if err != nil {
			return WorkerCommand{}, err
		}
		return WorkerCommand{Op: OpLoadCell, Load: load}, nil
	case OpExecute:
		exec, err := decodeExecute(payload)
		if err != nil {
			return WorkerCommand{}, err
		}
		return WorkerCommand{Op: OpExecute, Execute: exec}, nil
	case OpShutdown:
		return WorkerCommand{Op: OpShutdown}, nil
	default:
		return WorkerCommand{Op: Opcode(tag)}, nil
	}
}

// WriteResponse frames and writes a WorkerResponse, as sent by a worker
// process back to its controller.
func WriteResponse(w io.Writer, resp WorkerResponse) error {
	switch resp.Code {
	case RespLoadOk:
		return writeFrame(w, uint8(RespLoadOk), nil)
	case RespExecuteOk:
		return writeFrame(w, uint8(RespExecuteOk), encodeExecuteOk(resp.Execute))
	case RespProtocolError, RespWorkerError:
		return writeFrame(w, uint8(resp.Code), []byte(resp.Message))
	default:
		return fmt.Errorf("ipc: unknown response code %#x", resp.Code)
	}
}

// ReadResponse reads and decodes one WorkerResponse, as read by the
// controller from a worker.
func ReadResponse(r io.Reader) (WorkerResponse, error) {
	tag, payload, err := readFrame(r)
	if err != nil {
		return WorkerResponse{}, err
	}

	switch ResponseCode(tag) {
	case RespLoadOk:
		return WorkerResponse{Code: RespLoadOk}, nil
	case RespExecuteOk:
		exec, err := decodeExecuteOk(payload)
		if err != nil {
			return WorkerResponse{}, err
		}
		return WorkerResponse{Code: RespExecuteOk, Execute: exec}, nil
	case RespProtocolError, RespWorkerError:
		return WorkerResponse{Code: ResponseCode(tag), Message: string(payload)}, nil
	default:
		return WorkerResponse{}, fmt.Errorf("ipc: unrecognized response code %#x", tag)
	}
}

// --- wire encoding ---
//
// Payloads are a simple self-describing binary record: each variable-length
// field is prefixed by its own little-endian u32 length. Field order is
// part of the protocol and is never reordered across versions, per
// spec.md §4.9.

func putString(buf *[]byte, s string) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	*buf = append(*buf, n[:]...)
	*buf = append(*buf, s...)
}

func putBytes(buf *[]byte, b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	*buf = append(*buf, n[:]...)
	*buf = append(*buf, b...)
}

func takeString(payload []byte) (string, []byte, error) {
	b, rest, err := takeBytes(payload)
	return string(b), rest, err
}

func takeBytes(payload []byte) ([]byte, []byte, error) {
	if len(payload) < 4 {
		return nil, nil, fmt.Errorf("ipc: truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(payload[:4])
	payload = payload[4:]
	if uint32(len(payload)) < n {
		return nil, nil, fmt.Errorf("ipc: truncated field, wanted %d bytes, have %d", n, len(payload))
	}
	return payload[:n], payload[n:], nil
}

func encodeLoadCell(cmd LoadCellCommand) []byte {
	var buf []byte
	putString(&buf, cmd.Path)
	putString(&buf, cmd.Symbol)
	buf = append(buf, cmd.Arity)
	return buf
}

func decodeLoadCell(payload []byte) (LoadCellCommand, error) {
	path, payload, err := takeString(payload)
	if err != nil {
		return LoadCellCommand{}, err
	}
	symbol, payload, err := takeString(payload)
	if err != nil {
		return LoadCellCommand{}, err
	}
	if len(payload) < 1 {
		return LoadCellCommand{}, fmt.Errorf("ipc: LoadCell missing arity byte")
	}
	return LoadCellCommand{Path: path, Symbol: symbol, Arity: payload[0]}, nil
}

func encodeExecute(cmd ExecuteCommand) []byte {
	var buf []byte
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], uint64(cmd.CellID))
	buf = append(buf, idBuf[:]...)

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(cmd.InputPayloads)))
	buf = append(buf, countBuf[:]...)
	for _, in := range cmd.InputPayloads {
		putBytes(&buf, in)
	}
	putBytes(&buf, cmd.WidgetJSON)
	return buf
}

func decodeExecute(payload []byte) (ExecuteCommand, error) {
	if len(payload) < 12 {
		return ExecuteCommand{}, fmt.Errorf("ipc: truncated Execute header")
	}
	cellID := int64(binary.LittleEndian.Uint64(payload[:8]))
	count := binary.LittleEndian.Uint32(payload[8:12])
	payload = payload[12:]

	inputs := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var b []byte
		var err error
		b, payload, err = takeBytes(payload)
		if err != nil {
			return ExecuteCommand{}, err
		}
		inputs = append(inputs, append([]byte(nil), b...))
	}

	widget, _, err := takeBytes(payload)
	if err != nil {
		return ExecuteCommand{}, err
	}

	return ExecuteCommand{CellID: cellID, InputPayloads: inputs, WidgetJSON: append([]byte(nil), widget...)}, nil
}

func encodeExecuteOk(resp ExecuteOkResponse) []byte {
	var buf []byte
	var codeBuf [4]byte
	binary.LittleEndian.PutUint32(codeBuf[:], uint32(resp.ResultCode))
	buf = append(buf, codeBuf[:]...)
	putBytes(&buf, resp.Output)
	return buf
}

func decodeExecuteOk(payload []byte) (ExecuteOkResponse, error) {
	if len(payload) < 4 {
		return ExecuteOkResponse{}, fmt.Errorf("ipc: truncated ExecuteOk header")
	}
	code := int32(binary.LittleEndian.Uint32(payload[:4]))
	out, _, err := takeBytes(payload[4:])
	if err != nil {
		return ExecuteOkResponse{}, err
	}
	return ExecuteOkResponse{ResultCode: code, Output: append([]byte(nil), out...)}, nil
}
