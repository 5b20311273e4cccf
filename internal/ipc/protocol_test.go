package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCellRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := WorkerCommand{Op: OpLoadCell, Load: LoadCellCommand{Path: "/tmp/cell_sum.so", Symbol: "cell_sum", Arity: 2}}
	require.NoError(t, WriteMessage(&buf, cmd))

	got, err := ReadCommand(&buf)
	require.NoError(t, err)
	require.Equal(t, cmd, got)
}

func TestExecuteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := WorkerCommand{Op: OpExecute, Execute: ExecuteCommand{
		CellID:        7,
		InputPayloads: [][]byte{[]byte("10"), []byte("20")},
		WidgetJSON:    []byte("{}"),
	}}
	require.NoError(t, WriteMessage(&buf, cmd))

	got, err := ReadCommand(&buf)
	require.NoError(t, err)
	require.Equal(t, cmd.Execute.CellID, got.Execute.CellID)
	require.Equal(t, cmd.Execute.InputPayloads, got.Execute.InputPayloads)
	require.Equal(t, cmd.Execute.WidgetJSON, got.Execute.WidgetJSON)
}

func TestExecuteWithNoDependencies(t *testing.T) {
	var buf bytes.Buffer
	cmd := WorkerCommand{Op: OpExecute, Execute: ExecuteCommand{CellID: 1}}
	require.NoError(t, WriteMessage(&buf, cmd))

	got, err := ReadCommand(&buf)
	require.NoError(t, err)
	require.Empty(t, got.Execute.InputPayloads)
}

func TestShutdownRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, WorkerCommand{Op: OpShutdown}))

	got, err := ReadCommand(&buf)
	require.NoError(t, err)
	require.Equal(t, OpShutdown, got.Op)
}

func TestExecuteOkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := WorkerResponse{Code: RespExecuteOk, Execute: ExecuteOkResponse{ResultCode: 0, Output: []byte("285")}}
	require.NoError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, resp.Execute, got.Execute)
}

func TestProtocolErrorRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := WorkerResponse{Code: RespProtocolError, Message: "unknown opcode 0x09"}
	require.NoError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, RespProtocolError, got.Code)
	require.Equal(t, resp.Message, got.Message)
}

func TestReadCommandReturnsUnknownOpcodeWithoutError(t *testing.T) {
	var buf bytes.Buffer
	// a well-formed frame carrying an opcode the protocol does not define
	payload := []byte{0x09}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)

	got, err := ReadCommand(&buf)
	require.NoError(t, err)
	require.Equal(t, Opcode(0x09), got.Op)

	// a second, well-formed command must still be readable right behind it —
	// the unknown-opcode frame must not have left the stream misaligned
	var buf2 bytes.Buffer
	require.NoError(t, WriteMessage(&buf2, WorkerCommand{Op: OpShutdown}))
	buf.Write(buf2.Bytes())
	got2, err := ReadCommand(&buf)
	require.NoError(t, err)
	require.Equal(t, OpShutdown, got2.Op)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 0xFFFFFFFF)
	buf.Write(lenBuf[:])

	_, _, err := readFrame(&buf)
	require.Error(t, err)
}
