package execute

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultFromCode(t *testing.T) {
	require.Equal(t, ResultSuccess, resultFromCode(0))
	require.Equal(t, ResultDeserializationError, resultFromCode(-1))
	require.Equal(t, ResultCellError, resultFromCode(-2))
	require.Equal(t, ResultSerializationError, resultFromCode(-3))
	require.Equal(t, ResultPanic, resultFromCode(-4))
	require.Equal(t, ResultCellError, resultFromCode(42)) // unknown codes fold to CellError
}

func TestCallCellRejectsExcessiveArity(t *testing.T) {
	_, _, err := CallCell(nil, "cell_sum", make([][]byte, 9), nil)
	require.Error(t, err)
}
