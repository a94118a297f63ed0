package operation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandLine(t *testing.T) {
	argv, err := ParseCommandLine(`psql -h "db host" -q`, "-f", "-")
	require.NoError(t, err)
	assert.Equal(t, []string{"psql", "-h", "db host", "-q", "-f", "-"}, argv)

	_, err = ParseCommandLine("   ")
	assert.Error(t, err)

	_, err = ParseCommandLine(`psql "unterminated`)
	assert.Error(t, err)
}

func TestExec_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		line string
		code int
	}{
		{"success", "sh -c 'exit 0'", 0},
		{"failure", "sh -c 'exit 3'", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv, err := ParseCommandLine(tt.line)
			require.NoError(t, err)

			code, err := Exec(Command{Argv: argv}, quietLogger())(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestExec_Stdin(t *testing.T) {
	argv, err := ParseCommandLine(`sh -c 'read line; test "$line" = ping'`)
	require.NoError(t, err)

	code, err := Exec(Command{Argv: argv, Stdin: "ping\n"}, quietLogger())(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestExec_MissingProgram(t *testing.T) {
	code, err := Exec(Command{Argv: []string{"/nonexistent/clustertest-binary"}}, quietLogger())(context.Background())
	require.Error(t, err)
	assert.Equal(t, NotFinishedCode, code)
}

func TestExec_Cancelled(t *testing.T) {
	argv, err := ParseCommandLine("sleep 10")
	require.NoError(t, err)

	op := New("sleep", Exec(Command{Argv: argv}, quietLogger()), WithLogger(quietLogger()))
	op.Launch(context.Background())
	time.Sleep(20 * time.Millisecond)
	op.Cancel()

	r := op.Await()
	assert.Equal(t, StatusAborted, r.Status)
}
