package cmdline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBareKeyIsBooleanTrue(t *testing.T) {
	a, err := Parse("nosmp quiet")
	require.NoError(t, err)
	require.True(t, a.Bool("nosmp"))
	require.True(t, a.Bool("quiet"))
	require.False(t, a.Bool("nodebug"))
}

func TestKeyValuePairs(t *testing.T) {
	a, err := Parse("root=/dev/sda1 console=ttyS0")
	require.NoError(t, err)
	require.Equal(t, "/dev/sda1", a.String("root"))
	require.Equal(t, "ttyS0", a.String("console"))
}

func TestDottedKeys(t *testing.T) {
	a, err := Parse("debug.vfs=true debug.sched=false root=/dev/sda1")
	require.NoError(t, err)
	require.Equal(t, "true", a.String("debug.vfs"))
	require.Equal(t, map[string]string{"vfs": "true", "sched": "false"}, a.Sub("debug"))
}

func TestRepeatedKeyTakesLastValue(t *testing.T) {
	a, err := Parse("loglevel=warn loglevel=debug")
	require.NoError(t, err)
	require.Equal(t, "debug", a.String("loglevel"))
}

func TestUnseenKeyIsAbsent(t *testing.T) {
	a, err := Parse("root=/dev/sda1")
	require.NoError(t, err)
	require.False(t, a.Has("quiet"))
	require.Equal(t, "", a.String("quiet"))
	require.False(t, a.Bool("quiet"))
}

func TestEmptyLine(t *testing.T) {
	a, err := Parse("")
	require.NoError(t, err)
	require.False(t, a.Has("anything"))
}
