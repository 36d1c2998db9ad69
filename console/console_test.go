package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func withSink(t *testing.T) *bytes.Buffer {
	t.Helper()
	old := Sink
	buf := &bytes.Buffer{}
	Sink = buf
	t.Cleanup(func() { Sink = old })
	return buf
}

func TestPrintfWritesInfoLevel(t *testing.T) {
	buf := withSink(t)
	Printf("frame %d allocated", 7)
	require.Contains(t, buf.String(), "[info]")
	require.Contains(t, buf.String(), "frame 7 allocated")
}

func TestWarnfWritesWarnLevel(t *testing.T) {
	buf := withSink(t)
	Warnf("ignored program header type %#x", 0x70000001)
	require.Contains(t, buf.String(), "[warn]")
}

func TestQuietSuppressesInfo2Only(t *testing.T) {
	buf := withSink(t)
	SetQuiet(true)
	t.Cleanup(func() { SetQuiet(false) })
	require.False(t, Unquiet())

	write(LevelInfo2, "chatty detail")
	require.Empty(t, buf.String(), "info2 must be suppressed while quiet")

	Printf("still shown")
	require.Contains(t, buf.String(), "still shown")
}
