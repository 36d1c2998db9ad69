package panicpoint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mos-kernel/mos/console"
)

func withConsole(t *testing.T) *bytes.Buffer {
	t.Helper()
	old := console.Sink
	buf := &bytes.Buffer{}
	console.Sink = buf
	t.Cleanup(func() { console.Sink = old })
	return buf
}

func markHere() *Point { return Mark("test site") }

func TestMarkRecordsCallSite(t *testing.T) {
	p := markHere()
	require.Equal(t, "test site", p.Label)
	require.NotZero(t, p.PC)
	require.Contains(t, p.Func, "markHere")
}

func TestLookupFindsMarkedPoint(t *testing.T) {
	p := markHere()
	got, ok := Lookup(p.PC)
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestLookupMissUnknownPC(t *testing.T) {
	_, ok := Lookup(0xdeadbeef)
	require.False(t, ok)
}

func TestHandleAtPCRunsHooksOnKnownPoint(t *testing.T) {
	withConsole(t)
	p := markHere()

	ran := false
	AddHook(Hook{Name: "test-hook", Run: func() { ran = true }})

	ok := HandleAtPC(p.PC)
	require.True(t, ok)
	require.True(t, ran)
}

func TestHandleAtPCReportsUnknownAddress(t *testing.T) {
	buf := withConsole(t)
	ok := HandleAtPC(0xdeadbeef)
	require.False(t, ok)
	require.Contains(t, buf.String(), "no panic point found")
}

func TestHandleSkipsDisabledHook(t *testing.T) {
	withConsole(t)
	ran := false
	disabled := false
	AddHook(Hook{Name: "disabled-hook", Enabled: &disabled, Run: func() { ran = true }})
	Handle(&Point{Label: "inline"})
	require.False(t, ran)
}
