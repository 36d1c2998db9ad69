package signal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWake struct{ woke bool }

func (f *fakeWake) WakeForSignal() { f.woke = true }

func TestSendToThreadWakesOnDeliverableSignal(t *testing.T) {
	var ts ThreadSignals
	var at ActionTable
	w := &fakeWake{}
	SendToThread(&ts, &at, SIGTERM, w)
	require.True(t, w.woke)
	require.True(t, ts.Pending(SIGTERM))
}

func TestSendToThreadDoesNotWakeWhenBlocked(t *testing.T) {
	var ts ThreadSignals
	var at ActionTable
	ts.SetBlocked(bit(SIGTERM))
	w := &fakeWake{}
	SendToThread(&ts, &at, SIGTERM, w)
	require.False(t, w.woke)
	require.True(t, ts.Pending(SIGTERM))
}

func TestSendToThreadIgnoredByDefaultDoesNotWake(t *testing.T) {
	var ts ThreadSignals
	var at ActionTable
	w := &fakeWake{}
	SendToThread(&ts, &at, SIGCHLD, w) // default disposition is Ignore
	require.False(t, w.woke)
}

func TestDeliverPendingEntersHandlerAndSigreturnRestores(t *testing.T) {
	var ts ThreadSignals
	var at ActionTable
	at.Set(SIGUSR1, Handler{EntryVA: 0xdead0000, Mask: 0})

	SendToThread(&ts, &at, SIGUSR1, nil)
	ctx := SavedContext{PC: 0x1000, SP: 0x2000}
	sig, disp := ts.DeliverPending(&at, &ctx, func(s Sig) uintptr { return at.Get(s).EntryVA })
	require.Equal(t, SIGUSR1, sig)
	require.Equal(t, DispEnterHandler, disp)
	require.EqualValues(t, 0xdead0000, ctx.PC)
	require.NotZero(t, ts.BlockedMask()&bit(SIGUSR1))

	restored, ok := ts.Sigreturn()
	require.True(t, ok)
	require.EqualValues(t, 0x1000, restored.PC)
	require.Zero(t, ts.BlockedMask())
}

func TestDeliverPendingDefaultTermReportsDisposition(t *testing.T) {
	var ts ThreadSignals
	var at ActionTable
	SendToThread(&ts, &at, SIGTERM, nil)
	ctx := SavedContext{}
	sig, disp := ts.DeliverPending(&at, &ctx, func(Sig) uintptr { return 0 })
	require.Equal(t, SIGTERM, sig)
	require.Equal(t, DispTerminate, disp)
}

func TestShouldRestartHonorsSAFlag(t *testing.T) {
	var at ActionTable
	at.Set(SIGALRM, Handler{EntryVA: 1, Flags: SA_RESTART})
	require.True(t, ShouldRestart(&at, SIGALRM))
	at.Set(SIGALRM, Handler{EntryVA: 1})
	require.False(t, ShouldRestart(&at, SIGALRM))
}
