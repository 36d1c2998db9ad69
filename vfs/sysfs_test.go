package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mos-kernel/mos/defs"
	"github.com/mos-kernel/mos/mem"
	"github.com/mos-kernel/mos/metrics"
	"github.com/mos-kernel/mos/ustr"
)

func TestKernelStatAttrRendersRegistry(t *testing.T) {
	metrics.FramesAllocated.WithLabelValues("0").Inc()

	frames := mem.NewAllocator(16)
	sb := NewSuperblock("sysfs", frames)
	dir := NewSysfsDir(sb, nil, ustr.FromStr("kernel"), []SysfsAttr{KernelStatAttr()})

	statDentry, ok := dir.childCached(ustr.FromStr("stat"))
	require.True(t, ok)

	buf := make([]byte, 8192)
	n, err := statDentry.Inode.Read(buf, 0)
	require.Zero(t, err)
	require.Contains(t, string(buf[:n]), "mos_frames_allocated_total")
}

func TestSysfsAttrWriteInvokesStore(t *testing.T) {
	var stored string
	frames := mem.NewAllocator(16)
	sb := NewSuperblock("sysfs", frames)
	dir := NewSysfsDir(sb, nil, ustr.FromStr("kernel"), []SysfsAttr{{
		Name:  "knob",
		Show:  func() (string, defs.Err_t) { return stored, 0 },
		Store: func(data []byte) defs.Err_t { stored = string(data); return 0 },
	}})

	d, ok := dir.childCached(ustr.FromStr("knob"))
	require.True(t, ok)

	n, err := d.Inode.Write([]byte("on"), 0)
	require.Zero(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "on", stored)
}
