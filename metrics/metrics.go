// Package metrics centralizes the kernel's Prometheus instrumentation
// (github.com/prometheus/client_golang), replacing biscuit's
// compile-time-gated stats.Counter_t/runtime.Rdtsc counters (which
// depend on biscuit's private runtime fork's Rdtsc intrinsic and
// cannot be ported). Per-order frame counts (C1), per-CPU IPI counters
// (C6), and page-cache hit/miss counts (C5) are all registered here so
// every subsystem reports through one registry, the way gcsfuse wires
// a single prometheus registry across gcs/fs/fuseutil.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the kernel-wide metrics registry. A fresh registry
// (rather than prometheus.DefaultRegisterer) keeps repeated test runs
// from colliding on duplicate registration.
var Registry = prometheus.NewRegistry()

var (
	// FramesAllocated counts C1 PFM allocations by order.
	FramesAllocated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mos_frames_allocated_total",
		Help: "Physical frames allocated by the frame manager, by order.",
	}, []string{"order"})

	// FramesFree reports the current free frame count by order.
	FramesFree = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mos_frames_free",
		Help: "Free physical frames currently available, by order.",
	}, []string{"order"})

	// IPICount counts inter-processor interrupts delivered, by kind and target CPU.
	IPICount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mos_ipi_total",
		Help: "Inter-processor interrupts delivered, by kind and CPU.",
	}, []string{"kind", "cpu"})

	// PageCacheHits/Misses instrument C5.
	PageCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mos_page_cache_hits_total",
		Help: "Page cache lookups satisfied without calling getpage.",
	})
	PageCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mos_page_cache_misses_total",
		Help: "Page cache lookups that invoked the filesystem's getpage.",
	})

	// SlabAllocs counts C2 slab allocator activity per bucket size.
	SlabAllocs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mos_slab_allocations_total",
		Help: "Object allocations served by the slab allocator, by bucket size.",
	}, []string{"bucket"})
)

func init() {
	Registry.MustRegister(FramesAllocated, FramesFree, IPICount, PageCacheHits, PageCacheMisses, SlabAllocs)
}
