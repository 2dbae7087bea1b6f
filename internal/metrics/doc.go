// Package metrics exposes Prometheus instrumentation for the queue.
//
// Each Metrics value registers its collectors on its own registry unless
// one is supplied, so several queues can live in one process. Samples
// flattens a gather into rows the control plane can ship as JSON.
package metrics
