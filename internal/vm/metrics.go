package vm

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNS = "skiff"

// Operation counters and occupancy gauges for the control plane. The HTTP
// surface that exposes them lives with the caller; these are the collectors.
var (
	lifecycleTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNS,
		Name:      "vm_lifecycle_transitions_total",
		Help:      "Lifecycle state transitions, labeled by the state entered.",
	},
		[]string{"state"},
	)

	hotplugOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNS,
		Name:      "vm_hotplug_operations_total",
		Help:      "Hotplug operations by resource kind, direction, and result.",
	},
		[]string{"kind", "op", "result"},
	)

	snapshotOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNS,
		Name:      "vm_snapshot_operations_total",
		Help:      "Snapshot, restore, and migration operations by result.",
	},
		[]string{"op", "result"},
	)

	vcpuCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNS,
		Name:      "vm_vcpus",
		Help:      "Online vCPUs.",
	})

	memoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNS,
		Name:      "vm_memory_bytes",
		Help:      "Installed guest memory, boot plus hotplug.",
	})

	deviceCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNS,
		Name:      "vm_devices",
		Help:      "Devices attached to the bus.",
	})
)

// RegisterMetrics installs the collectors on the given registry. Call once
// per process; prometheus rejects duplicate registration.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		lifecycleTransitions,
		hotplugOps,
		snapshotOps,
		vcpuCount,
		memoryBytes,
		deviceCount,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
