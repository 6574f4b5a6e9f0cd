package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/cellular-data-manager/internal/controller"
)

// QueueLength reports the number of pending tasks on an event loop.
type QueueLength interface {
	Len() int
}

// ControllerCollector exports the per-transport data call list counters and
// the depth of each transport's event loop.
type ControllerCollector struct {
	transport string
	stats     *controller.Stats
	queue     QueueLength

	callLists   *prometheus.Desc
	unknownCIDs *prometheus.Desc
	linkChanges *prometheus.Desc
	updates     *prometheus.Desc
	lostCalls   *prometheus.Desc
	cleanups    *prometheus.Desc
	restarts    *prometheus.Desc
	tdUpdates   *prometheus.Desc
	queueDepth  *prometheus.Desc
}

// NewControllerCollector registers a collector reading stats and queue for
// one transport. queue may be nil.
func NewControllerCollector(reg prometheus.Registerer, transport string, stats *controller.Stats, queue QueueLength) (*ControllerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"transport": transport}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, labels)
	}
	c := &ControllerCollector{
		transport:   transport,
		stats:       stats,
		queue:       queue,
		callLists:   desc("pdp_call_lists_total", "Data call lists processed."),
		unknownCIDs: desc("pdp_unknown_cids_total", "Calls reported by the modem with no owning connection."),
		linkChanges: desc("pdp_link_status_changes_total", "Physical link status transitions."),
		updates:     desc("pdp_in_place_updates_total", "Link property updates applied without reconnecting."),
		lostCalls:   desc("pdp_lost_calls_total", "Connections whose call disappeared from the list."),
		cleanups:    desc("pdp_cleanups_total", "Connections torn down because their update was incompatible."),
		restarts:    desc("pdp_radio_restarts_total", "Radio restarts requested by the controller."),
		tdUpdates:   desc("pdp_traffic_descriptor_updates_total", "Traffic descriptor changes on active calls."),
		queueDepth:  desc("pdp_event_queue_depth", "Tasks waiting on the transport event loop."),
	}
	return register(reg, c, "pdp_controller_"+transport)
}

// Describe implements prometheus.Collector.
func (c *ControllerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.callLists, c.unknownCIDs, c.linkChanges, c.updates, c.lostCalls, c.cleanups, c.restarts, c.tdUpdates, c.queueDepth} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *ControllerCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		snap := c.stats.Snapshot()
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
		}
		counter(c.callLists, snap.NumCallLists)
		counter(c.unknownCIDs, snap.NumUnknownCIDs)
		counter(c.linkChanges, snap.NumLinkStatusChanges)
		counter(c.updates, snap.NumInPlaceUpdates)
		counter(c.lostCalls, snap.NumLostCalls)
		counter(c.cleanups, snap.NumCleanups)
		counter(c.restarts, snap.NumRadioRestarts)
		counter(c.tdUpdates, snap.NumTDUpdates)
	}
	if c.queue != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.queue.Len()))
	}
}
