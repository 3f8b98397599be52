// Package metrics defines all Prometheus metrics for lnrouter.
// All metrics use the "lnrouter_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lnrouter"

// --- Dispatcher Metrics ---

var (
	// FramesHandled counts frames passed to HandleFrame, by EtherType.
	FramesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_handled_total",
		Help:      "Total frames handled, by ethertype.",
	}, []string{"ethertype"})

	// FramesDropped counts frames dropped without a reply, by reason.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Total frames dropped, by reason.",
	}, []string{"reason"})

	// FramesForwarded counts IPv4 datagrams forwarded to a next hop.
	FramesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_forwarded_total",
		Help:      "Total IPv4 datagrams forwarded to a next hop.",
	})

	// ICMPGenerated counts ICMP messages generated by the router, by type/code.
	ICMPGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "icmp_generated_total",
		Help:      "Total ICMP messages generated, by type and code.",
	}, []string{"type", "code"})

	// SendErrors counts failures returned by the host Sender primitive.
	SendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_errors_total",
		Help:      "Total transmit failures returned by the send primitive, by outgoing interface.",
	}, []string{"iface"})
)

// --- ARP Cache Metrics ---

var (
	// ARPProbesSent counts who-has probes emitted by the sweeper or the dispatcher's
	// immediate-probe path.
	ARPProbesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arp_probes_sent_total",
		Help:      "Total ARP who-has probes sent.",
	})

	// ARPRequestsResolved counts ArpRequests that completed via a matching reply.
	ARPRequestsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arp_requests_resolved_total",
		Help:      "Total ARP requests resolved by a matching reply.",
	})

	// ARPRequestsFailed counts ArpRequests that exhausted their probe budget.
	ARPRequestsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arp_requests_failed_total",
		Help:      "Total ARP requests that exhausted their probe budget.",
	})

	// ARPEntriesExpired counts cache entries purged for exceeding their TTL.
	ARPEntriesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arp_entries_expired_total",
		Help:      "Total ARP cache entries expired.",
	})

	// ARPCacheEntries is a gauge of currently valid ARP cache entries.
	ARPCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "arp_cache_entries",
		Help:      "Number of currently valid ARP cache entries.",
	})

	// ARPPendingRequests is a gauge of outstanding ArpRequests.
	ARPPendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "arp_pending_requests",
		Help:      "Number of outstanding ARP requests awaiting resolution.",
	})
)
