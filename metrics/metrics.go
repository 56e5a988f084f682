package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons. Typically,
// they will not be used programmatically outside of defining the collectors.

// Keys for mqgate metrics.
const (
	ConnectionsAcceptedTotalKey   = "mqgate_connections_accepted_total"
	ConnectionsActiveKey          = "mqgate_connections_active"
	InactivityTimeoutsTotalKey    = "mqgate_inactivity_timeouts_total"
	DestinationsActiveKey         = "mqgate_destinations_active"
	DestinationMessagesTotalKey   = "mqgate_destination_messages_total"
	DistributionSendsTotalKey     = "mqgate_distribution_sends_total"
	DistributionPendingKey        = "mqgate_distribution_pending_requests"
	DistributionCompletionsKey    = "mqgate_distribution_async_completions_total"
	FleetBrokersKey               = "mqgate_fleet_brokers"
	FleetBrokerLoadKey            = "mqgate_fleet_broker_load"
	StatsPollsTotalKey            = "mqgate_stats_polls_total"
	ScalingRuleEvaluationsKey     = "mqgate_scaling_rule_evaluations_total"
	ScalingRuleExecutionsKey      = "mqgate_scaling_rule_executions_total"
	ScalingEventsTotalKey         = "mqgate_scaling_events_total"
	CoordinatorLockTotalKey       = "mqgate_coordinator_lock_acquisitions_total"
	CoordinatorLeaderKey          = "mqgate_coordinator_leader"
	CoordinatorBrokerEventsKey    = "mqgate_coordinator_broker_events_total"
	MigrationDestinationsTotalKey = "mqgate_migration_destinations_total"
	MigrationMessagesTotalKey     = "mqgate_migration_messages_total"

	Fail = "fail"
	Ok   = "ok"
)

// Collectors for mqgate metrics.
var (
	ConnectionsAcceptedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ConnectionsAcceptedTotalKey,
		Help: "Cumulative number of client connections accepted, by sniffed protocol.",
	}, []string{"protocol"})
	ConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: ConnectionsActiveKey,
		Help: "Number of currently open client connections, by protocol.",
	}, []string{"protocol"})
	InactivityTimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: InactivityTimeoutsTotalKey,
		Help: "Cumulative number of transports failed by an inactivity check.",
	}, []string{"check"})
	DestinationsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: DestinationsActiveKey,
		Help: "Number of destinations having a registered producer or consumer.",
	})
	DestinationMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: DestinationMessagesTotalKey,
		Help: "Cumulative number of messages routed, by direction (inbound or outbound).",
	}, []string{"direction"})
	DistributionSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: DistributionSendsTotalKey,
		Help: "Cumulative number of commands forwarded to brokers.",
	}, []string{"status"})
	DistributionPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: DistributionPendingKey,
		Help: "Number of broadcast requests awaiting a broker response.",
	})
	DistributionCompletions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: DistributionCompletionsKey,
		Help: "Cumulative number of completed broadcast requests, by outcome.",
	}, []string{"outcome"})
	FleetBrokers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: FleetBrokersKey,
		Help: "Number of brokers known to the fleet model.",
	})
	FleetBrokerLoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: FleetBrokerLoadKey,
		Help: "Composite load of each broker (destination depth plus connections).",
	}, []string{"broker"})
	StatsPollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: StatsPollsTotalKey,
		Help: "Cumulative number of broker statistics polls.",
	}, []string{"status"})
	ScalingRuleEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ScalingRuleEvaluationsKey,
		Help: "Cumulative number of scaling rule condition evaluations.",
	}, []string{"rule"})
	ScalingRuleExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ScalingRuleExecutionsKey,
		Help: "Cumulative number of scaling rule action executions.",
	}, []string{"rule"})
	ScalingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: ScalingEventsTotalKey,
		Help: "Cumulative number of fleet-change events fired by scaling rules.",
	}, []string{"event"})
	CoordinatorLockTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: CoordinatorLockTotalKey,
		Help: "Cumulative number of coordinator lock acquisition attempts.",
	}, []string{"status"})
	CoordinatorLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: CoordinatorLeaderKey,
		Help: "1 if this controller holds the coordinator lock, else 0.",
	})
	CoordinatorBrokerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: CoordinatorBrokerEventsKey,
		Help: "Cumulative number of broker lifecycle events fanned out to listeners.",
	}, []string{"event"})
	MigrationDestinationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: MigrationDestinationsTotalKey,
		Help: "Cumulative number of destination transfers, by mode and status.",
	}, []string{"mode", "status"})
	MigrationMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: MigrationMessagesTotalKey,
		Help: "Cumulative number of messages transferred between brokers, by mode.",
	}, []string{"mode"})
)

// GatewayCollectors lists collectors used by the mqgate gateway.
func GatewayCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectionsAcceptedTotal,
		ConnectionsActive,
		InactivityTimeoutsTotal,
		DestinationsActive,
		DestinationMessagesTotal,
		DistributionSendsTotal,
		DistributionPending,
		DistributionCompletions,
		FleetBrokers,
		FleetBrokerLoad,
		StatsPollsTotal,
		ScalingRuleEvaluations,
		ScalingRuleExecutions,
		ScalingEventsTotal,
		CoordinatorLockTotal,
		CoordinatorLeader,
		CoordinatorBrokerEvents,
		MigrationDestinationsTotal,
		MigrationMessagesTotal,
	}
}
