package ports

// Metric names recorded through Observability.
const (
	MetricSamplesPublished  = "visitor_samples_published_total"
	MetricPublishFailures   = "visitor_publish_failures_total"
	MetricChannelDropped    = "visitor_channel_dropped_total"
	MetricWorkerInitAttempt = "visitor_worker_init_attempts_total"
	MetricChannelLength     = "visitor_channel_length"
	MetricWorkerStatus      = "visitor_worker_status"
	MetricPeopleCount       = "visitor_people_count"
	MetricPublishLatency    = "visitor_publish_latency_seconds"
	MetricInferenceLatency  = "visitor_inference_latency_seconds"
)

// MetricNames lists every metric an Observability backend must accept.
func MetricNames() []string {
	return []string{
		MetricSamplesPublished,
		MetricPublishFailures,
		MetricChannelDropped,
		MetricWorkerInitAttempt,
		MetricChannelLength,
		MetricWorkerStatus,
		MetricPeopleCount,
		MetricPublishLatency,
		MetricInferenceLatency,
	}
}
