package deploy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Deployment metrics, exposed on the engine's /metrics endpoint.
var (
	deploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plateful_deployments_total",
		Help: "Package deployments by overall status.",
	}, []string{"status"})

	moduleOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plateful_deployment_modules_total",
		Help: "Per-module deployment outcomes.",
	}, []string{"outcome"})

	provisionedResourcesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plateful_provisioned_resources_total",
		Help: "Resources created by the provisioners.",
	}, []string{"kind"})

	deploymentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plateful_deployment_duration_seconds",
		Help:    "End-to-end duration of package deployments.",
		Buckets: prometheus.DefBuckets,
	})
)
