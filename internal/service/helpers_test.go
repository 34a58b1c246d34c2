package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cassiomorais/apgateway/internal/infrastructure/observability"
)

const (
	transmissionStream = "einvoice:transmissions"
	webhookStream      = "einvoice:webhooks"
	alertStream        = "einvoice:certificate-alerts"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetrics("test", prometheus.NewRegistry())
}

var nopLogger = zerolog.Nop()
