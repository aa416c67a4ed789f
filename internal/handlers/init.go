package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"tradeworks/paymaster/internal/coffer"
	"tradeworks/paymaster/internal/sextant"
	"tradeworks/paymaster/pkg/kafka"
	"tradeworks/paymaster/pkg/logging"
)

var (
	db            *sql.DB
	logger        logging.Logger
	emailService  *EmailService
	metrics       *PaymasterMetrics
	cofferClient  *coffer.Client
	sextantClient *sextant.Client
	producer      kafka.ProducerInterface
)

// PaymasterMetrics holds all Prometheus metrics for Paymaster
type PaymasterMetrics struct {
	PaymentsIssued   *prometheus.CounterVec
	PaymentsSettled  *prometheus.CounterVec
	CreditsApplied   *prometheus.CounterVec
	ReconcileCycles  *prometheus.CounterVec
	WebhookEvents    *prometheus.CounterVec
	BalanceAnomalies *prometheus.CounterVec
	DBQueries        *prometheus.CounterVec
	DBDuration       *prometheus.HistogramVec
	DBConnections    *prometheus.GaugeVec
}

// Init initializes the handlers with database, logger, metrics and the
// collaborator clients. The Kafka producer may be nil; events are skipped.
func Init(database *sql.DB, log logging.Logger, paymasterMetrics *PaymasterMetrics, cofferC *coffer.Client, sextantC *sextant.Client, eventProducer kafka.ProducerInterface) {
	db = database
	logger = log
	emailService = NewEmailService(log)
	metrics = paymasterMetrics
	cofferClient = cofferC
	sextantClient = sextantC
	producer = eventProducer
}
