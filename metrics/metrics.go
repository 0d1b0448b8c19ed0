// Package metrics exposes prometheus counters for the E2EE core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status is the outcome of a measured operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

var (
	otkUploadCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_one_time_key_upload_total",
		Help: "The number of one-time-key replenishment uploads",
	}, []string{"status"})
	deviceQueryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_device_key_query_total",
		Help: "The number of device-keys query round-trips",
	}, []string{"status"})
	olmEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_olm_event_total",
		Help: "Olm encrypt/decrypt outcomes",
	}, []string{"op", "status"})
	megolmEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_megolm_event_total",
		Help: "Megolm encrypt/decrypt outcomes",
	}, []string{"op", "status"})
	sasVerificationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "e2ee_sas_verification_total",
		Help: "SAS verification session outcomes",
	}, []string{"status"})
)

// IncrementOTKUpload records a one-time-key upload outcome.
func IncrementOTKUpload(st Status) {
	otkUploadCounter.With(prometheus.Labels{"status": string(st)}).Inc()
}

// IncrementDeviceQuery records a device-keys query outcome.
func IncrementDeviceQuery(st Status) {
	deviceQueryCounter.With(prometheus.Labels{"status": string(st)}).Inc()
}

// IncrementOlmEvent records an Olm encrypt or decrypt outcome.
func IncrementOlmEvent(op string, st Status) {
	olmEventCounter.With(prometheus.Labels{"op": op, "status": string(st)}).Inc()
}

// IncrementMegolmEvent records a Megolm encrypt or decrypt outcome.
func IncrementMegolmEvent(op string, st Status) {
	megolmEventCounter.With(prometheus.Labels{"op": op, "status": string(st)}).Inc()
}

// IncrementSASVerification records a finished SAS verification session.
func IncrementSASVerification(st Status) {
	sasVerificationCounter.With(prometheus.Labels{"status": string(st)}).Inc()
}

func init() {
	prometheus.MustRegister(otkUploadCounter)
	prometheus.MustRegister(deviceQueryCounter)
	prometheus.MustRegister(olmEventCounter)
	prometheus.MustRegister(megolmEventCounter)
	prometheus.MustRegister(sasVerificationCounter)
}
