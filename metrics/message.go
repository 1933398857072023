// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCollectBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtacore_collect_bytes_total",
			Help: "Message bytes read while collecting messages, headers and body, after unstuffing.",
		},
	)
	metricCollect = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtacore_collect_total",
			Help: "Messages collected, by result.",
		},
		[]string{
			"result", // ok, toobig, headerstoolarge, toomanyhops, headererror, bodyerror, canceled
		},
	)
	metricEightBit = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtacore_collect_8bit_total",
			Help: "Collected messages with a body containing bytes with the 8th bit set.",
		},
	)
	metricScanBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtacore_mime_scan_bytes_total",
			Help: "Body bytes scanned for 8-bit content when choosing a transfer encoding.",
		},
	)
	metricConvert = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtacore_mime_convert_total",
			Help: "Body parts converted between 8-bit and 7-bit transfer encodings.",
		},
		[]string{
			"direction", // to7bit, to8bit
			"encoding",  // none, base64, quoted-printable, passthrough
		},
	)
	metricMIMEError = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtacore_mime_error_total",
			Help: "Structural MIME errors that disabled further MIME processing of a message.",
		},
		[]string{
			"kind", // boundarymissing, boundarytoolong, nestingtoodeep, badqp
		},
	)
)

// CollectBytesAdd adds n bytes read during collection.
func CollectBytesAdd(n int64) {
	metricCollectBytes.Add(float64(n))
}

// CollectInc counts a collected message with result.
func CollectInc(result string) {
	metricCollect.WithLabelValues(result).Inc()
}

// EightBitInc counts a message seen with 8-bit body data.
func EightBitInc() {
	metricEightBit.Inc()
}

// ScanBytesAdd adds n bytes scanned by the transcoder.
func ScanBytesAdd(n int64) {
	metricScanBytes.Add(float64(n))
}

// ConvertInc counts a converted body part.
func ConvertInc(direction, encoding string) {
	metricConvert.WithLabelValues(direction, encoding).Inc()
}

// MIMEErrorInc counts a structural MIME error.
func MIMEErrorInc(kind string) {
	metricMIMEError.WithLabelValues(kind).Inc()
}
