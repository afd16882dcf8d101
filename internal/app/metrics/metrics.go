package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	lottery "github.com/R3E-Network/lottery_settlement/packages/com.r3e.services.lottery/service"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lottery",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lottery",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	roundsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "rounds",
			Name:      "started_total",
			Help:      "Total number of rounds started.",
		},
	)

	currentRound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lottery",
			Subsystem: "rounds",
			Name:      "current_id",
			Help:      "Id of the most recently started round.",
		},
	)

	ticketsSold = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "tickets",
			Name:      "sold_total",
			Help:      "Total number of tickets sold.",
		},
	)

	ticketRevenue = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "tickets",
			Name:      "collected_units_total",
			Help:      "Total payment collected for tickets, in the smallest unit.",
		},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "settlement",
			Name:      "rounds_total",
			Help:      "Total number of settled rounds by outcome.",
		},
		[]string{"kind"},
	)

	paidOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "settlement",
			Name:      "paid_out_units_total",
			Help:      "Total prizes and refunds sent, in the smallest unit.",
		},
		[]string{"kind"},
	)

	feesCollected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "settlement",
			Name:      "fee_units_total",
			Help:      "Total operator fees sent, in the smallest unit.",
		},
	)

	winnersPerRound = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "lottery",
			Subsystem: "settlement",
			Name:      "winners",
			Help:      "Number of winners per settled round.",
			Buckets:   []float64{0, 1, 2, 3},
		},
	)

	callFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "calls",
			Name:      "failures_total",
			Help:      "Total number of rejected or rolled back calls.",
		},
		[]string{"op", "reason"},
	)

	keeperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Subsystem: "keeper",
			Name:      "job_runs_total",
			Help:      "Total number of keeper job runs.",
		},
		[]string{"job", "success"},
	)

	keeperDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lottery",
			Subsystem: "keeper",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of keeper job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"job"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		roundsStarted,
		currentRound,
		ticketsSold,
		ticketRevenue,
		settlements,
		paidOut,
		feesCollected,
		winnersPerRound,
		callFailures,
		keeperRuns,
		keeperDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordKeeperRun records metrics for a keeper job run.
func RecordKeeperRun(job string, duration time.Duration, success bool) {
	if job == "" {
		job = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	keeperRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
	keeperDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// LotteryObserver feeds engine notifications into the collectors.
type LotteryObserver struct{}

var _ lottery.Observer = LotteryObserver{}

func (LotteryObserver) RoundStarted(roundID int64) {
	roundsStarted.Inc()
	currentRound.Set(float64(roundID))
}

func (LotteryObserver) TicketsSold(quantity int, amount int64) {
	ticketsSold.Add(float64(quantity))
	ticketRevenue.Add(float64(amount))
}

func (LotteryObserver) RoundSettled(kind lottery.OutcomeKind, paid, fee int64, winners int) {
	settlements.WithLabelValues(string(kind)).Inc()
	paidOut.WithLabelValues(string(kind)).Add(float64(paid))
	feesCollected.Add(float64(fee))
	if kind == lottery.OutcomeSettled {
		winnersPerRound.Observe(float64(winners))
	}
}

func (LotteryObserver) CallFailed(op string, err error) {
	callFailures.WithLabelValues(op, Reason(err)).Inc()
}

var reasons = []struct {
	err   error
	label string
}{
	{lottery.ErrUnauthorized, "unauthorized"},
	{lottery.ErrRoundAlreadyActive, "round_already_active"},
	{lottery.ErrRoundInactive, "round_inactive"},
	{lottery.ErrNotEnded, "not_ended"},
	{lottery.ErrInvalidQuantity, "invalid_quantity"},
	{lottery.ErrInvalidIdentity, "invalid_identity"},
	{lottery.ErrPaymentMismatch, "payment_mismatch"},
	{lottery.ErrCapExceeded, "cap_exceeded"},
	{lottery.ErrNoEntries, "no_entries"},
	{lottery.ErrReentrancyRejected, "reentrancy_rejected"},
	{lottery.ErrTransferFailed, "transfer_failed"},
	{lottery.ErrDirectDeposit, "direct_deposit"},
	{lottery.ErrArchiveConflict, "archive_conflict"},
	{lottery.ErrDrawExhausted, "draw_exhausted"},
}

// Reason maps an engine error to a bounded label value.
func Reason(err error) string {
	if err == nil {
		return "none"
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// canonicalPath collapses ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "history":
		if len(parts) > 1 {
			return "/history/:round"
		}
	case "participants":
		if len(parts) > 1 {
			return "/participants/:identity"
		}
	case "balances":
		if len(parts) > 1 {
			return "/balances/:identity"
		}
	case "rounds":
		// Every segment below /rounds is static.
		return "/" + strings.Join(parts[:min(len(parts), 3)], "/")
	}
	return "/" + parts[0]
}
