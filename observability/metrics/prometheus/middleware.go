// Package prometheus records per method latency, failures and in flight
// calls of a proxy.
package prometheus

import (
	"context"
	"time"

	"benchproxy/internal/errs"
	"benchproxy/rpc"
	"github.com/prometheus/client_golang/prometheus"
)

type MiddlewareBuilder struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Target is attached to every series as a const label.
	Target string
}

// Build registers the collectors and returns the middleware. Building twice
// with the same names on one Registerer fails.
func (b *MiddlewareBuilder) Build() (rpc.Middleware, error) {
	constLabels := map[string]string{"kind": "client"}
	if b.Target != "" {
		constLabels["target"] = b.Target
	}
	summaryVec := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:   b.Namespace,
		Subsystem:   b.Subsystem,
		Help:        b.Help,
		Name:        b.Name + "_response",
		ConstLabels: constLabels,
		Objectives: map[float64]float64{
			0.5:   0.01,
			0.75:  0.01,
			0.9:   0.01,
			0.99:  0.001,
			0.999: 0.0001,
		},
	}, []string{"method"})

	errCntVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   b.Namespace,
		Subsystem:   b.Subsystem,
		Name:        b.Name + "_error_cnt",
		Help:        b.Help,
		ConstLabels: constLabels,
	}, []string{"method", "error"})

	reqCntVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   b.Namespace,
		Subsystem:   b.Subsystem,
		Name:        b.Name + "_active_req_cnt",
		Help:        b.Help,
		ConstLabels: constLabels,
	}, []string{"method"})

	reg := b.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{summaryVec, errCntVec, reqCntVec} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return func(next rpc.Proxy) rpc.Proxy {
		return rpc.ProxyFunc(func(ctx context.Context, methodName string, args, reply any) (err error) {
			reqCnt := reqCntVec.WithLabelValues(methodName)
			reqCnt.Inc()
			startTime := time.Now()
			defer func() {
				reqCnt.Dec()
				if err != nil {
					errCntVec.WithLabelValues(methodName, errs.Kind(err)).Inc()
					return
				}
				// only successful calls count towards latency, a timeout
				// would just report the configured timeout
				summaryVec.WithLabelValues(methodName).
					Observe(float64(time.Since(startTime).Microseconds()) / 1000)
			}()
			return next.Invoke(ctx, methodName, args, reply)
		})
	}, nil
}
