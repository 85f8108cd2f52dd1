// Package metrics exposes the combined virtual battery state as prometheus
// metrics.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bms-gateway/pylontech"
)

// Collector implements prometheus.Collector over the most recent combined
// state. It doubles as a gateway StateSink.
type Collector struct {
	mu     sync.RWMutex
	state  pylontech.BatteryState
	valid  bool
	cycles float64

	soc              *prometheus.Desc
	soh              *prometheus.Desc
	vChargeCmd       *prometheus.Desc
	iLimCharge       *prometheus.Desc
	iLimDischarge    *prometheus.Desc
	vAvg             *prometheus.Desc
	iTotal           *prometheus.Desc
	tAvg             *prometheus.Desc
	nModules         *prometheus.Desc
	chargeEnable     *prometheus.Desc
	dischargeEnable  *prometheus.Desc
	invalidTelegrams *prometheus.Desc
	lastBMSUpdate    *prometheus.Desc
	capacity         *prometheus.Desc
	cyclesTotal      *prometheus.Desc
}

// NewCollector creates an unregistered collector with no state yet.
func NewCollector() *Collector {
	return &Collector{
		soc: prometheus.NewDesc(
			"bms_gateway_soc_percent",
			"Capacity-weighted state of charge of the virtual battery",
			nil, nil,
		),
		soh: prometheus.NewDesc(
			"bms_gateway_soh_percent",
			"Capacity-weighted state of health of the virtual battery",
			nil, nil,
		),
		vChargeCmd: prometheus.NewDesc(
			"bms_gateway_charge_voltage_command_volts",
			"Requested end-of-charge voltage (minimum across batteries)",
			nil, nil,
		),
		iLimCharge: prometheus.NewDesc(
			"bms_gateway_charge_current_limit_amperes",
			"Total charge current limit after global clamping",
			nil, nil,
		),
		iLimDischarge: prometheus.NewDesc(
			"bms_gateway_discharge_current_limit_amperes",
			"Total discharge current limit after global clamping",
			nil, nil,
		),
		vAvg: prometheus.NewDesc(
			"bms_gateway_pack_voltage_volts",
			"Capacity-weighted average pack voltage",
			nil, nil,
		),
		iTotal: prometheus.NewDesc(
			"bms_gateway_total_current_amperes",
			"Summed pack current after scaling and offset",
			nil, nil,
		),
		tAvg: prometheus.NewDesc(
			"bms_gateway_temperature_celsius",
			"Capacity-weighted average temperature",
			nil, nil,
		),
		nModules: prometheus.NewDesc(
			"bms_gateway_modules",
			"Total number of battery modules",
			nil, nil,
		),
		chargeEnable: prometheus.NewDesc(
			"bms_gateway_charge_enable",
			"All batteries allow charging (1=yes, 0=no)",
			nil, nil,
		),
		dischargeEnable: prometheus.NewDesc(
			"bms_gateway_discharge_enable",
			"All batteries allow discharging (1=yes, 0=no)",
			nil, nil,
		),
		invalidTelegrams: prometheus.NewDesc(
			"bms_gateway_invalid_telegrams_total",
			"Total number of rejected telegrams across all inputs",
			nil, nil,
		),
		lastBMSUpdate: prometheus.NewDesc(
			"bms_gateway_last_bms_update_timestamp_seconds",
			"Unix timestamp of the last successful telegram decode",
			nil, nil,
		),
		capacity: prometheus.NewDesc(
			"bms_gateway_capacity_ampere_hours",
			"Total nameplate capacity of all batteries",
			nil, nil,
		),
		cyclesTotal: prometheus.NewDesc(
			"bms_gateway_cycles_total",
			"Number of completed gateway cycles",
			nil, nil,
		),
	}
}

// SetState stores the latest combined state. Never blocks.
func (c *Collector) SetState(st pylontech.BatteryState) {
	c.mu.Lock()
	c.state = st
	c.valid = true
	c.cycles++
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.soc
	ch <- c.soh
	ch <- c.vChargeCmd
	ch <- c.iLimCharge
	ch <- c.iLimDischarge
	ch <- c.vAvg
	ch <- c.iTotal
	ch <- c.tAvg
	ch <- c.nModules
	ch <- c.chargeEnable
	ch <- c.dischargeEnable
	ch <- c.invalidTelegrams
	ch <- c.lastBMSUpdate
	ch <- c.capacity
	ch <- c.cyclesTotal
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	st, valid, cycles := c.state, c.valid, c.cycles
	c.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.cyclesTotal, prometheus.CounterValue, cycles)
	if !valid {
		return
	}

	boolGauge := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	ch <- prometheus.MustNewConstMetric(c.soc, prometheus.GaugeValue, st.Soc)
	ch <- prometheus.MustNewConstMetric(c.soh, prometheus.GaugeValue, st.Soh)
	ch <- prometheus.MustNewConstMetric(c.vChargeCmd, prometheus.GaugeValue, st.VChargeCmd)
	ch <- prometheus.MustNewConstMetric(c.iLimCharge, prometheus.GaugeValue, st.ILimCharge)
	ch <- prometheus.MustNewConstMetric(c.iLimDischarge, prometheus.GaugeValue, st.ILimDischarge)
	ch <- prometheus.MustNewConstMetric(c.vAvg, prometheus.GaugeValue, st.VAvg)
	ch <- prometheus.MustNewConstMetric(c.iTotal, prometheus.GaugeValue, st.ITotal)
	ch <- prometheus.MustNewConstMetric(c.tAvg, prometheus.GaugeValue, st.TAvg)
	ch <- prometheus.MustNewConstMetric(c.nModules, prometheus.GaugeValue, float64(st.NModules))
	ch <- prometheus.MustNewConstMetric(c.chargeEnable, prometheus.GaugeValue, boolGauge(st.ChargeEnable))
	ch <- prometheus.MustNewConstMetric(c.dischargeEnable, prometheus.GaugeValue, boolGauge(st.DischargeEnable))
	ch <- prometheus.MustNewConstMetric(c.invalidTelegrams, prometheus.CounterValue, float64(st.NInvalidDataTelegrams))
	ch <- prometheus.MustNewConstMetric(c.lastBMSUpdate, prometheus.GaugeValue, float64(st.TimestampLastBMSUpdate.Unix()))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, st.CapacityAh)
}

// Serve runs an HTTP server exposing c on /metrics until the context is
// cancelled.
func Serve(ctx context.Context, addr string, c *Collector) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()
	log.Printf("Metrics server listening on %s\n", addr)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}
