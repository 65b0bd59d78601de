package progressive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ManuGH/videoagent/internal/domain"
)

var (
	emissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videoagent_progressive_emissions_total",
		Help: "Progressive results emitted, by stage.",
	}, []string{"stage"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videoagent_progressive_duplicates_total",
		Help: "Frame results dropped because the frame was already tracked.",
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videoagent_progressive_in_flight",
		Help: "Frames currently between partial and final emission.",
	})
)

func recordEmission(stage domain.ProgressiveStage) {
	emissionsTotal.WithLabelValues(string(stage)).Inc()
}

func recordDuplicate() { duplicatesTotal.Inc() }

func setInFlight(n int) { inFlight.Set(float64(n)) }
