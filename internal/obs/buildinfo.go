package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerBuildInfo sync.Once

	// build_info: gauge со значением 1 и метками версии/коммита.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Console API build: version, commit and Go runtime.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes the running build. Calling it again replaces the
// previous labels.
func InitBuildInfo(version, commit string) {
	registerBuildInfo.Do(func() { prometheus.MustRegister(buildInfo) })
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
