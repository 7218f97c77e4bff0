package metrics

import (
	"time"

	"github.com/paulbellamy/ratecounter"
)

// requestRate tracks a rolling one-second request count using a
// ratecounter.RateCounter.
var requestRate = ratecounter.NewRateCounter(1 * time.Second)

// RecordRequest registers one completed request against the rolling rate
// counter backing CurrentRPS.
func RecordRequest() {
	requestRate.Incr(1)
}

// CurrentRPS returns the number of requests completed in the trailing
// one-second window, surfaced by the admin /version endpoint.
func CurrentRPS() int64 {
	return requestRate.Rate()
}
