package observability

import (
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
)

// Observers fans connection events out to every non-nil member in order.
type Observers []dataconn.Observer

func (o Observers) StateChanged(c *dataconn.Connection, from, to dataconn.State) {
	for _, obs := range o {
		if obs != nil {
			obs.StateChanged(c, from, to)
		}
	}
}

func (o Observers) SetupFinished(c *dataconn.Connection, t apn.Type, result dataconn.SetupResult, cause dataservice.FailCause, elapsed time.Duration) {
	for _, obs := range o {
		if obs != nil {
			obs.SetupFinished(c, t, result, cause, elapsed)
		}
	}
}

func (o Observers) HandoverFinished(c *dataconn.Connection, t apn.Type, ok bool) {
	for _, obs := range o {
		if obs != nil {
			obs.HandoverFinished(c, t, ok)
		}
	}
}
