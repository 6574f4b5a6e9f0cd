package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

type recordingObserver struct{ events []string }

func (r *recordingObserver) StateChanged(_ *dataconn.Connection, from, to dataconn.State) {
	r.events = append(r.events, from.String()+">"+to.String())
}

func (r *recordingObserver) SetupFinished(_ *dataconn.Connection, t apn.Type, result dataconn.SetupResult, _ dataservice.FailCause, _ time.Duration) {
	r.events = append(r.events, "setup:"+t.String()+":"+result.String())
}

func (r *recordingObserver) HandoverFinished(_ *dataconn.Connection, t apn.Type, ok bool) {
	if ok {
		r.events = append(r.events, "handover:"+t.String())
	}
}

func TestObserversFanOut(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	obs := Observers{a, nil, b}
	conn := dataconn.New(dataconn.Deps{Transport: radio.TransportWWAN})

	obs.StateChanged(conn, dataconn.StateInactive, dataconn.StateActivating)
	obs.SetupFinished(conn, apn.TypeDefault, dataconn.SetupSuccess, dataservice.CauseNone, 0)
	obs.HandoverFinished(conn, apn.TypeDefault, true)

	want := []string{"inactive>activating", "setup:default:SUCCESS", "handover:default"}
	assert.Equal(t, want, a.events)
	assert.Equal(t, want, b.events)
}
