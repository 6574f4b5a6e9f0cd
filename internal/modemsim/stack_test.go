package modemsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/cellular-data-manager/internal/agent"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/netcap"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

type inlineOwner struct{ id int }

func (o inlineOwner) ConnectionID() int                                                  { return o.id }
func (inlineOwner) Post(f func())                                                        { f() }
func (inlineOwner) HandleUnwanted()                                                      {}
func (inlineOwner) HandleBandwidthRequest()                                              {}
func (inlineOwner) HandleKeepaliveStop(int)                                              {}
func (inlineOwner) HandleKeepaliveStart(int, time.Duration, dataservice.KeepalivePacket) {}

func TestStackValidatesAgainstModem(t *testing.T) {
	m, _ := newTestModem(t, DefaultConfig())
	stack := NewStack(m, time.Minute, nil)

	var verdicts []agent.ValidationStatus
	a, err := agent.New(agent.Config{
		Transport:    radio.TransportWWAN,
		Stack:        stack,
		OnValidation: func(s agent.ValidationStatus, _ string) { verdicts = append(verdicts, s) },
	}, inlineOwner{id: 1}, netcap.NewCapabilities(), &netcap.LinkProperties{InterfaceName: "rmnet_data1"}, 50)
	require.NoError(t, err)

	// Nothing is validated before the network is connected.
	stack.Tick(simStart)
	assert.Empty(t, verdicts)

	stack.MarkConnected(a.ID())
	stack.Tick(simStart.Add(time.Second))
	assert.Equal(t, []agent.ValidationStatus{agent.ValidationValid}, verdicts)

	// Verdicts are reported on change only, once per interval.
	m.SetStalled(true)
	stack.Tick(simStart.Add(30 * time.Second))
	assert.Len(t, verdicts, 1)
	stack.Tick(simStart.Add(2 * time.Minute))
	assert.Equal(t, []agent.ValidationStatus{agent.ValidationValid, agent.ValidationNotValid}, verdicts)
	v, ok := stack.Verdict(a.ID())
	require.True(t, ok)
	assert.Equal(t, agent.ValidationNotValid, v)

	stack.Unregister(a.ID())
	m.SetStalled(false)
	stack.Tick(simStart.Add(10 * time.Minute))
	assert.Len(t, verdicts, 2)
	assert.Equal(t, 1, stack.Count("unregister"))
}

func TestStackRecordsCalls(t *testing.T) {
	stack := NewStack(nil, 0, nil)
	a, err := agent.New(agent.Config{Transport: radio.TransportWLAN, Stack: stack}, inlineOwner{id: 2},
		netcap.NewCapabilities(), &netcap.LinkProperties{InterfaceName: "iwlan0"}, 40)
	require.NoError(t, err)

	stack.UpdateScore(a.ID(), 45)
	stack.SetLegacySubtype(a.ID(), radio.RATIWLAN)
	stack.KeepaliveEvent(a.ID(), 1, agent.KeepaliveStarted)

	assert.Equal(t, 45, stack.Score(a.ID()))
	assert.True(t, stack.Live(a.ID()))
	assert.Equal(t, 1, stack.Count("register"))
	assert.Equal(t, 1, stack.Count("keepalive"))
}
