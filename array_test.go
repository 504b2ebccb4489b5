package camgrab_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/composite"
	"github.com/e7canasta/camgrab/internal/simcam"
	"github.com/e7canasta/camgrab/sink"
)

// ringSet creates one memory ring per context and keeps them for inspection.
type ringSet struct {
	mu    sync.Mutex
	rings map[int]*sink.Ring
}

func newRingSet() *ringSet {
	return &ringSet{rings: make(map[int]*sink.Ring)}
}

func (s *ringSet) factory(id int) (camgrab.FrameSink, error) {
	r, err := sink.NewRing(sink.NewMemoryStore(), sink.DefaultCapacity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rings[id] = r
	s.mu.Unlock()
	return r, nil
}

func (s *ringSet) written(id int) uint64 {
	s.mu.Lock()
	r := s.rings[id]
	s.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.Written()
}

func newTestArray(t *testing.T, d *simcam.Driver, cfg camgrab.ArrayConfig) *camgrab.Array {
	t.Helper()
	cfg.Device = testConfig
	a, err := camgrab.NewArray(d, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

// runArray runs a in the background and returns the channel receiving Run's result.
func runArray(a *camgrab.Array) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()
	return errCh
}

func TestArray_StateMachine(t *testing.T) {
	d := simcam.NewN(2, 200)
	a := newTestArray(t, d, camgrab.ArrayConfig{})
	assert.Equal(t, camgrab.ArrayIdle, a.State())

	require.NoError(t, a.Attach(context.Background()))
	assert.Equal(t, camgrab.ArrayAttached, a.State())
	assert.Equal(t, []int{0, 1}, a.Contexts())
	assert.Equal(t, "sim0", a.Handle(0).Ref().ID)
	assert.Equal(t, "sim1", a.Handle(1).Ref().ID)
	assert.Nil(t, a.Handle(2))

	require.NoError(t, a.StartGrabbing())
	assert.Equal(t, camgrab.ArrayGrabbing, a.State())

	seen := map[int]int{}
	for i := 0; i < 20; i++ {
		id, res, err := a.RetrieveAny(context.Background(), time.Second)
		require.NoError(t, err)
		require.True(t, res.Succeeded())
		assert.Equal(t, id, res.Frame().Context)
		seen[id]++
		res.Release()
	}
	assert.Greater(t, seen[0], 0, "context 0 delivered")
	assert.Greater(t, seen[1], 0, "context 1 delivered")

	require.NoError(t, a.Stop())
	assert.Equal(t, camgrab.ArrayStopped, a.State())
	require.NoError(t, a.Stop())

	calls := d.Calls()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.Equal(t, []string{"sim0:stop", "sim1:stop", "sim0:close", "sim1:close"}, calls[len(calls)-4:],
		"every handle stopped before any is closed")
	assert.False(t, d.Camera("sim0").IsOpen())
	assert.False(t, d.Camera("sim1").IsOpen())
}

func TestArray_NoDevicesFound(t *testing.T) {
	a := newTestArray(t, simcam.New(), camgrab.ArrayConfig{})

	assert.ErrorIs(t, a.Attach(context.Background()), camgrab.ErrNoDevicesFound)
	assert.Equal(t, camgrab.ArrayIdle, a.State())

	b := newTestArray(t, simcam.New(), camgrab.ArrayConfig{})
	assert.ErrorIs(t, b.Run(context.Background()), camgrab.ErrNoDevicesFound)
}

func TestArray_MaxDevices(t *testing.T) {
	d := simcam.NewN(4, 30)
	a := newTestArray(t, d, camgrab.ArrayConfig{})

	require.NoError(t, a.Attach(context.Background()))
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, []string{"sim0", "sim1"}, d.Cameras())
}

func TestArray_PartialAttach(t *testing.T) {
	d := simcam.New(
		simcam.Spec{Faults: simcam.Faults{Busy: true}},
		simcam.Spec{},
		simcam.Spec{Faults: simcam.Faults{RejectConfig: true}},
	)
	a := newTestArray(t, d, camgrab.ArrayConfig{MaxDevices: 3})

	require.NoError(t, a.Attach(context.Background()))
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, "sim1", a.Handle(0).Ref().ID, "context ids stay contiguous")
	assert.False(t, d.Camera("sim2").IsOpen(), "rejected device closed again")

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.False(t, d.Camera("sim1").IsOpen())
}

func TestArray_NoDeviceAttachable(t *testing.T) {
	d := simcam.New(
		simcam.Spec{Faults: simcam.Faults{Busy: true}},
		simcam.Spec{Faults: simcam.Faults{Busy: true}},
	)
	a := newTestArray(t, d, camgrab.ArrayConfig{})

	err := a.Attach(context.Background())
	assert.ErrorIs(t, err, camgrab.ErrDeviceUnavailable)
	assert.NoError(t, a.Stop())
}

func TestArray_FaultContainment(t *testing.T) {
	d := simcam.New(
		simcam.Spec{FPS: 150, Faults: simcam.Faults{FailAt: map[uint64]int{3: 7, 4: 7}}},
		simcam.Spec{FPS: 150},
	)
	rings := newRingSet()
	a := newTestArray(t, d, camgrab.ArrayConfig{Timeout: time.Second, Sinks: rings.factory, Strategy: camgrab.OneByOne})
	errCh := runArray(a)

	require.Eventually(t, func() bool {
		st := a.Stats()
		return len(st.Contexts) == 2 && st.Contexts[0].Failures >= 2 && rings.written(1) >= 20
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, camgrab.ArrayGrabbing, a.State(), "a device error does not stop the array")
	assert.Greater(t, rings.written(0), uint64(0), "faulty context keeps storing good frames")

	require.NoError(t, a.Stop())
	assert.NoError(t, <-errCh)
	assert.Equal(t, camgrab.ArrayStopped, a.State())
}

func TestArray_TransportErrorStopsArray(t *testing.T) {
	d := simcam.New(
		simcam.Spec{FPS: 100},
		simcam.Spec{FPS: 100, Faults: simcam.Faults{DisconnectAfter: 3}},
	)
	a := newTestArray(t, d, camgrab.ArrayConfig{Timeout: time.Second})

	var err error
	select {
	case err = <-runArray(a):
	case <-time.After(5 * time.Second):
		t.Fatal("array kept running after a transport failure")
	}

	var te *camgrab.TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, 1, te.Context)
	assert.Equal(t, camgrab.ArrayStopped, a.State())
	assert.False(t, d.Camera("sim0").IsOpen())
	assert.False(t, d.Camera("sim1").IsOpen())
}

func TestArray_StalledContextIsReportedNotFatal(t *testing.T) {
	d := simcam.New(
		simcam.Spec{FPS: 100},
		simcam.Spec{Faults: simcam.Faults{Silent: true}},
	)
	rings := newRingSet()
	a := newTestArray(t, d, camgrab.ArrayConfig{Timeout: 100 * time.Millisecond, Sinks: rings.factory})
	errCh := runArray(a)

	require.Eventually(t, func() bool {
		st := a.Stats()
		return len(st.Contexts) == 2 && st.Contexts[1].Stalls == 1
	}, 3*time.Second, 10*time.Millisecond)

	before := rings.written(0)
	require.Eventually(t, func() bool { return rings.written(0) > before+5 },
		3*time.Second, 10*time.Millisecond, "healthy context keeps advancing")

	st := a.Stats()
	assert.Equal(t, uint64(1), st.Contexts[1].Stalls, "a stall is reported once")
	assert.Equal(t, uint64(0), st.Contexts[1].Timeouts, "array polls are not device timeouts")
	assert.Equal(t, camgrab.ArrayGrabbing, st.State)

	require.NoError(t, a.Stop())
	assert.NoError(t, <-errCh)
}

func TestArray_WholeArrayTimeoutIsSoft(t *testing.T) {
	d := simcam.New(
		simcam.Spec{Faults: simcam.Faults{Silent: true}},
		simcam.Spec{Faults: simcam.Faults{Silent: true}},
	)
	a := newTestArray(t, d, camgrab.ArrayConfig{Timeout: 50 * time.Millisecond})
	errCh := runArray(a)

	require.Eventually(t, func() bool { return a.Stats().Timeouts >= 2 },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, camgrab.ArrayGrabbing, a.State())

	require.NoError(t, a.Stop())
	assert.NoError(t, <-errCh)
}

func TestArray_ExitWhen(t *testing.T) {
	rings := newRingSet()
	var exit sync.Once
	stop := make(chan struct{})
	a := newTestArray(t, simcam.NewN(2, 200), camgrab.ArrayConfig{
		Sinks: rings.factory,
		ExitWhen: func() bool {
			select {
			case <-stop:
				return true
			default:
				return false
			}
		},
	})
	errCh := runArray(a)

	require.Eventually(t, func() bool { return rings.written(0) >= 3 && rings.written(1) >= 3 },
		3*time.Second, 5*time.Millisecond)
	exit.Do(func() { close(stop) })

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ExitWhen did not end the array")
	}
	assert.Equal(t, camgrab.ArrayStopped, a.State())
}

func TestArray_CompositeFallbackThenFull(t *testing.T) {
	d := simcam.New(
		simcam.Spec{FPS: 100},
		simcam.Spec{FPS: 100, Faults: simcam.Faults{Silent: true}},
	)
	view, err := composite.New(2, composite.Config{})
	require.NoError(t, err)

	a := newTestArray(t, d, camgrab.ArrayConfig{Observers: []camgrab.FrameObserver{view}})
	errCh := runArray(a)

	require.Eventually(t, func() bool { return view.Version() > 0 }, 3*time.Second, 5*time.Millisecond)

	img, err := view.Render()
	require.NoError(t, err, "a missing context is filled, never an error")
	assert.Equal(t, 2*testConfig.Width, img.Bounds().Dx())
	assert.Equal(t, testConfig.Height, img.Bounds().Dy())
	assert.Nil(t, view.Snapshot()[1])

	require.NoError(t, a.Stop())
	assert.NoError(t, <-errCh)
	assert.Equal(t, uint64(0), d.Camera("sim0").Stats().Outstanding())
}

func TestArray_RunGuards(t *testing.T) {
	a := newTestArray(t, simcam.NewN(1, 30), camgrab.ArrayConfig{})

	_, _, err := a.RetrieveAny(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, camgrab.ErrNotGrabbing)

	require.NoError(t, a.Stop())
	assert.Equal(t, camgrab.ArrayStopped, a.State())
	assert.ErrorIs(t, a.Run(context.Background()), camgrab.ErrAlreadyStarted)
}

func TestNewArray_RejectsInvalidDeviceConfig(t *testing.T) {
	_, err := camgrab.NewArray(simcam.NewN(1, 30), camgrab.ArrayConfig{})
	assert.ErrorIs(t, err, camgrab.ErrInvalidConfiguration)

	_, err = camgrab.NewArray(nil, camgrab.ArrayConfig{Device: testConfig})
	assert.Error(t, err)
}
