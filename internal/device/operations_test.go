package device

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

func connectedClient(t *testing.T) (*fakeTelescope, *Client, *fakeClock) {
	t.Helper()
	ft, srv := newFakeTelescope(t)
	ft.reply(http.MethodGet, "/status", http.StatusOK, `{"code":0,"data":{"connected":true,"mode":"master","battery":80}}`)
	c, clock := newTestClient(t, srv)
	require.NoError(t, c.Connect(context.Background()))
	return ft, c, clock
}

func TestConnectSyncsTime(t *testing.T) {
	ft, c, clock := connectedClient(t)

	calls := ft.callsTo(http.MethodPost, "/system/time")
	require.Len(t, calls, 1)
	assert.EqualValues(t, clock.Now().Unix(), calls[0].body["timestamp"])
	assert.True(t, c.Snapshot().Connected)
}

func TestConnectRefusedWhileFollower(t *testing.T) {
	ft, srv := newFakeTelescope(t)
	ft.reply(http.MethodGet, "/status", http.StatusOK, `{"code":0,"data":{"mode":"follower"}}`)
	c, _ := newTestClient(t, srv)

	err := c.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrBusy))
	assert.False(t, c.Snapshot().Connected)
}

func TestOperationsRequireConnection(t *testing.T) {
	_, srv := newFakeTelescope(t)
	c, _ := newTestClient(t, srv)

	assert.ErrorIs(t, c.StartSession(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, c.Goto(context.Background(), Target{Name: "M31"}), ErrNotConnected)
	assert.ErrorIs(t, c.StartCapture(context.Background()), ErrNotConnected)
}

func TestAutoFocusPollsUntilComplete(t *testing.T) {
	ft, c, clock := connectedClient(t)
	ft.on(http.MethodGet, "/focus/status", func(_ deviceCall, n int) (int, string) {
		if n < 3 {
			return http.StatusOK, `{"code":0,"data":{"completed":false,"progress":0.5}}`
		}
		return http.StatusOK, `{"code":0,"data":{"completed":true,"success":true}}`
	})

	require.NoError(t, c.AutoFocus(context.Background(), FocusOptions{Infinite: true}))
	calls := ft.callsTo(http.MethodPost, "/focus/auto")
	require.Len(t, calls, 1)
	assert.Equal(t, "infinite", calls[0].body["mode"])
	assert.Equal(t, []time.Duration{FocusPollInterval, FocusPollInterval}, clock.slept())
}

func TestAutoFocusTimesOut(t *testing.T) {
	ft, c, _ := connectedClient(t)
	ft.reply(http.MethodGet, "/focus/status", http.StatusOK, `{"code":0,"data":{"completed":false}}`)

	err := c.AutoFocus(context.Background(), FocusOptions{Timeout: 10 * time.Second})
	assert.True(t, errors.Is(err, ErrTimeout))
	// Polls at t=0,2,4,6,8,10.
	assert.Equal(t, 6, ft.count(http.MethodGet, "/focus/status"))
}

func TestAutoFocusReportsDeviceFailure(t *testing.T) {
	ft, c, _ := connectedClient(t)
	ft.reply(http.MethodGet, "/focus/status", http.StatusOK, `{"code":0,"data":{"completed":true,"success":false,"message":"no stars"}}`)

	err := c.AutoFocus(context.Background(), FocusOptions{})
	assert.True(t, errors.Is(err, ErrStepFailed))
	assert.Contains(t, err.Error(), "no stars")
}

func TestPollToleratesTransientStatusErrors(t *testing.T) {
	ft, c, _ := connectedClient(t)
	c.Retries = 1
	ft.on(http.MethodGet, "/calibration/status", func(_ deviceCall, n int) (int, string) {
		if n == 1 {
			return http.StatusInternalServerError, `{"code":-1}`
		}
		return http.StatusOK, `{"code":0,"data":{"completed":true,"success":true}}`
	})

	require.NoError(t, c.Calibrate(context.Background()))
	assert.Equal(t, 2, ft.count(http.MethodGet, "/calibration/status"))
}

func TestGotoTimeoutStopsSlew(t *testing.T) {
	ft, c, _ := connectedClient(t)
	ft.reply(http.MethodGet, "/goto/status", http.StatusOK, `{"code":0,"data":{"completed":false}}`)

	err := c.Goto(context.Background(), Target{Name: "M42", RA: 5.58, Dec: -5.39})
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 1, ft.count(http.MethodPost, "/goto/stop"))

	calls := ft.callsTo(http.MethodPost, "/goto")
	require.Len(t, calls, 1)
	assert.Equal(t, "M42", calls[0].body["target"])
	assert.InDelta(t, 5.58, calls[0].body["ra"], 1e-9)
}

func TestGotoCanceledStopsSlew(t *testing.T) {
	ft, c, _ := connectedClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	ft.on(http.MethodGet, "/goto/status", func(deviceCall, int) (int, string) {
		cancel()
		return http.StatusOK, `{"code":0,"data":{"completed":false}}`
	})

	err := c.Goto(ctx, Target{Name: "M42"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, ft.count(http.MethodPost, "/goto/stop"))
}

func TestConfigureCameraOrderAndFailure(t *testing.T) {
	settings := models.CaptureSettings{Frames: 20, ExposureSeconds: 15, Gain: 80, Binning: models.Binning2x2, Filter: models.FilterDuoBand}

	t.Run("ordered keys", func(t *testing.T) {
		ft, c, clock := connectedClient(t)
		require.NoError(t, c.ConfigureCamera(context.Background(), settings))

		var keys []string
		for _, call := range ft.callsTo(http.MethodPost, "/camera/setting") {
			keys = append(keys, call.body["key"].(string))
		}
		assert.Equal(t, []string{"exposure", "gain", "binning", "ir_cut", "frames"}, keys)
		slept := clock.slept()
		require.NotEmpty(t, slept)
		assert.Equal(t, cameraSettlePause, slept[len(slept)-1])
	})

	t.Run("failing key", func(t *testing.T) {
		ft, c, _ := connectedClient(t)
		ft.on(http.MethodPost, "/camera/setting", func(call deviceCall, _ int) (int, string) {
			if call.body["key"] == "gain" {
				return http.StatusOK, `{"code":5,"message":"gain out of range"}`
			}
			return http.StatusOK, `{"code":0}`
		})

		err := c.ConfigureCamera(context.Background(), settings)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"gain"`)
		for _, call := range ft.callsTo(http.MethodPost, "/camera/setting") {
			assert.NotEqual(t, "frames", call.body["key"])
		}
	})
}

func TestWaitCaptureReportsProgress(t *testing.T) {
	ft, c, _ := connectedClient(t)
	require.NoError(t, c.StartCapture(context.Background()))
	assert.True(t, c.Snapshot().CaptureActive)
	ft.on(http.MethodGet, "/capture/status", func(_ deviceCall, n int) (int, string) {
		if n < 3 {
			return http.StatusOK, `{"code":0,"data":{"completed":false,"frames_captured":` + strconv.Itoa(n*2) + `,"frames_total":6}}`
		}
		return http.StatusOK, `{"code":0,"data":{"completed":true,"success":true,"frames_captured":6,"frames_total":6}}`
	})

	var seen []int
	final, err := c.WaitCapture(context.Background(), models.CaptureSettings{Frames: 6, ExposureSeconds: 10}, func(p CaptureProgress) {
		seen = append(seen, p.FramesCaptured)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, seen)
	assert.Equal(t, 6, final.FramesCaptured)
	assert.Equal(t, 2*CapturePollInterval, final.Elapsed)
	assert.False(t, c.Snapshot().CaptureActive)
}

func TestStartGuidingWaitsForLock(t *testing.T) {
	ft, c, _ := connectedClient(t)
	ft.reply(http.MethodGet, "/guide/status", http.StatusOK, `{"code":0,"data":{"completed":true,"success":true,"guiding":true}}`)

	require.NoError(t, c.StartGuiding(context.Background()))
	require.NoError(t, c.StopGuiding(context.Background()))
	assert.Equal(t, 1, ft.count(http.MethodPost, "/guide/stop"))
}

func TestEmergencyStopSingleAttempt(t *testing.T) {
	ft, c, _ := connectedClient(t)
	require.NoError(t, c.StartSession(context.Background()))
	ft.reply(http.MethodPost, "/emergency-stop", http.StatusInternalServerError, `{"code":-1}`)

	err := c.EmergencyStop(context.Background())
	assert.True(t, errors.Is(err, ErrRequestFailed))
	assert.Equal(t, 1, ft.count(http.MethodPost, "/emergency-stop"))
	assert.False(t, c.Snapshot().SessionActive)
}

func TestDisconnectStopsActiveWork(t *testing.T) {
	ft, c, _ := connectedClient(t)
	require.NoError(t, c.StartSession(context.Background()))
	require.NoError(t, c.StartCapture(context.Background()))

	c.Disconnect(context.Background())
	assert.Equal(t, 1, ft.count(http.MethodPost, "/capture/stop"))
	assert.Equal(t, 1, ft.count(http.MethodPost, "/session/stop"))
	assert.Equal(t, SessionState{}, c.Snapshot())

	// Second call is a no-op.
	c.Disconnect(context.Background())
	assert.Equal(t, 1, ft.count(http.MethodPost, "/capture/stop"))
}

func TestDisconnectSwallowsErrors(t *testing.T) {
	ft, c, _ := connectedClient(t)
	require.NoError(t, c.StartSession(context.Background()))
	ft.reply(http.MethodPost, "/session/stop", http.StatusInternalServerError, `{"code":-1}`)

	c.Disconnect(context.Background())
	assert.False(t, c.Snapshot().Connected)
	assert.False(t, c.Snapshot().SessionActive)
}
