package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "allsky.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if _, err := s.AddTask(ctx, QueueMain, "noop", nil, ""); err != nil {
		t.Fatalf("nil add task: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if _, err := s.FindCalibration(ctx, CalibrationQuery{Kind: KindDark}); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestFindCalibrationPrefersTemperatureMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	add := func(gain int, exposure, temp float64, name string) {
		_, err := s.AddCalibration(ctx, CalibrationFrame{
			CameraID: 1, Kind: KindDark, BitDepth: 12, BinMode: 1, Gain: gain,
			Exposure: exposure, Temp: temp, Filename: name, Active: true,
		})
		require.NoError(t, err)
	}
	add(100, 15, 10, "cold.fit")
	add(100, 15, 22, "match.fit")
	add(100, 15, 30, "hot.fit")
	add(50, 15, 21, "lowgain.fit")
	add(100, 10, 21, "shortexp.fit")

	f, err := s.FindCalibration(ctx, CalibrationQuery{
		CameraID: 1, Kind: KindDark, BitDepth: 12, BinMode: 1, Gain: 100, Exposure: 15, Temp: 20,
	})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "match.fit", f.Filename)
}

func TestFindCalibrationFallsBackToHottest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []CalibrationFrame{
		{Temp: 30, Filename: "hot.fit"},
		{Temp: 40, Filename: "hotter.fit"},
		{Temp: 5, Filename: "cold.fit"},
	} {
		rec.CameraID, rec.Kind, rec.BitDepth, rec.BinMode, rec.Gain, rec.Exposure, rec.Active = 1, KindDark, 12, 1, 100, 15, true
		_, err := s.AddCalibration(ctx, rec)
		require.NoError(t, err)
	}

	f, err := s.FindCalibration(ctx, CalibrationQuery{
		CameraID: 1, Kind: KindDark, BitDepth: 12, BinMode: 1, Gain: 100, Exposure: 15, Temp: 20,
	})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "hotter.fit", f.Filename)
}

func TestFindCalibrationNoMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddCalibration(ctx, CalibrationFrame{
		CameraID: 1, Kind: KindBPM, BitDepth: 16, BinMode: 1, Gain: 100, Exposure: 15, Temp: 20, Filename: "bpm.fit", Active: true,
	})
	require.NoError(t, err)

	f, err := s.FindCalibration(ctx, CalibrationQuery{
		CameraID: 1, Kind: KindBPM, BitDepth: 12, BinMode: 1, Gain: 100, Exposure: 15, Temp: 20,
	})
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, QueueVideo, "generate_video", map[string]any{"day_date": "2024-06-20"}, TaskQueued)
	require.NoError(t, err)
	_, err = s.AddTask(ctx, QueueUpload, "upload_endofnight", nil, TaskQueued)
	require.NoError(t, err)

	claimed, err := s.ClaimTask(ctx, QueueVideo, QueueMain)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, id, claimed.ID)
	assert.Equal(t, TaskRunning, claimed.State)
	assert.Equal(t, "2024-06-20", claimed.Data["day_date"])

	again, err := s.ClaimTask(ctx, QueueVideo, QueueMain)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, s.FinishTask(ctx, id, TaskDone, map[string]any{"output": "x.mp4"}))
	rec, err := s.Task(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskDone, rec.State)
	assert.Equal(t, "x.mp4", rec.Result["output"])

	recent, err := s.RecentTasks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestNotificationsDeduplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	added, err := s.AddNotification(ctx, "camera", "watchdog", "camera hung", time.Hour)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.AddNotification(ctx, "camera", "watchdog", "camera hung again", time.Hour)
	require.NoError(t, err)
	assert.False(t, added)

	active, err := s.ActiveNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, s.AckNotification(ctx, active[0].ID))
	added, err = s.AddNotification(ctx, "camera", "watchdog", "camera hung again", time.Hour)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestImagesSessionAndExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	camID, err := s.UpsertCamera(ctx, CameraRecord{Name: "CCD Simulator", Driver: "simulator", Width: 64, Height: 48})
	require.NoError(t, err)
	again, err := s.UpsertCamera(ctx, CameraRecord{Name: "CCD Simulator", Driver: "simulator", Width: 128, Height: 96})
	require.NoError(t, err)
	assert.Equal(t, camID, again)
	cam, err := s.Camera(ctx, camID)
	require.NoError(t, err)
	assert.Equal(t, 128, cam.Width)

	old := time.Now().Add(-48 * time.Hour)
	for i, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		created := time.Now().Add(time.Duration(i) * time.Second)
		if i == 0 {
			created = old
		}
		_, err := s.AddImage(ctx, ImageRecord{CameraID: camID, Filename: name, DayDate: "2024-06-20", Night: true, CreatedAt: created})
		require.NoError(t, err)
	}

	session, err := s.SessionImages(ctx, camID, "2024-06-20", true)
	require.NoError(t, err)
	require.Len(t, session, 3)
	assert.Equal(t, "a.jpg", session[0].Filename)

	latest, err := s.LatestImage(ctx, camID)
	require.NoError(t, err)
	assert.Equal(t, "c.jpg", latest.Filename)

	expired, err := s.ExpireImages(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, expired)
}

func TestPanoramaRowsExpireWithFrames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	camID, err := s.UpsertCamera(ctx, CameraRecord{Name: "CCD Simulator", Driver: "simulator"})
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	_, err = s.AddImage(ctx, ImageRecord{CameraID: camID, Filename: "a.jpg", DayDate: "2024-06-20", Night: true, CreatedAt: old})
	require.NoError(t, err)
	_, err = s.AddImage(ctx, ImageRecord{CameraID: camID, Kind: KindPanorama, Filename: "a-pano.jpg", DayDate: "2024-06-20", Night: true, Width: 1440, CreatedAt: old.Add(time.Second)})
	require.NoError(t, err)

	session, err := s.SessionImages(ctx, camID, "2024-06-20", true)
	require.NoError(t, err)
	require.Len(t, session, 1)
	assert.Equal(t, KindImage, session[0].Kind)

	latest, err := s.LatestImage(ctx, camID)
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", latest.Filename)

	expired, err := s.ExpireImages(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.jpg", "a-pano.jpg"}, expired)
}
