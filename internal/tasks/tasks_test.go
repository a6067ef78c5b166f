package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"allsky/internal/imgproc"
	"allsky/internal/logging"
)

func writeFrame(t *testing.T, path string, w, h int, v uint16) {
	t.Helper()
	im := imgproc.New(w, h, 3, 8)
	for i := range im.Pix {
		im.Pix[i] = v
	}
	if err := imgproc.WriteFile(path, im, 0); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func touch(t *testing.T, path string, data string, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell encoder stub needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "encoder.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCollectSessionFilesOrdersByModTime(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC)
	touch(t, filepath.Join(dir, "03", "image-c.jpg"), "x", base.Add(2*time.Minute))
	touch(t, filepath.Join(dir, "02", "image-b.jpg"), "x", base)
	touch(t, filepath.Join(dir, "03", "image-a.jpg"), "x", base.Add(time.Minute))
	touch(t, filepath.Join(dir, "03", "image-empty.jpg"), "", base)
	touch(t, filepath.Join(dir, "03", "panorama-a.jpg"), "x", base)
	touch(t, filepath.Join(dir, "keogram-realtime.jpg"), "x", base)
	touch(t, filepath.Join(dir, "03", "image-notes.txt"), "x", base)

	files, err := CollectSessionFiles(dir, "image", 0)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := []string{
		filepath.Join(dir, "02", "image-b.jpg"),
		filepath.Join(dir, "03", "image-a.jpg"),
		filepath.Join(dir, "03", "image-c.jpg"),
	}
	if !reflect.DeepEqual(files, want) {
		t.Fatalf("files = %v, want %v", files, want)
	}

	files, err = CollectSessionFiles(dir, "image", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(files, want[1:]) {
		t.Fatalf("skip 1: files = %v", files)
	}
	files, _ = CollectSessionFiles(dir, "image", 5)
	if len(files) != 0 {
		t.Fatalf("skipping everything left %v", files)
	}
}

func TestCollectSessionFilesMissingDir(t *testing.T) {
	files, err := CollectSessionFiles(filepath.Join(t.TempDir(), "nope"), "image", 0)
	if err != nil || files != nil {
		t.Fatalf("got %v, %v", files, err)
	}
}

func TestBuildKeogram(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i, v := range []uint16{10, 120, 240} {
		p := filepath.Join(dir, "image-"+string(rune('a'+i))+".png")
		writeFrame(t, p, 8, 6, v)
		files = append(files, p)
	}
	out := filepath.Join(dir, "keogram", "keogram.png")

	res, err := BuildKeogram(context.Background(), KeogramRequest{Files: files, Output: out, Log: logging.Discard()})
	if err != nil {
		t.Fatalf("keogram: %v", err)
	}
	if res.Frames != 3 || res.Width != 3 || res.Height != 6 {
		t.Fatalf("result = %+v", res)
	}
	raw, err := imgproc.DecodeFile(out)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	im := raw.Image()
	if im.Width != 3 || im.Height != 6 {
		t.Fatalf("output is %dx%d", im.Width, im.Height)
	}
	for x, want := range []uint16{10, 120, 240} {
		if got := im.At(x, 3, 0); got != want {
			t.Errorf("column %d = %d, want %d", x, got, want)
		}
	}
}

func TestBuildKeogramScales(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i := 0; i < 4; i++ {
		p := filepath.Join(dir, "image-"+string(rune('a'+i))+".png")
		writeFrame(t, p, 8, 10, 50)
		files = append(files, p)
	}
	res, err := BuildKeogram(context.Background(), KeogramRequest{
		Files: files, Output: filepath.Join(dir, "k.png"), HScale: 200, VScale: 50, Log: logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Width != 8 || res.Height != 5 {
		t.Fatalf("scaled keogram is %dx%d, want 8x5", res.Width, res.Height)
	}
}

func TestBuildKeogramMismatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "image-a.png")
	b := filepath.Join(dir, "image-b.png")
	writeFrame(t, a, 8, 6, 10)
	writeFrame(t, b, 8, 10, 10)
	out := filepath.Join(dir, "keogram.png")

	_, err := BuildKeogram(context.Background(), KeogramRequest{Files: []string{a, b}, Output: out, Log: logging.Discard()})
	if !errors.Is(err, ErrKeogramMismatch) {
		t.Fatalf("err = %v, want ErrKeogramMismatch", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("mismatch left output behind: %v", err)
	}
}

func TestBuildKeogramSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "image-a.png")
	bad := filepath.Join(dir, "image-b.png")
	c := filepath.Join(dir, "image-c.png")
	writeFrame(t, a, 4, 4, 1)
	touch(t, bad, "not a png", time.Now())
	writeFrame(t, c, 4, 4, 2)

	res, err := BuildKeogram(context.Background(), KeogramRequest{
		Files: []string{a, bad, c}, Output: filepath.Join(dir, "k.png"), Log: logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Frames != 2 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}

	_, err = BuildKeogram(context.Background(), KeogramRequest{Output: filepath.Join(dir, "k.png")})
	if !errors.Is(err, ErrNoFrames) {
		t.Fatalf("empty request err = %v", err)
	}
}

func TestBuildTimelapseRunsEncoder(t *testing.T) {
	// Writes the symlinked frame names and the arguments into the output file.
	enc := writeScript(t, `for last; do :; done
ls > "$last"
echo "$@" >> "$last"
`)
	dir := t.TempDir()
	var files []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, "frames", "image-"+string(rune('a'+i))+".jpg")
		touch(t, p, "jpeg", time.Now())
		files = append(files, p)
	}
	files = append(files, filepath.Join(dir, "frames", "image-raw.fits"))
	out := filepath.Join(dir, "out", "allsky.mp4")

	res, err := BuildTimelapse(context.Background(), TimelapseRequest{
		Files:        files,
		Output:       out,
		Encoder:      enc,
		Framerate:    30,
		Codec:        "libx264",
		Bitrate:      "2000k",
		VFScale:      "1920:-1",
		ExtraOptions: "-preset fast",
		ScratchDir:   t.TempDir(),
		Log:          logging.Discard(),
	})
	if err != nil {
		t.Fatalf("timelapse: %v", err)
	}
	if res.Frames != 3 {
		t.Fatalf("frames = %d, want 3", res.Frames)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
	data, _ := os.ReadFile(out)
	body := string(data)
	for _, want := range []string{"00000.jpg", "00001.jpg", "00002.jpg", "-r 30", "-vcodec libx264", "-b:v 2000k", "scale=1920:-1", "-preset fast"} {
		if !strings.Contains(body, want) {
			t.Errorf("encoder output missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "00003.jpg") {
		t.Errorf("raw frame was linked:\n%s", body)
	}
}

func TestBuildTimelapseEncoderFailure(t *testing.T) {
	enc := writeScript(t, `for last; do :; done
echo partial > "$last"
exit 3
`)
	dir := t.TempDir()
	frame := filepath.Join(dir, "image-a.jpg")
	touch(t, frame, "jpeg", time.Now())
	out := filepath.Join(dir, "allsky.mp4")

	_, err := BuildTimelapse(context.Background(), TimelapseRequest{
		Files: []string{frame}, Output: out, Encoder: enc, ScratchDir: t.TempDir(), Log: logging.Discard(),
	})
	if !errors.Is(err, ErrTimelapse) {
		t.Fatalf("err = %v, want ErrTimelapse", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("partial output left on disk: %v", err)
	}
}

func TestBuildTimelapseNoFrames(t *testing.T) {
	_, err := BuildTimelapse(context.Background(), TimelapseRequest{Output: filepath.Join(t.TempDir(), "x.mp4")})
	if !errors.Is(err, ErrTimelapse) || !errors.Is(err, ErrNoFrames) {
		t.Fatalf("err = %v", err)
	}
}

func TestEncoderArgs(t *testing.T) {
	args := encoderArgs(TimelapseRequest{Output: "/tmp/o.mp4", Framerate: 25}, "/s/%05d.jpg")
	want := []string{"-y", "-loglevel", "error", "-f", "image2", "-r", "25", "-i", "/s/%05d.jpg",
		"-pix_fmt", "yuv420p", "-movflags", "+faststart", "/tmp/o.mp4"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %v", args)
	}
}

type expirer struct {
	before time.Time
	names  []string
	calls  int
}

func (e *expirer) ExpireImages(_ context.Context, before time.Time) ([]string, error) {
	e.calls++
	e.before = before
	return e.names, nil
}

func TestExpireData(t *testing.T) {
	dir := t.TempDir()
	hour := filepath.Join(dir, "ccd_1", "2024-06-01", "night", "03")
	a := filepath.Join(hour, "image-a.jpg")
	b := filepath.Join(hour, "image-b.jpg")
	touch(t, a, "x", time.Now())
	touch(t, b, "x", time.Now())
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	e := &expirer{names: []string{a, b, filepath.Join(hour, "gone.jpg")}}

	res, err := ExpireData(context.Background(), e, 30, now, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if !e.before.Equal(now.AddDate(0, 0, -30)) {
		t.Errorf("cutoff = %v", e.before)
	}
	if res.Rows != 3 || res.Files != 2 || res.Missing != 1 {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(hour); !os.IsNotExist(err) {
		t.Errorf("empty hour directory kept: %v", err)
	}

	e.calls = 0
	if _, err := ExpireData(context.Background(), e, 0, now, logging.Discard()); err != nil || e.calls != 0 {
		t.Fatalf("days=0 should do nothing, calls=%d err=%v", e.calls, err)
	}
}

func TestExtractVersion(t *testing.T) {
	cases := map[string]string{
		"ffmpeg version 6.1.1 Copyright\nbuilt with gcc": "ffmpeg version 6.1.1 Copyright",
		"tool 1.2\nother":                                 "tool 1.2",
		"":                                                "unknown",
	}
	for in, want := range cases {
		if got := extractVersion(in); got != want {
			t.Errorf("extractVersion(%q) = %q, want %q", in, got, want)
		}
	}
}
