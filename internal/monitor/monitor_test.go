package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lipsync-service/internal/inference"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
)

type fakeProbe struct {
	info inference.DeviceInfo
	err  error
}

func (p fakeProbe) Health(context.Context) (inference.DeviceInfo, error) { return p.info, p.err }

type recordingAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *recordingAlerter) Alert(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, text)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

func TestSampleHealthy(t *testing.T) {
	t.Parallel()

	probe := fakeProbe{info: inference.DeviceInfo{CUDAAvailable: true, Device: "NVIDIA A10G", MemoryUsedMB: 1000, MemoryTotalMB: 24000}}
	alerts := &recordingAlerter{}
	m := New(probe, alerts, logging.Discard())

	snap := m.Sample(context.Background())
	assert.Equal(t, LevelOK, snap.Level)
	assert.True(t, snap.Device.CUDAAvailable)
	assert.Equal(t, "NVIDIA A10G", m.Snapshot().Device.Device)
	assert.Positive(t, snap.Goroutines)
	assert.Zero(t, alerts.count())
}

func TestSampleProbeFailureFallsBackToCPU(t *testing.T) {
	t.Parallel()

	m := New(fakeProbe{err: errors.New("connection refused")}, nil, logging.Discard())
	snap := m.Sample(context.Background())
	assert.Equal(t, "CPU", snap.Device.Device)
	assert.False(t, snap.Device.CUDAAvailable)
	assert.Contains(t, snap.DeviceErr, "connection refused")
}

func TestWarnAlertsAreRateLimited(t *testing.T) {
	t.Parallel()

	alerts := &recordingAlerter{}
	m := New(nil, alerts, logging.Discard())
	m.Thresholds.GoroutineWarn = 1
	m.Thresholds.GoroutineCrit = 1 << 30

	assert.Equal(t, LevelWarn, m.Sample(context.Background()).Level)
	assert.Equal(t, LevelWarn, m.Sample(context.Background()).Level)
	assert.Equal(t, 1, alerts.count())
}

func TestCriticalAlertsOncePerEpisode(t *testing.T) {
	t.Parallel()

	alerts := &recordingAlerter{}
	m := New(nil, alerts, logging.Discard())
	m.Thresholds.HeapCrit = 1

	m.Sample(context.Background())
	m.Sample(context.Background())
	require.Equal(t, 1, alerts.count())
	assert.Contains(t, alerts.msgs[0], "critical")
}

func TestDeviceMemoryWarning(t *testing.T) {
	t.Parallel()

	probe := fakeProbe{info: inference.DeviceInfo{CUDAAvailable: true, Device: "gpu", MemoryUsedMB: 23900, MemoryTotalMB: 24000}}
	m := New(probe, nil, logging.Discard())
	assert.Equal(t, LevelWarn, m.Sample(context.Background()).Level)
}

func TestParseSMI(t *testing.T) {
	t.Parallel()

	info, err := parseSMI("NVIDIA GeForce RTX 4090, 1234, 24564\nNVIDIA GeForce RTX 4090, 0, 24564\n")
	require.NoError(t, err)
	assert.Equal(t, inference.DeviceInfo{CUDAAvailable: true, Device: "NVIDIA GeForce RTX 4090", MemoryUsedMB: 1234, MemoryTotalMB: 24564}, info)

	_, err = parseSMI("No devices were found")
	assert.Error(t, err)
}

func TestNvidiaSMIMissingBinaryReportsCPU(t *testing.T) {
	t.Parallel()

	info, err := NvidiaSMI{Path: "definitely-not-nvidia-smi"}.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CPU", info.Device)
}

type fakeSender struct {
	sent []tgbotapi.Chattable
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.sent = append(s.sent, c)
	return tgbotapi.Message{}, nil
}

func TestAlertSinkOnlyOperatorFailures(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "errors.log")
	require.NoError(t, os.WriteFile(logPath, []byte("a\nb\nc\nd\ne\nf\ng\n"), 0o644))

	sender := &fakeSender{}
	sink := AlertSink{Alerter: NewAlerter(sender, 42, logging.Discard()), ErrorsLog: logPath}

	sink.JobFailed(model.MediaJob{ID: "x", Error: &model.JobError{Stage: model.JobStatusDecoding}},
		model.NewStageError(model.JobStatusDecoding, model.ErrNoFaceDetected))
	assert.Empty(t, sender.sent)

	sink.JobFailed(model.MediaJob{ID: "y", Error: &model.JobError{Stage: model.JobStatusEncoding}},
		model.NewStageError(model.JobStatusEncoding, model.ErrEncoding))
	require.Len(t, sender.sent, 1)
	msg, ok := sender.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Contains(t, msg.Text, "job y failed in encoding")
	assert.True(t, strings.HasSuffix(msg.Text, "c\nd\ne\nf\ng"))
}

func TestTailLastNLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("1\n2\n3\n"), 0o644))
	lines, err := TailLastNLines(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, lines)
}
