package mitigation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/quarantine"
)

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (p *recordingPublisher) Publish(_ context.Context, a model.Alert) {
	p.mu.Lock()
	p.alerts = append(p.alerts, a)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []model.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Alert(nil), p.alerts...)
}

type fakeKiller struct {
	mu    sync.Mutex
	err   error
	calls []int
}

func (k *fakeKiller) Kill(_ context.Context, pid int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, pid)
	return k.err
}

func (k *fakeKiller) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.calls)
}

type fakeRecorder struct {
	peers map[string]bool
}

func (r *fakeRecorder) Add(peer, _, _ string, enforced bool) error {
	if r.peers == nil {
		r.peers = map[string]bool{}
	}
	r.peers[peer] = enforced
	return nil
}

var allActions = []model.ActionType{model.ActionIsolateFile, model.ActionBlockProcess, model.ActionBlockNetwork}

func newEngine(t *testing.T, auto bool, enabled []model.ActionType, mutate func(*Options)) (*Engine, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	opts := Options{
		Policy:    Policy{AutoMitigation: auto, Enabled: enabled},
		Killer:    &fakeKiller{},
		Blocker:   NewAdvisoryBlocker(&fakeRecorder{}, nil),
		Publisher: pub,
		DedupTTL:  time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), pub
}

func TestMitigateAutoDisabled(t *testing.T) {
	killer := &fakeKiller{}
	e, pub := newEngine(t, false, allActions, func(o *Options) { o.Killer = killer })

	res := e.Mitigate(context.Background(), model.Threat{Type: model.ThreatProcess, Target: "1234"})

	assert.False(t, res.Success)
	assert.Equal(t, model.StateSkipped, res.State)
	assert.Equal(t, ReasonAutoDisabled, res.Reason)
	assert.Zero(t, killer.count())
	assert.Empty(t, pub.all())
}

func TestMitigateActionNotEnabled(t *testing.T) {
	killer := &fakeKiller{}
	e, pub := newEngine(t, true, []model.ActionType{model.ActionIsolateFile}, func(o *Options) { o.Killer = killer })

	res := e.Mitigate(context.Background(), model.Threat{Type: model.ThreatProcess, Target: "1234"})

	assert.Equal(t, model.StateSkipped, res.State)
	assert.Contains(t, res.Reason, "block_process")
	assert.Zero(t, killer.count())
	assert.Empty(t, pub.all())
}

func TestMitigateProcessNotFound(t *testing.T) {
	killer := &fakeKiller{err: ErrProcessNotFound}
	e, pub := newEngine(t, true, allActions, func(o *Options) { o.Killer = killer })

	res := e.Mitigate(context.Background(), model.Threat{Type: model.ThreatProcess, Target: "99999", Reason: "encryptor"})

	assert.False(t, res.Success)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, "process not found", res.Error)
	assert.Equal(t, model.ActionBlockProcess, res.Decision.Action)

	alerts := pub.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.LevelCritical, alerts[0].Level)
	assert.Equal(t, SourceMitigation, alerts[0].Source)
	assert.Equal(t, "process not found", alerts[0].Details["error"])
}

func TestMitigateProcessSuccessEmitsWarning(t *testing.T) {
	killer := &fakeKiller{}
	e, pub := newEngine(t, true, allActions, func(o *Options) { o.Killer = killer })

	res := e.Mitigate(context.Background(), model.Threat{Type: model.ThreatProcess, Target: "4242"})

	assert.True(t, res.Success)
	assert.True(t, res.Enforced)
	assert.Equal(t, model.StateSucceeded, res.State)
	assert.Equal(t, []int{4242}, killer.calls)
	require.Len(t, pub.all(), 1)
	assert.Equal(t, model.LevelWarning, pub.all()[0].Level)
}

func TestMitigateInvalidPid(t *testing.T) {
	e, pub := newEngine(t, true, allActions, nil)

	res := e.Mitigate(context.Background(), model.Threat{Type: model.ThreatProcess, Target: "not-a-pid"})

	assert.Equal(t, model.StateFailed, res.State)
	assert.Contains(t, res.Error, "invalid pid")
	require.Len(t, pub.all(), 1)
}

func TestMitigateDeduplicates(t *testing.T) {
	killer := &fakeKiller{}
	e, pub := newEngine(t, true, allActions, func(o *Options) { o.Killer = killer })

	threat := model.Threat{Type: model.ThreatProcess, Target: "777"}
	first := e.Mitigate(context.Background(), threat)
	second := e.Mitigate(context.Background(), threat)

	assert.Equal(t, model.StateSucceeded, first.State)
	assert.Equal(t, model.StateSkipped, second.State)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Equal(t, 1, killer.count())
	assert.Len(t, pub.all(), 1)
}

func TestMitigateNetworkAdvisoryIsNotSuccess(t *testing.T) {
	rec := &fakeRecorder{}
	e, pub := newEngine(t, true, allActions, func(o *Options) { o.Blocker = NewAdvisoryBlocker(rec, nil) })

	res := e.Mitigate(context.Background(), model.Threat{Type: model.ThreatNetwork, Target: "203.0.113.7"})

	assert.False(t, res.Success)
	assert.False(t, res.Enforced)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, ErrNotEnforced.Error(), res.Error)
	assert.Equal(t, BackendNone, res.Details["backend"])
	assert.Contains(t, rec.peers, "203.0.113.7")
	require.Len(t, pub.all(), 1)
	assert.Equal(t, model.LevelCritical, pub.all()[0].Level)
}

func TestMitigateRetriesAfterFailure(t *testing.T) {
	killer := &fakeKiller{err: ErrAccessDenied}
	e, pub := newEngine(t, true, allActions, func(o *Options) { o.Killer = killer })

	threat := model.Threat{Type: model.ThreatProcess, Target: "778"}
	first := e.Mitigate(context.Background(), threat)
	second := e.Mitigate(context.Background(), threat)

	assert.Equal(t, model.StateFailed, first.State)
	assert.Equal(t, model.StateFailed, second.State)
	assert.NotEqual(t, ReasonDuplicate, second.Reason)
	assert.Equal(t, 2, killer.count())
	assert.Len(t, pub.all(), 2)
}

func TestMitigateIsolatesRecreatedFile(t *testing.T) {
	dir := t.TempDir()
	ledger, err := quarantine.NewLedger(filepath.Join(dir, "q"), nil, nil)
	require.NoError(t, err)
	victim := filepath.Join(dir, "report.docx.locked")
	require.NoError(t, os.WriteFile(victim, []byte("first ciphertext"), 0o644))

	e, _ := newEngine(t, true, allActions, func(o *Options) { o.Quarantiner = ledger })
	threat := model.Threat{Type: model.ThreatFile, Target: victim}

	first := e.Mitigate(context.Background(), threat)
	require.True(t, first.Success, first.Error)
	assert.NoFileExists(t, victim)

	require.NoError(t, os.WriteFile(victim, []byte("second, longer ciphertext"), 0o644))
	second := e.Mitigate(context.Background(), threat)
	require.True(t, second.Success, second.Error)
	assert.NoFileExists(t, victim)
	assert.NotEqual(t, first.Details["quarantine_id"], second.Details["quarantine_id"])
}

func TestMitigateIsolateFile(t *testing.T) {
	dir := t.TempDir()
	ledger, err := quarantine.NewLedger(filepath.Join(dir, "q"), nil, nil)
	require.NoError(t, err)
	victim := filepath.Join(dir, "photo.jpg.locked")
	require.NoError(t, os.WriteFile(victim, []byte("ciphertext"), 0o644))

	e, pub := newEngine(t, true, allActions, func(o *Options) { o.Quarantiner = ledger })
	res := e.Mitigate(context.Background(), model.Threat{Type: model.ThreatFile, Target: victim, Reason: "suspicious extension"})

	require.True(t, res.Success, res.Error)
	id, _ := res.Details["quarantine_id"].(string)
	require.NotEmpty(t, id)
	assert.NoFileExists(t, victim)

	rec, err := ledger.Get(id)
	require.NoError(t, err)
	sum, _, err := quarantine.Checksum(filepath.Join(ledger.Dir(), id))
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum, sum)
	assert.Len(t, pub.all(), 1)
}

func TestMitigateIsolateMissingFile(t *testing.T) {
	ledger, err := quarantine.NewLedger(t.TempDir(), nil, nil)
	require.NoError(t, err)
	e, pub := newEngine(t, true, allActions, func(o *Options) { o.Quarantiner = ledger })

	res := e.Mitigate(context.Background(), model.Threat{Type: model.ThreatFile, Target: "/no/such/file"})

	assert.Equal(t, model.StateFailed, res.State)
	require.Len(t, pub.all(), 1)
	assert.Equal(t, model.LevelCritical, pub.all()[0].Level)
}

func TestMitigateUnsupportedType(t *testing.T) {
	e, _ := newEngine(t, true, allActions, nil)
	res := e.Mitigate(context.Background(), model.Threat{Type: "registry", Target: "x"})
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, ErrUnsupported.Error(), res.Error)
}

func TestExecuteBypassesPolicy(t *testing.T) {
	killer := &fakeKiller{err: ErrAccessDenied}
	e, pub := newEngine(t, false, nil, func(o *Options) { o.Killer = killer })

	res, err := e.Execute(context.Background(), model.Threat{Type: model.ThreatProcess, Target: "55"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccessDenied)
	var merr *Error
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, model.ActionBlockProcess, merr.Action)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, 1, killer.count())
	assert.Len(t, pub.all(), 1)
}

func TestQueueReportsEachJobOnce(t *testing.T) {
	var mu sync.Mutex
	results := map[string]int{}
	killer := &fakeKiller{}
	e, _ := newEngine(t, true, allActions, func(o *Options) {
		o.Killer = killer
		o.QueueSize = 16
		o.OnResult = func(r model.MitigationResult) {
			mu.Lock()
			results[r.ID]++
			mu.Unlock()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	var ids []string
	for _, pid := range []string{"100", "101", "102", "100"} {
		id, err := e.Submit(ctx, model.Threat{Type: model.ThreatProcess, Target: pid})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// 取消不影响已入队的请求
	cancel()
	e.Close()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, results[id], id)
	}
	assert.Equal(t, 3, killer.count())

	_, err := e.Submit(context.Background(), model.Threat{Type: model.ThreatProcess, Target: "200"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubmitQueueFull(t *testing.T) {
	pub := &recordingPublisher{}
	e := New(Options{
		Policy:    Policy{AutoMitigation: true, Enabled: allActions},
		Killer:    &fakeKiller{},
		Publisher: pub,
		QueueSize: 1,
	})

	_, err := e.Submit(context.Background(), model.Threat{Type: model.ThreatProcess, Target: "1"})
	require.NoError(t, err)
	_, err = e.Submit(context.Background(), model.Threat{Type: model.ThreatProcess, Target: "2"})
	assert.ErrorIs(t, err, ErrQueueFull)

	alerts := pub.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.LevelCritical, alerts[0].Level)
	assert.Equal(t, 1, e.Pending())
}
