// Package mitigation 根据策略执行隔离文件、结束进程、封禁网络三类缓解动作
package mitigation

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
)

const (
	ReasonAutoDisabled = "auto-mitigation disabled"
	ReasonDuplicate    = "duplicate mitigation suppressed"

	// SourceMitigation 结果告警的来源
	SourceMitigation = "mitigation"

	dedupCapacity = 1024
)

type Quarantiner interface {
	Quarantine(path, reason string) (model.QuarantineRecord, error)
}

type ProcessKiller interface {
	Kill(ctx context.Context, pid int) error
}

// BlockResult 网络封禁的执行情况
type BlockResult struct {
	Enforced bool
	Backend  string
	Detail   string
}

type Blocker interface {
	Name() string
	Block(ctx context.Context, peer, reason string) (BlockResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, a model.Alert)
}

// Policy 自动缓解开关 + 启用的动作列表
type Policy struct {
	AutoMitigation bool
	Enabled        []model.ActionType
}

func (p Policy) allows(a model.ActionType) bool { return slices.Contains(p.Enabled, a) }

type Options struct {
	Policy      Policy
	Quarantiner Quarantiner
	Killer      ProcessKiller
	Blocker     Blocker
	Publisher   Publisher
	QueueSize   int
	DedupTTL    time.Duration
	Clock       sysutil.Clock
	Logger      *zap.Logger
	// OnResult 每个请求的结果恰好回调一次
	OnResult func(model.MitigationResult)
}

type job struct {
	id     string
	threat model.Threat
}

type Engine struct {
	opts  Options
	log   *zap.Logger
	clock sysutil.Clock
	dedup *expirable.LRU[string, struct{}]

	// 正在执行的去重键
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = sysutil.SystemClock
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	e := &Engine{
		opts:     opts,
		log:      sysutil.Named(opts.Logger, "mitigation"),
		clock:    opts.Clock,
		queue:    make(chan job, opts.QueueSize),
		inflight: make(map[string]struct{}),
	}
	if opts.DedupTTL > 0 {
		e.dedup = expirable.NewLRU[string, struct{}](dedupCapacity, nil, opts.DedupTTL)
	}
	return e
}

// Policy 当前策略
func (e *Engine) Policy() Policy { return e.opts.Policy }

func (e *Engine) newResult(id string, t model.Threat) model.MitigationResult {
	if id == "" {
		id = uuid.NewString()
	}
	action, _ := model.ActionFor(t.Type)
	return model.MitigationResult{
		ID:       id,
		Decision: model.MitigationDecision{Action: action, Target: t.Target, Reason: t.Reason},
		State:    model.StatePending,
	}
}

// Mitigate 自动缓解入口：受开关、启用列表和去重约束，同步执行
func (e *Engine) Mitigate(ctx context.Context, t model.Threat) model.MitigationResult {
	return e.mitigate(ctx, "", t)
}

func (e *Engine) mitigate(ctx context.Context, id string, t model.Threat) model.MitigationResult {
	res := e.newResult(id, t)

	if !e.opts.Policy.AutoMitigation {
		return e.skip(res, ReasonAutoDisabled)
	}
	if res.Decision.Action == "" {
		res, _ = e.fail(ctx, res, ErrUnsupported)
		return res
	}
	if !e.opts.Policy.allows(res.Decision.Action) {
		return e.skip(res, "action not enabled: "+string(res.Decision.Action))
	}
	key := dedupKey(res.Decision)
	if !e.claim(key) {
		return e.skip(res, ReasonDuplicate)
	}

	res, _ = e.execute(ctx, res)
	e.release(key, res.Success)
	return res
}

// Execute 手动动作：绕过自动缓解开关和启用列表，结果仍然告警
func (e *Engine) Execute(ctx context.Context, t model.Threat) (model.MitigationResult, error) {
	res := e.newResult("", t)
	if res.Decision.Action == "" {
		return e.fail(ctx, res, ErrUnsupported)
	}
	return e.execute(ctx, res)
}

// dedupKey 隔离文件时带上文件大小与修改时间，同路径重建的文件视为新目标
func dedupKey(d model.MitigationDecision) string {
	key := string(d.Action) + "|" + d.Target
	if d.Action != model.ActionIsolateFile {
		return key
	}
	fi, err := os.Stat(d.Target)
	if err != nil {
		return key
	}
	return key + "|" + strconv.FormatInt(fi.Size(), 10) + "|" + strconv.FormatInt(fi.ModTime().UnixNano(), 10)
}

// claim 键在 TTL 内成功执行过或正在执行时返回 false
func (e *Engine) claim(key string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	if e.dedup != nil && e.dedup.Contains(key) {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

// release 只记录成功的动作，失败的可以在 TTL 内重试
func (e *Engine) release(key string, succeeded bool) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	delete(e.inflight, key)
	if succeeded && e.dedup != nil {
		e.dedup.Add(key, struct{}{})
	}
}

func (e *Engine) skip(res model.MitigationResult, reason string) model.MitigationResult {
	now := e.clock.Now()
	res.State = model.StateSkipped
	res.Reason = reason
	res.StartedAt, res.FinishedAt = now, now
	e.log.Debug("mitigation skipped",
		zap.String("action", string(res.Decision.Action)),
		zap.String("target", res.Decision.Target),
		zap.String("reason", reason))
	e.report(res)
	return res
}

func (e *Engine) fail(ctx context.Context, res model.MitigationResult, err error) (model.MitigationResult, error) {
	if res.StartedAt.IsZero() {
		res.StartedAt = e.clock.Now()
	}
	res.State = model.StateFailed
	res.Success = false
	res.Error = err.Error()
	return e.finish(ctx, res), &Error{Action: res.Decision.Action, Target: res.Decision.Target, Err: err}
}

func (e *Engine) execute(ctx context.Context, res model.MitigationResult) (model.MitigationResult, error) {
	res.State = model.StateExecuting
	res.StartedAt = e.clock.Now()
	d := res.Decision

	e.log.Info("⚙️ executing mitigation",
		zap.String("id", res.ID),
		zap.String("action", string(d.Action)),
		zap.String("target", d.Target))

	var err error
	switch d.Action {
	case model.ActionIsolateFile:
		err = e.isolate(&res)
	case model.ActionBlockProcess:
		err = e.killProcess(ctx, &res)
	case model.ActionBlockNetwork:
		err = e.blockPeer(ctx, &res)
	default:
		err = ErrUnsupported
	}
	if err != nil {
		return e.fail(ctx, res, err)
	}

	res.State = model.StateSucceeded
	res.Success = true
	return e.finish(ctx, res), nil
}

func (e *Engine) isolate(res *model.MitigationResult) error {
	if e.opts.Quarantiner == nil {
		return ErrNoHandler
	}
	rec, err := e.opts.Quarantiner.Quarantine(res.Decision.Target, res.Decision.Reason)
	if rec.ID != "" {
		res.Details = map[string]any{
			"quarantine_id": rec.ID,
			"checksum":      rec.Checksum,
			"recovery":      rec.Recovery,
		}
	}
	if err != nil {
		return err
	}
	res.Enforced = true
	return nil
}

func (e *Engine) killProcess(ctx context.Context, res *model.MitigationResult) error {
	if e.opts.Killer == nil {
		return ErrNoHandler
	}
	pid, err := strconv.Atoi(res.Decision.Target)
	if err != nil {
		return fmt.Errorf("invalid pid %q", res.Decision.Target)
	}
	if err := e.opts.Killer.Kill(ctx, pid); err != nil {
		return err
	}
	res.Enforced = true
	res.Details = map[string]any{"pid": pid}
	return nil
}

func (e *Engine) blockPeer(ctx context.Context, res *model.MitigationResult) error {
	if e.opts.Blocker == nil {
		return ErrNoHandler
	}
	br, err := e.opts.Blocker.Block(ctx, res.Decision.Target, res.Decision.Reason)
	res.Enforced = br.Enforced
	if br.Backend != "" {
		res.Details = map[string]any{"backend": br.Backend, "detail": br.Detail}
	}
	if err != nil {
		return err
	}
	if !br.Enforced {
		// 未真正生效的封禁不算成功
		return ErrNotEnforced
	}
	return nil
}

// finish 写结束时间、发结果告警、回调
func (e *Engine) finish(ctx context.Context, res model.MitigationResult) model.MitigationResult {
	res.FinishedAt = e.clock.Now()

	if res.Success {
		e.log.Info("✅ mitigation succeeded",
			zap.String("id", res.ID),
			zap.String("action", string(res.Decision.Action)),
			zap.String("target", res.Decision.Target))
	} else {
		e.log.Warn("❌ mitigation failed",
			zap.String("id", res.ID),
			zap.String("action", string(res.Decision.Action)),
			zap.String("target", res.Decision.Target),
			zap.String("error", res.Error))
	}

	if e.opts.Publisher != nil {
		e.opts.Publisher.Publish(ctx, outcomeAlert(res))
	}
	e.report(res)
	return res
}

func (e *Engine) report(res model.MitigationResult) {
	if e.opts.OnResult != nil {
		e.opts.OnResult(res)
	}
}

func outcomeAlert(res model.MitigationResult) model.Alert {
	d := res.Decision
	details := map[string]any{
		"mitigation_id": res.ID,
		"action_type":   string(d.Action),
		"target":        d.Target,
		"reason":        d.Reason,
		"state":         string(res.State),
		"success":       res.Success,
		"enforced":      res.Enforced,
	}
	for k, v := range res.Details {
		details[k] = v
	}

	a := model.Alert{
		Timestamp: res.FinishedAt,
		Source:    SourceMitigation,
		Details:   details,
	}
	if res.Success {
		a.Level = model.LevelWarning
		a.Message = fmt.Sprintf("Mitigation succeeded: %s %s", d.Action, d.Target)
	} else {
		a.Level = model.LevelCritical
		a.Message = fmt.Sprintf("Mitigation failed: %s %s: %s", d.Action, d.Target, res.Error)
		details["error"] = res.Error
	}
	return a
}

// Submit 非阻塞入队，由 Start 启动的工作协程执行；队列满或已关闭时直接以失败结果上报
func (e *Engine) Submit(ctx context.Context, t model.Threat) (string, error) {
	id := uuid.NewString()

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		res := e.newResult(id, t)
		e.fail(ctx, res, ErrClosed)
		return id, ErrClosed
	}
	select {
	case e.queue <- job{id: id, threat: t}:
		return id, nil
	default:
		res := e.newResult(id, t)
		e.fail(ctx, res, ErrQueueFull)
		return id, ErrQueueFull
	}
}

// Start 启动工作协程处理队列直到 Close；动作不随 ctx 取消而中断
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		runCtx := context.WithoutCancel(ctx)
		for j := range e.queue {
			e.runJob(runCtx, j)
		}
		e.log.Info("mitigation worker stopped")
	}()
}

func (e *Engine) runJob(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("🔥 mitigation worker panic", zap.Any("panic", r), zap.String("id", j.id))
			res := e.newResult(j.id, j.threat)
			e.fail(ctx, res, fmt.Errorf("panic: %v", r))
		}
	}()
	e.mitigate(ctx, j.id, j.threat)
}

// Close 关闭队列并等待已入队的请求执行完
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Pending 队列中等待执行的请求数
func (e *Engine) Pending() int { return len(e.queue) }
