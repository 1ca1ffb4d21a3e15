package mitigation

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/Hara602/ransomSentry/internal/sysutil"
)

const (
	BackendNone     = "none"
	BackendIptables = "iptables"
	BackendNftables = "nftables"

	nftTable    = "ransomsentry"
	ruleTag     = "ransomsentry-blocked"
	setBlocked  = "blocked_ips"
	setBlocked6 = "blocked_ips_v6"
)

// Recorder 封禁登记 (blocklist.Store)
type Recorder interface {
	Add(peer, reason, backend string, enforced bool) error
}

// CommandRunner 执行外部命令并返回合并输出
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func parsePeer(peer string) (net.IP, error) {
	ip := net.ParseIP(peer)
	if ip == nil {
		return nil, fmt.Errorf("invalid peer address %q", peer)
	}
	return ip, nil
}

// AdvisoryBlocker 仅登记不生效，结果永远不是成功
type AdvisoryBlocker struct {
	store Recorder
	log   *zap.Logger
}

func NewAdvisoryBlocker(store Recorder, logger *zap.Logger) *AdvisoryBlocker {
	return &AdvisoryBlocker{store: store, log: sysutil.Named(logger, "blocker")}
}

func (b *AdvisoryBlocker) Name() string { return BackendNone }

func (b *AdvisoryBlocker) Block(ctx context.Context, peer, reason string) (BlockResult, error) {
	ip, err := parsePeer(peer)
	if err != nil {
		return BlockResult{}, err
	}
	res := BlockResult{Backend: BackendNone, Detail: ErrNotEnforced.Error()}
	if b.store != nil {
		if err := b.store.Add(ip.String(), reason, BackendNone, false); err != nil {
			return res, fmt.Errorf("failed to record block: %w", err)
		}
		res.Detail = "recorded in blocklist; " + ErrNotEnforced.Error()
	}
	b.log.Warn("⚠️ network block is advisory only", zap.String("peer", ip.String()))
	return res, ErrNotEnforced
}

// FirewallBlocker 通过 iptables/nftables 真正下发封禁规则
type FirewallBlocker struct {
	backend string
	run     CommandRunner
	store   Recorder
	log     *zap.Logger

	mu    sync.Mutex
	ready bool
}

func NewFirewallBlocker(backend string, store Recorder, run CommandRunner, logger *zap.Logger) (*FirewallBlocker, error) {
	if backend != BackendIptables && backend != BackendNftables {
		return nil, fmt.Errorf("unknown firewall backend %q", backend)
	}
	if run == nil {
		run = execRunner
	}
	return &FirewallBlocker{
		backend: backend,
		run:     run,
		store:   store,
		log:     sysutil.Named(logger, "blocker"),
	}, nil
}

func (b *FirewallBlocker) Name() string { return b.backend }

func (b *FirewallBlocker) Block(ctx context.Context, peer, reason string) (BlockResult, error) {
	ip, err := parsePeer(peer)
	if err != nil {
		return BlockResult{}, err
	}

	if b.backend == BackendNftables {
		err = b.nftablesBlock(ctx, ip)
	} else {
		err = b.iptablesBlock(ctx, ip)
	}
	res := BlockResult{Backend: b.backend, Enforced: err == nil}
	if err != nil {
		res.Detail = err.Error()
		return res, err
	}
	res.Detail = "rule installed"

	if b.store != nil {
		if err := b.store.Add(ip.String(), reason, b.backend, true); err != nil {
			// 规则已生效，登记失败只记录日志
			b.log.Error("failed to record block", zap.String("peer", ip.String()), zap.Error(err))
		}
	}
	b.log.Info("🚫 peer blocked", zap.String("peer", ip.String()), zap.String("backend", b.backend))
	return res, nil
}

func (b *FirewallBlocker) iptablesBlock(ctx context.Context, ip net.IP) error {
	bin := "iptables"
	if ip.To4() == nil {
		bin = "ip6tables"
	}
	rules := []struct {
		chain string
		spec  []string
	}{
		{"INPUT", []string{"-s", ip.String(), "-j", "DROP", "-m", "comment", "--comment", ruleTag}},
		{"OUTPUT", []string{"-d", ip.String(), "-j", "DROP", "-m", "comment", "--comment", ruleTag}},
	}
	var inserted []int
	for i, r := range rules {
		// -C 成功说明规则已存在
		if _, err := b.run(ctx, bin, append([]string{"-C", r.chain}, r.spec...)...); err == nil {
			continue
		}
		if out, err := b.run(ctx, bin, append([]string{"-I", r.chain, "1"}, r.spec...)...); err != nil {
			for _, j := range inserted {
				if dout, derr := b.run(ctx, bin, append([]string{"-D", rules[j].chain}, rules[j].spec...)...); derr != nil {
					b.log.Error("failed to roll back iptables rule",
						zap.String("chain", rules[j].chain), zap.String("peer", ip.String()),
						zap.String("output", string(dout)), zap.Error(derr))
				}
			}
			return fmt.Errorf("iptables block failed: %s: %w", string(out), err)
		}
		inserted = append(inserted, i)
	}
	return nil
}

// nftablesEnsure 首次使用时创建表、集合和链；规则先清空链再写入，重启后不会重复
func (b *FirewallBlocker) nftablesEnsure(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}
	cmds := [][]string{
		{"add", "table", "inet", nftTable},
		{"add", "set", "inet", nftTable, setBlocked, "{ type ipv4_addr ; }"},
		{"add", "set", "inet", nftTable, setBlocked6, "{ type ipv6_addr ; }"},
		{"add", "chain", "inet", nftTable, "input", "{ type filter hook input priority 0 ; }"},
		{"add", "chain", "inet", nftTable, "output", "{ type filter hook output priority 0 ; }"},
		{"flush", "chain", "inet", nftTable, "input"},
		{"flush", "chain", "inet", nftTable, "output"},
		{"add", "rule", "inet", nftTable, "input", "ip", "saddr", "@" + setBlocked, "drop"},
		{"add", "rule", "inet", nftTable, "input", "ip6", "saddr", "@" + setBlocked6, "drop"},
		{"add", "rule", "inet", nftTable, "output", "ip", "daddr", "@" + setBlocked, "drop"},
		{"add", "rule", "inet", nftTable, "output", "ip6", "daddr", "@" + setBlocked6, "drop"},
	}
	for _, args := range cmds {
		if out, err := b.run(ctx, "nft", args...); err != nil {
			return fmt.Errorf("nftables setup failed: %s: %w", string(out), err)
		}
	}
	b.ready = true
	return nil
}

func (b *FirewallBlocker) nftablesBlock(ctx context.Context, ip net.IP) error {
	if err := b.nftablesEnsure(ctx); err != nil {
		return err
	}
	set := setBlocked
	if ip.To4() == nil {
		set = setBlocked6
	}
	out, err := b.run(ctx, "nft", "add", "element", "inet", nftTable, set, fmt.Sprintf("{ %s }", ip.String()))
	if err != nil {
		return fmt.Errorf("nftables add element failed: %s: %w", string(out), err)
	}
	return nil
}
