package mitigation

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls []string
	fail  string
	// 为 true 时 iptables -C 报告规则已存在
	present bool
}

func (r *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, line)
	if len(args) > 0 && args[0] == "-C" {
		if r.present {
			return nil, nil
		}
		return []byte("Bad rule (does a matching rule exist in that chain?)"), errors.New("exit status 1")
	}
	if r.fail != "" && strings.Contains(line, r.fail) {
		return []byte("permission denied"), errors.New("exit status 1")
	}
	return nil, nil
}

func TestAdvisoryBlockerRecordsAndRefusesSuccess(t *testing.T) {
	rec := &fakeRecorder{}
	b := NewAdvisoryBlocker(rec, nil)

	res, err := b.Block(context.Background(), "198.51.100.2", "c2")
	assert.ErrorIs(t, err, ErrNotEnforced)
	assert.False(t, res.Enforced)
	assert.Equal(t, BackendNone, res.Backend)
	assert.Equal(t, map[string]bool{"198.51.100.2": false}, rec.peers)
}

func TestBlockerRejectsInvalidPeer(t *testing.T) {
	b := NewAdvisoryBlocker(nil, nil)
	_, err := b.Block(context.Background(), "evil.example", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotEnforced)
}

func TestIptablesBlocker(t *testing.T) {
	r := &fakeRunner{}
	rec := &fakeRecorder{}
	b, err := NewFirewallBlocker(BackendIptables, rec, r.run, nil)
	require.NoError(t, err)

	res, err := b.Block(context.Background(), "192.0.2.10", "c2")
	require.NoError(t, err)
	assert.True(t, res.Enforced)
	assert.Equal(t, []string{
		"iptables -C INPUT -s 192.0.2.10 -j DROP -m comment --comment ransomsentry-blocked",
		"iptables -I INPUT 1 -s 192.0.2.10 -j DROP -m comment --comment ransomsentry-blocked",
		"iptables -C OUTPUT -d 192.0.2.10 -j DROP -m comment --comment ransomsentry-blocked",
		"iptables -I OUTPUT 1 -d 192.0.2.10 -j DROP -m comment --comment ransomsentry-blocked",
	}, r.calls)
	assert.True(t, rec.peers["192.0.2.10"])

	r.calls = nil
	_, err = b.Block(context.Background(), "2001:db8::1", "c2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.calls[0], "ip6tables "))
}

func TestIptablesBlockerSkipsExistingRules(t *testing.T) {
	r := &fakeRunner{present: true}
	b, err := NewFirewallBlocker(BackendIptables, nil, r.run, nil)
	require.NoError(t, err)

	res, err := b.Block(context.Background(), "192.0.2.11", "c2")
	require.NoError(t, err)
	assert.True(t, res.Enforced)
	require.Len(t, r.calls, 2)
	for _, call := range r.calls {
		assert.Contains(t, call, " -C ")
	}
}

func TestIptablesBlockerFailure(t *testing.T) {
	r := &fakeRunner{fail: "OUTPUT"}
	rec := &fakeRecorder{}
	b, err := NewFirewallBlocker(BackendIptables, rec, r.run, nil)
	require.NoError(t, err)

	res, err := b.Block(context.Background(), "192.0.2.10", "c2")
	require.Error(t, err)
	assert.False(t, res.Enforced)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Empty(t, rec.peers)
	// OUTPUT 插入失败时撤回已插入的 INPUT 规则
	assert.Equal(t, "iptables -D INPUT -s 192.0.2.10 -j DROP -m comment --comment ransomsentry-blocked", r.calls[len(r.calls)-1])
}

func TestNftablesBlockerSetsUpOnce(t *testing.T) {
	r := &fakeRunner{}
	b, err := NewFirewallBlocker(BackendNftables, nil, r.run, nil)
	require.NoError(t, err)

	_, err = b.Block(context.Background(), "192.0.2.10", "")
	require.NoError(t, err)
	setup := len(r.calls) - 1
	flush := slices.Index(r.calls, "nft flush chain inet ransomsentry input")
	firstRule := slices.IndexFunc(r.calls, func(c string) bool { return strings.HasPrefix(c, "nft add rule ") })
	require.NotEqual(t, -1, flush)
	assert.Less(t, flush, firstRule)
	assert.Contains(t, r.calls, "nft flush chain inet ransomsentry output")
	assert.Equal(t, "nft add element inet ransomsentry blocked_ips { 192.0.2.10 }", r.calls[len(r.calls)-1])

	_, err = b.Block(context.Background(), "2001:db8::2", "")
	require.NoError(t, err)
	assert.Len(t, r.calls, setup+2)
	assert.Equal(t, "nft add element inet ransomsentry blocked_ips_v6 { 2001:db8::2 }", r.calls[len(r.calls)-1])
}

func TestUnknownFirewallBackend(t *testing.T) {
	_, err := NewFirewallBlocker("pf", nil, nil, nil)
	assert.Error(t, err)
}
