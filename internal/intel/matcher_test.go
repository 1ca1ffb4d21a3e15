package intel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/ransomSentry/internal/model"
	"github.com/Hara602/ransomSentry/internal/sysutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckBeforeAndAfterUpdate(t *testing.T) {
	m := NewMatcher(nil)

	assert.Empty(t, m.Check(map[string][]string{"domains": {"evil.com"}}))

	require.NoError(t, m.Update("domains", []string{"evil.com"}))
	got := m.Check(map[string][]string{"domains": {"evil.com"}})
	assert.Equal(t, []model.IndicatorMatch{{Type: "domain", Value: "evil.com"}}, got)
}

func TestCheckExactCaseSensitive(t *testing.T) {
	m := NewMatcher(nil)
	require.NoError(t, m.Update("hashes", []string{"ABCDEF"}))
	require.NoError(t, m.Update("file_names", []string{"HOW_TO_DECRYPT.txt"}))

	got := m.Check(map[string][]string{
		"hashes":     {"abcdef", "ABCDEF", "ABCDEF0"},
		"file_names": {"how_to_decrypt.txt", "HOW_TO_DECRYPT.txt"},
		"unknown":    {"ABCDEF"},
	})
	assert.Equal(t, []model.IndicatorMatch{
		{Type: "hash", Value: "ABCDEF"},
		{Type: "file_name", Value: "HOW_TO_DECRYPT.txt"},
	}, got)
}

func TestInsertThenQuery(t *testing.T) {
	m := NewMatcher(nil)
	inserted := map[string][]string{
		"domains":    {"a.example", "b.example"},
		"ips":        {"10.0.0.1", "2001:db8::1"},
		"hashes":     {"d41d8cd98f00b204e9800998ecf8427e"},
		"file_names": {"RECOVER-FILES.html"},
	}
	for k, v := range inserted {
		require.NoError(t, m.Update(k, v))
	}

	assert.Len(t, m.Check(inserted), 6)
	assert.Empty(t, m.Check(map[string][]string{
		"domains": {"c.example"}, "ips": {"10.0.0.2"}, "hashes": {"00"}, "file_names": {"notes.txt"},
	}))
	// 集合之间相互独立
	assert.Empty(t, m.Check(map[string][]string{"domains": {"10.0.0.1"}}))
}

func TestUpdateUnknownType(t *testing.T) {
	assert.Error(t, NewMatcher(nil).Update("urls", []string{"http://x"}))
}

func TestUpdateIsUnion(t *testing.T) {
	m := NewMatcher(nil)
	require.NoError(t, m.Update("ips", []string{"1.1.1.1"}))
	require.NoError(t, m.Update("ip", []string{"2.2.2.2", "1.1.1.1"}))
	assert.Equal(t, 2, m.Counts()[SetIPs])
}

func TestSaveLoad(t *testing.T) {
	clock := sysutil.NewManualClock(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "ti", "indicators.json")

	a := NewMatcher(clock)
	a.Apply(Batch{Domains: []string{"evil.com"}, IPs: []string{"6.6.6.6"}, FileNames: []string{"README_LOCKED.txt"}})
	require.NoError(t, a.Save(path))

	b := NewMatcher(nil)
	_, ok := b.LastUpdate()
	assert.False(t, ok)
	require.NoError(t, b.Load(path))

	assert.Equal(t, a.Counts(), b.Counts())
	ts, ok := b.LastUpdate()
	require.True(t, ok)
	assert.True(t, ts.Equal(clock.Now()))
	assert.Len(t, b.Check(map[string][]string{"ips": {"6.6.6.6"}}), 1)
}

func TestSaveEmptyWritesNullLastUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indicators.json")
	require.NoError(t, NewMatcher(nil).Save(path))
	b := NewMatcher(nil)
	require.NoError(t, b.Load(path))
	_, ok := b.LastUpdate()
	assert.False(t, ok)
}
