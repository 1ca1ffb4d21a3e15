package intel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Hara602/ransomSentry/internal/sysutil"
	"go.uber.org/zap"
)

const (
	FeedGeneric    = "generic"
	FeedMISP       = "misp"
	FeedAlienVault = "alienvault"

	DefaultFetchTimeout = 30 * time.Second
	maxLineBytes        = 1 << 20
)

// 单个 feed 响应体上限
var maxFeedBytes = 64 << 20

var ErrFeedTooLarge = errors.New("feed body exceeds size limit")

// FeedConfig 单个情报源
type FeedConfig struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Type    string            `json:"type"`
	APIKey  string            `json:"api_key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
}

func (f FeedConfig) enabled() bool { return f.Enabled == nil || *f.Enabled }

// FeedUpdateError 单个 feed 拉取或解析失败，本轮跳过
type FeedUpdateError struct {
	Feed string
	Err  error
}

func (e *FeedUpdateError) Error() string { return fmt.Sprintf("feed %s: %v", e.Feed, e.Err) }
func (e *FeedUpdateError) Unwrap() error { return e.Err }

// LoadFeedConfig 读取 {"feeds": [...]}
func LoadFeedConfig(path string) ([]FeedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Feeds []FeedConfig `json:"feeds"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode feed config %s: %w", path, err)
	}
	for i, f := range doc.Feeds {
		if f.Name == "" || f.URL == "" {
			return nil, fmt.Errorf("feed %d: name and url are required", i)
		}
		if f.Type == "" {
			doc.Feeds[i].Type = FeedGeneric
		}
	}
	return doc.Feeds, nil
}

// FeedManager 拉取情报源并把类型化的指标交给 Matcher
type FeedManager struct {
	client  *http.Client
	feeds   []FeedConfig
	matcher *Matcher
	log     *zap.Logger
}

func NewFeedManager(feeds []FeedConfig, matcher *Matcher, timeout time.Duration, logger *zap.Logger) *FeedManager {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &FeedManager{
		client:  &http.Client{Timeout: timeout},
		feeds:   feeds,
		matcher: matcher,
		log:     sysutil.Named(logger, "intel"),
	}
}

func (m *FeedManager) Feeds() []FeedConfig { return m.feeds }

// UpdateAll 逐个更新，返回每个 feed 是否成功；失败的 feed 不影响其它
func (m *FeedManager) UpdateAll(ctx context.Context) (map[string]bool, error) {
	result := make(map[string]bool, len(m.feeds))
	var errs []error
	for _, feed := range m.feeds {
		if !feed.enabled() {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, &FeedUpdateError{Feed: feed.Name, Err: ctx.Err()})
			result[feed.Name] = false
			continue
		}
		batch, err := m.updateFeed(ctx, feed)
		if err != nil {
			m.log.Warn("⚠️ Threat intel feed update failed", zap.String("feed", feed.Name), zap.Error(err))
			errs = append(errs, &FeedUpdateError{Feed: feed.Name, Err: err})
			result[feed.Name] = false
			continue
		}
		m.matcher.Apply(batch)
		result[feed.Name] = true
		m.log.Info("🔄 Threat intel feed updated",
			zap.String("feed", feed.Name),
			zap.Int("domains", len(batch.Domains)),
			zap.Int("ips", len(batch.IPs)),
			zap.Int("hashes", len(batch.Hashes)),
			zap.Int("file_names", len(batch.FileNames)))
	}
	return result, errors.Join(errs...)
}

func (m *FeedManager) updateFeed(ctx context.Context, feed FeedConfig) (Batch, error) {
	body, err := m.fetch(ctx, feed)
	if err != nil {
		return Batch{}, err
	}
	return Parse(feed.Type, body)
}

func (m *FeedManager) fetch(ctx context.Context, feed FeedConfig) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range feed.Headers {
		req.Header.Set(k, v)
	}
	if feed.APIKey != "" {
		switch feed.Type {
		case FeedMISP:
			req.Header.Set("Authorization", feed.APIKey)
			req.Header.Set("Accept", "application/json")
		default:
			req.Header.Set("API-Key", feed.APIKey)
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	// 多读一个字节用来判断是否被截断
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxFeedBytes)+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxFeedBytes {
		return nil, ErrFeedTooLarge
	}
	return body, nil
}

// Parse 按 feed 类型解析
func Parse(feedType string, body []byte) (Batch, error) {
	switch feedType {
	case FeedGeneric, "":
		return ParseGeneric(body)
	case FeedMISP:
		return ParseMISP(body)
	case FeedAlienVault:
		return ParseAlienVault(body)
	}
	return Batch{}, fmt.Errorf("unsupported feed type %q", feedType)
}

// ParseGeneric 每行一个指标，# 开头为注释；扫描中断时整批作废
func ParseGeneric(body []byte) (Batch, error) {
	var b Batch
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.ContainsAny(line, " \t") {
			continue
		}
		switch {
		case net.ParseIP(line) != nil:
			b.IPs = append(b.IPs, line)
		case isHexHash(line):
			b.Hashes = append(b.Hashes, strings.ToLower(line))
		case strings.Contains(line, "."):
			b.Domains = append(b.Domains, line)
		}
	}
	if err := sc.Err(); err != nil {
		return Batch{}, fmt.Errorf("scan generic feed: %w", err)
	}
	return b, nil
}

func isHexHash(s string) bool {
	switch len(s) {
	case 32, 40, 64:
	default:
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// ParseMISP response[].Attribute[]
func ParseMISP(body []byte) (Batch, error) {
	var doc struct {
		Response []struct {
			Attribute []struct {
				Type  string `json:"type"`
				Value string `json:"value"`
			} `json:"Attribute"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return Batch{}, fmt.Errorf("decode misp feed: %w", err)
	}
	var b Batch
	for _, ev := range doc.Response {
		for _, a := range ev.Attribute {
			switch a.Type {
			case "domain":
				b.Domains = append(b.Domains, a.Value)
			case "ip-dst":
				b.IPs = append(b.IPs, a.Value)
			case "md5", "sha1", "sha256":
				b.Hashes = append(b.Hashes, strings.ToLower(a.Value))
			case "filename":
				b.FileNames = append(b.FileNames, a.Value)
			}
		}
	}
	return b, nil
}

// ParseAlienVault results[].indicators[]
func ParseAlienVault(body []byte) (Batch, error) {
	var doc struct {
		Results []struct {
			Indicators []struct {
				Type      string `json:"type"`
				Indicator string `json:"indicator"`
			} `json:"indicators"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return Batch{}, fmt.Errorf("decode alienvault feed: %w", err)
	}
	var b Batch
	for _, p := range doc.Results {
		for _, ind := range p.Indicators {
			switch ind.Type {
			case "domain":
				b.Domains = append(b.Domains, ind.Indicator)
			case "IPv4", "IPv6":
				b.IPs = append(b.IPs, ind.Indicator)
			case "FileHash-MD5", "FileHash-SHA1", "FileHash-SHA256":
				b.Hashes = append(b.Hashes, strings.ToLower(ind.Indicator))
			case "file_name":
				b.FileNames = append(b.FileNames, ind.Indicator)
			}
		}
	}
	return b, nil
}
