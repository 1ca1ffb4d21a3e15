package analysis

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/h2non/filetype"
)

// RiskLevel 伪装风险等级
type RiskLevel string

const (
	RiskSafe   RiskLevel = "SAFE"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// headSize filetype 库建议的文件头长度
const headSize = 262

// TypeResult 文件头与后缀比对结果
type TypeResult struct {
	IsMasquerade bool   // 后缀与真实类型不一致
	RealExt      string // 根据文件头得到的真实后缀
	DeclaredExt  string // 文件名中的后缀
	RiskLevel    RiskLevel
	Message      string
}

// TypeInspector 文件类型检查器，aliasMap 记录合法的"表里不一"
type TypeInspector struct {
	mu       sync.RWMutex
	aliasMap map[string]map[string]bool
}

func NewTypeInspector() *TypeInspector {
	t := &TypeInspector{aliasMap: make(map[string]map[string]bool)}

	// ZIP 家族是最大的误报源
	t.Allow("zip",
		"docx", "docm", "dotx", "dotm",
		"xlsx", "xlsm", "xltx", "xltm",
		"pptx", "pptm", "potx", "potm",
		"jar", "war", "ear", "apk",
		"odt", "ods", "odp",
		"crx", "whl", "nupkg",
	)
	t.Allow("xml", "svg", "html", "htm", "kml", "dae", "plist", "config")
	t.Allow("mp4", "m4v", "mov", "qt")
	t.Allow("mov", "qt", "mp4")
	t.Allow("ogg", "ogv", "oga", "spx")
	t.Allow("exe", "dll", "sys", "scr", "cpl", "ocx")
	t.Allow("gz", "gzip", "tgz")
	t.Allow("jpg", "jpeg", "jpe")
	t.Allow("tif", "tiff")
	return t
}

// Allow 登记真实类型允许使用的后缀
func (t *TypeInspector) Allow(realType string, exts ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.aliasMap[realType]
	if !ok {
		m = make(map[string]bool)
		t.aliasMap[realType] = m
	}
	m[realType] = true
	for _, e := range exts {
		m[e] = true
	}
}

// Inspect 读取文件头后比对
func (t *TypeInspector) Inspect(path string) (*TypeResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file failed: %w", err)
	}
	defer f.Close()

	head := make([]byte, headSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read file failed: %w", err)
	}
	return t.InspectHead(path, head[:n]), nil
}

// InspectHead 对已读取的文件头做判断
func (t *TypeInspector) InspectHead(name string, head []byte) *TypeResult {
	declared := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if declared == "" {
		return &TypeResult{RiskLevel: RiskSafe, Message: "No extension"}
	}
	if len(head) == 0 {
		return &TypeResult{DeclaredExt: declared, RiskLevel: RiskSafe, Message: "Empty file"}
	}

	kind, _ := filetype.Match(head)
	// 纯文本通常识别为 Unknown，默认信任
	if kind == filetype.Unknown {
		return &TypeResult{
			RealExt:     "unknown",
			DeclaredExt: declared,
			RiskLevel:   RiskSafe,
			Message:     "Unknown binary signature (likely text)",
		}
	}

	realExt := kind.Extension
	if realExt == declared {
		return &TypeResult{RealExt: realExt, DeclaredExt: declared, RiskLevel: RiskSafe}
	}

	t.mu.RLock()
	allowed := t.aliasMap[realExt][declared]
	t.mu.RUnlock()
	if allowed {
		return &TypeResult{
			RealExt:     realExt,
			DeclaredExt: declared,
			RiskLevel:   RiskSafe,
			Message:     fmt.Sprintf("Allowed alias: %s is compatible with %s", declared, realExt),
		}
	}

	risk := RiskMedium
	if realExt == "exe" || realExt == "elf" || realExt == "dll" {
		// 可执行文件伪装成其他格式
		risk = RiskHigh
	}
	return &TypeResult{
		IsMasquerade: true,
		RealExt:      realExt,
		DeclaredExt:  declared,
		RiskLevel:    risk,
		Message:      fmt.Sprintf("Type Mismatch! Header is '%s' but file is '%s'", realExt, declared),
	}
}
