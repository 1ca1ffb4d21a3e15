package analysis

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// 勒索信常见文件名片段
var noteNamePatterns = []string{
	"readme", "read_me", "!readme!", "_readme_", "important_read_me",
	"how_to_decrypt", "how_to_recover", "how_to_back", "help_decrypt",
	"decrypt_instructions", "decrypt_info", "decrypt_your_files",
	"restore_files", "restore_data", "recover_your_files", "recovery_key",
	"your_files", "files_encrypted", "ransom", "attention",
}

// 勒索信允许的后缀，空字符串表示无后缀
var noteExts = map[string]bool{"txt": true, "html": true, "htm": true, "hta": true, "": true}

// 单个短语命中即可判定
var strongPhrases = []string{
	"your files have been encrypted",
	"your files are encrypted",
	"all your files",
	"files have been locked",
	"to decrypt your files",
	"pay the ransom",
}

var noteKeywords = []string{
	"bitcoin", "btc", "monero", "wallet", "ransom", "decrypt", "decryption",
	"private key", "tor browser", ".onion", "payment", "recover your files",
	"encrypted", "deadline",
}

// NoteResult 勒索信启发式结果
type NoteResult struct {
	NameMatch bool
	Keywords  []string
	Strong    string
	Fired     bool
	Pattern   string
}

// NoteDetector 文件名 + 内容的勒索信检测
type NoteDetector struct {
	MaxBytes int64
}

func NewNoteDetector(maxBytes int64) *NoteDetector {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return &NoteDetector{MaxBytes: maxBytes}
}

// MatchName 文件名是否像勒索信
func MatchName(path string) (bool, string) {
	base := strings.ToLower(filepath.Base(path))
	ext := strings.TrimPrefix(filepath.Ext(base), ".")
	if !noteExts[ext] {
		return false, ""
	}
	for _, p := range noteNamePatterns {
		if strings.Contains(base, p) {
			return true, p
		}
	}
	return false, ""
}

// NoteCandidate 后缀可能是勒索信 (值得读取内容)
func NoteCandidate(path string) bool {
	return noteExts[strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))]
}

// ScanContent 内容关键词评分
func ScanContent(content []byte) (strong string, keywords []string) {
	if !utf8.Valid(content) && bytes.IndexByte(content, 0) >= 0 {
		return "", nil
	}
	text := strings.ToLower(string(content))
	text = strings.Join(strings.Fields(text), " ")
	for _, p := range strongPhrases {
		if strings.Contains(text, p) {
			strong = p
			break
		}
	}
	for _, k := range noteKeywords {
		if strings.Contains(text, k) {
			keywords = append(keywords, k)
		}
	}
	return strong, keywords
}

// Evaluate 文件名命中时需至少一个关键词；否则需强短语或两个以上关键词
func (d *NoteDetector) Evaluate(name string, content []byte) NoteResult {
	var r NoteResult
	r.NameMatch, r.Pattern = MatchName(name)
	r.Strong, r.Keywords = ScanContent(content)

	switch {
	case r.NameMatch && (r.Strong != "" || len(r.Keywords) > 0):
		r.Fired = true
	case r.Strong != "" && len(r.Keywords) >= 2:
		r.Fired = true
		r.Pattern = r.Strong
	}
	if r.Fired && r.Pattern == "" {
		r.Pattern = strings.Join(r.Keywords, ",")
	}
	return r
}

// Inspect 读取文件前 MaxBytes 字节后评估；读失败时仅凭文件名不会触发
func (d *NoteDetector) Inspect(path string) (NoteResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return d.Evaluate(path, nil), err
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, d.MaxBytes))
	if err != nil {
		return d.Evaluate(path, nil), err
	}
	return d.Evaluate(path, content), nil
}
