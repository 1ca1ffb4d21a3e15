package anomaly

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/Hara602/ransomSentry/internal/model"
)

// GenerateNormal 生成正常行为的合成样本 (无加密操作)
func GenerateNormal(n int, seed int64) []model.FeatureVector {
	rng := rand.New(rand.NewSource(seed))
	uniform := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }

	out := make([]model.FeatureVector, n)
	for i := range out {
		out[i] = model.FeatureVector{
			float64(1 + rng.Intn(19)), // op_count
			0,                         // encrypt_count
			float64(rng.Intn(5)),      // delete_count
			float64(rng.Intn(10)),     // create_count
			uniform(100, 5000),        // disk_read_rate
			uniform(50, 2000),         // disk_write_rate
			uniform(5, 40),            // cpu_pct
			uniform(20, 60),           // mem_pct
			uniform(100, 5000),        // net_activity
		}
	}
	return out
}

// LoadSamples 读取训练语料：对象数组，字段名为特征名，缺失字段为 0
func LoadSamples(path string) ([]model.FeatureVector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode training data %s: %w", path, err)
	}
	out := make([]model.FeatureVector, len(raw))
	for i, m := range raw {
		for j, name := range model.FeatureNames {
			out[i][j] = m[name]
		}
	}
	return out, nil
}

func SaveSamples(path string, samples []model.FeatureVector) error {
	raw := make([]map[string]float64, len(samples))
	for i, v := range samples {
		m := make(map[string]float64, model.FeatureCount)
		for j, name := range model.FeatureNames {
			m[name] = v[j]
		}
		raw[i] = m
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
