// Package anomaly 提供单类离群检测模型：孤立森林与多元 z-score 阈值
package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/Hara602/ransomSentry/internal/model"
)

var (
	ErrModelNotTrained = errors.New("model not trained")
	ErrNoSamples       = errors.New("training requires at least one sample")
)

const (
	KindIsolationForest = "isolation_forest"
	KindZScore          = "zscore"
)

// Scorer 可替换的异常检测模型
type Scorer interface {
	Train(samples []model.FeatureVector) error
	// Predict 未训练/未加载时返回 ErrModelNotTrained
	Predict(v model.FeatureVector) (model.AnomalyScore, error)
	Save(path string) error
	Load(path string) error
	Trained() bool
}

type Params struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          int64
	ZThreshold    float64
}

func DefaultParams() Params {
	return Params{Trees: 100, SampleSize: 256, Contamination: 0.1, Seed: 42, ZThreshold: 4}
}

// New 按类型构造 scorer
func New(kind string, p Params) (Scorer, error) {
	switch kind {
	case KindIsolationForest, "":
		return NewIsolationForest(p), nil
	case KindZScore:
		return NewThresholdScorer(p.ZThreshold), nil
	}
	return nil, fmt.Errorf("unknown model type %q", kind)
}

// Scaler 标准化参数，与模型一起拟合、一起持久化
type Scaler struct {
	Mean [model.FeatureCount]float64 `json:"mean"`
	Std  [model.FeatureCount]float64 `json:"std"`
}

func fitScaler(samples []model.FeatureVector) Scaler {
	var s Scaler
	n := float64(len(samples))
	for _, v := range samples {
		for i := range v {
			s.Mean[i] += v[i]
		}
	}
	for i := range s.Mean {
		s.Mean[i] /= n
	}
	for _, v := range samples {
		for i := range v {
			d := v[i] - s.Mean[i]
			s.Std[i] += d * d
		}
	}
	for i := range s.Std {
		s.Std[i] = math.Sqrt(s.Std[i] / n)
		// 常量特征
		if s.Std[i] == 0 {
			s.Std[i] = 1
		}
	}
	return s
}

func (s Scaler) Transform(v model.FeatureVector) model.FeatureVector {
	var out model.FeatureVector
	for i := range v {
		out[i] = (v[i] - s.Mean[i]) / s.Std[i]
	}
	return out
}

// modelFile 模型与 scaler 作为一个整体落盘
type modelFile struct {
	Type      string       `json:"type"`
	Version   int          `json:"version"`
	Scaler    Scaler       `json:"scaler"`
	Forest    *forestState `json:"forest,omitempty"`
	Threshold float64      `json:"threshold,omitempty"`
	Features  []string     `json:"features"`
}

func writeModelFile(path string, mf modelFile) error {
	mf.Version = 1
	mf.Features = model.FeatureNames[:]
	data, err := json.Marshal(mf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readModelFile(path, wantType string) (modelFile, error) {
	var mf modelFile
	data, err := os.ReadFile(path)
	if err != nil {
		return mf, err
	}
	if err := json.Unmarshal(data, &mf); err != nil {
		return mf, fmt.Errorf("decode model %s: %w", path, err)
	}
	if mf.Type != wantType {
		return mf, fmt.Errorf("model %s has type %q, want %q", path, mf.Type, wantType)
	}
	if len(mf.Features) != model.FeatureCount {
		return mf, fmt.Errorf("model %s was trained on %d features, want %d", path, len(mf.Features), model.FeatureCount)
	}
	for i, name := range mf.Features {
		if name != model.FeatureNames[i] {
			return mf, fmt.Errorf("model %s feature order mismatch at %d (%s)", path, i, name)
		}
	}
	return mf, nil
}
