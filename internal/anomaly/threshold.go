package anomaly

import (
	"math"
	"sync"

	"github.com/Hara602/ransomSentry/internal/model"
)

// ThresholdScorer 多元 z-score 阈值：score = threshold - max|z|
type ThresholdScorer struct {
	mu        sync.RWMutex
	threshold float64
	scaler    *Scaler
}

func NewThresholdScorer(threshold float64) *ThresholdScorer {
	if threshold <= 0 {
		threshold = DefaultParams().ZThreshold
	}
	return &ThresholdScorer{threshold: threshold}
}

func (t *ThresholdScorer) Trained() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scaler != nil
}

func (t *ThresholdScorer) Train(samples []model.FeatureVector) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	s := fitScaler(samples)
	t.mu.Lock()
	t.scaler = &s
	t.mu.Unlock()
	return nil
}

func (t *ThresholdScorer) Predict(v model.FeatureVector) (model.AnomalyScore, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.scaler == nil {
		return model.AnomalyScore{}, ErrModelNotTrained
	}
	var worst float64
	for _, z := range t.scaler.Transform(v) {
		worst = math.Max(worst, math.Abs(z))
	}
	score := t.threshold - worst
	label := model.LabelNormal
	if score < 0 {
		label = model.LabelAnomaly
	}
	return model.AnomalyScore{Label: label, Score: score}, nil
}

func (t *ThresholdScorer) Save(path string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.scaler == nil {
		return ErrModelNotTrained
	}
	return writeModelFile(path, modelFile{Type: KindZScore, Scaler: *t.scaler, Threshold: t.threshold})
}

func (t *ThresholdScorer) Load(path string) error {
	mf, err := readModelFile(path, KindZScore)
	if err != nil {
		return err
	}
	s := mf.Scaler
	t.mu.Lock()
	t.scaler = &s
	if mf.Threshold > 0 {
		t.threshold = mf.Threshold
	}
	t.mu.Unlock()
	return nil
}
