package anomaly

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/Hara602/ransomSentry/internal/model"
)

const eulerGamma = 0.5772156649015329

// node 扁平化存储，Left < 0 表示叶子
type node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
}

type forestState struct {
	Trees  [][]node `json:"trees"`
	Psi    int      `json:"psi"`
	Offset float64  `json:"offset"`
}

// IsolationForest 孤立森林，决策分数 = score - offset，负数为异常
type IsolationForest struct {
	mu     sync.RWMutex
	params Params
	scaler Scaler
	state  *forestState
}

func NewIsolationForest(p Params) *IsolationForest {
	d := DefaultParams()
	if p.Trees <= 0 {
		p.Trees = d.Trees
	}
	if p.SampleSize <= 1 {
		p.SampleSize = d.SampleSize
	}
	if p.Contamination <= 0 || p.Contamination > 0.5 {
		p.Contamination = d.Contamination
	}
	return &IsolationForest{params: p}
}

func (f *IsolationForest) Trained() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state != nil
}

func (f *IsolationForest) Train(samples []model.FeatureVector) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	scaler := fitScaler(samples)
	data := make([]model.FeatureVector, len(samples))
	for i, v := range samples {
		data[i] = scaler.Transform(v)
	}

	psi := min(f.params.SampleSize, len(data))
	limit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))
	rng := rand.New(rand.NewSource(f.params.Seed))

	st := &forestState{Psi: psi, Trees: make([][]node, f.params.Trees)}
	for t := range st.Trees {
		perm := rng.Perm(len(data))[:psi]
		sub := make([]model.FeatureVector, psi)
		for i, idx := range perm {
			sub[i] = data[idx]
		}
		var tree []node
		buildTree(&tree, sub, 0, limit, rng)
		st.Trees[t] = tree
	}

	// offset 取训练集分数在 contamination 处的分位数
	scores := make([]float64, len(data))
	for i, v := range data {
		scores[i] = st.rawScore(v)
	}
	st.Offset = percentile(scores, f.params.Contamination*100)

	f.mu.Lock()
	f.scaler = scaler
	f.state = st
	f.mu.Unlock()
	return nil
}

func buildTree(tree *[]node, data []model.FeatureVector, depth, limit int, rng *rand.Rand) int {
	idx := len(*tree)
	*tree = append(*tree, node{Left: -1, Right: -1, Size: len(data)})
	if depth >= limit || len(data) <= 1 {
		return idx
	}

	// 只在非常量特征上切分
	var candidates []int
	var lo, hi [model.FeatureCount]float64
	for i := 0; i < model.FeatureCount; i++ {
		lo[i], hi[i] = data[0][i], data[0][i]
		for _, v := range data[1:] {
			lo[i] = math.Min(lo[i], v[i])
			hi[i] = math.Max(hi[i], v[i])
		}
		if hi[i] > lo[i] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return idx
	}
	feat := candidates[rng.Intn(len(candidates))]
	split := lo[feat] + rng.Float64()*(hi[feat]-lo[feat])

	var left, right []model.FeatureVector
	for _, v := range data {
		if v[feat] < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	l := buildTree(tree, left, depth+1, limit, rng)
	r := buildTree(tree, right, depth+1, limit, rng)
	(*tree)[idx].Feature = feat
	(*tree)[idx].Split = split
	(*tree)[idx].Left = l
	(*tree)[idx].Right = r
	return idx
}

func pathLength(tree []node, v model.FeatureVector) float64 {
	i, depth := 0, 0
	for tree[i].Left >= 0 {
		if v[tree[i].Feature] < tree[i].Split {
			i = tree[i].Left
		} else {
			i = tree[i].Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(tree[i].Size)
}

// averagePathLength 二叉搜索树中不成功查找的平均路径长度 c(n)
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// rawScore 取值 (-1, 0)，越接近 -1 越异常
func (st *forestState) rawScore(v model.FeatureVector) float64 {
	var sum float64
	for _, tree := range st.Trees {
		sum += pathLength(tree, v)
	}
	mean := sum / float64(len(st.Trees))
	c := averagePathLength(st.Psi)
	if c == 0 {
		return -0.5
	}
	return -math.Pow(2, -mean/c)
}

func (f *IsolationForest) Predict(v model.FeatureVector) (model.AnomalyScore, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.state == nil {
		return model.AnomalyScore{}, ErrModelNotTrained
	}
	score := f.state.rawScore(f.scaler.Transform(v)) - f.state.Offset
	label := model.LabelNormal
	if score < 0 {
		label = model.LabelAnomaly
	}
	return model.AnomalyScore{Label: label, Score: score}, nil
}

func (f *IsolationForest) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.state == nil {
		return ErrModelNotTrained
	}
	return writeModelFile(path, modelFile{Type: KindIsolationForest, Scaler: f.scaler, Forest: f.state})
}

func (f *IsolationForest) Load(path string) error {
	mf, err := readModelFile(path, KindIsolationForest)
	if err != nil {
		return err
	}
	if mf.Forest == nil || len(mf.Forest.Trees) == 0 {
		return fmt.Errorf("model %s has no trees", path)
	}
	for ti, tree := range mf.Forest.Trees {
		if err := checkTree(tree); err != nil {
			return fmt.Errorf("model %s tree %d: %w", path, ti, err)
		}
	}
	f.mu.Lock()
	f.scaler = mf.Scaler
	f.state = mf.Forest
	f.mu.Unlock()
	return nil
}

func checkTree(tree []node) error {
	if len(tree) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range tree {
		if n.Left < 0 {
			continue
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(tree) || n.Right >= len(tree) {
			return fmt.Errorf("node %d has invalid children", i)
		}
		if n.Feature < 0 || n.Feature >= model.FeatureCount {
			return fmt.Errorf("node %d has invalid feature %d", i, n.Feature)
		}
	}
	return nil
}

// percentile 线性插值，与 numpy 默认行为一致
func percentile(values []float64, p float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	if len(s) == 1 {
		return s[0]
	}
	rank := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}
