package model

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/pcformer/internal/checkpoint"
	"github.com/samcharles93/pcformer/internal/config"
)

type initKind int

const (
	initKeep initKind = iota
	initNormal
)

type param struct {
	name  string
	shape []int
	data  []float64
	init  initKind
}

func matParam(name string, m *mat.Dense, init initKind) param {
	r, c := m.Dims()
	return param{name: name, shape: []int{r, c}, data: m.RawMatrix().Data, init: init}
}

func vecParam(name string, v []float64) param {
	return param{name: name, shape: []int{len(v)}, data: v, init: initKeep}
}

// params lists every learned tensor, backed by the model's own storage.
func (m *PCTransformer) params() []param {
	ps := []param{
		matParam("tok_emb.weight", m.tokEmb, initNormal),
		matParam("pos_emb.weight", m.posEmb, initNormal),
	}
	for _, b := range m.blocks {
		p := fmt.Sprintf("blocks.%d.", b.idx)
		ps = append(ps,
			vecParam(p+"ln1.weight", b.ln1G),
			vecParam(p+"ln1.bias", b.ln1B),
			matParam(p+"attn.q.weight", b.wq, initNormal),
			matParam(p+"attn.k.weight", b.wk, initNormal),
			matParam(p+"attn.v.weight", b.wv, initNormal),
			matParam(b.attnOut.Name+".weight", b.attnOut.W, initNormal),
			vecParam(b.attnOut.Name+".bias", b.attnOut.B),
			vecParam(p+"ln2.weight", b.ln2G),
			vecParam(p+"ln2.bias", b.ln2B),
			matParam(p+"mlp.fc.weight", b.fc, initNormal),
			vecParam(p+"mlp.fc.bias", b.fcB),
			matParam(b.mlpOut.Name+".weight", b.mlpOut.W, initNormal),
			vecParam(b.mlpOut.Name+".bias", b.mlpOut.B),
		)
	}
	ps = append(ps,
		vecParam("ln_f.weight", m.lnfG),
		vecParam("ln_f.bias", m.lnfB),
		matParam("head.weight", m.head, initNormal),
		vecParam("head.bias", m.headB),
	)
	return ps
}

// StateDict returns a copy of every parameter keyed by name.
func (m *PCTransformer) StateDict() map[string]checkpoint.Tensor {
	out := make(map[string]checkpoint.Tensor)
	for _, p := range m.params() {
		out[p.name] = checkpoint.Tensor{Shape: slices.Clone(p.shape), Data: slices.Clone(p.data)}
	}
	return out
}

// LoadReport lists the keys a non-strict load skipped.
type LoadReport struct {
	Missing    []string
	Unexpected []string
}

// LoadStateDict copies sd into the model. Non-strict loads leave missing
// parameters at their initial values and ignore unknown keys; a shape
// mismatch is always an error.
func (m *PCTransformer) LoadStateDict(sd map[string]checkpoint.Tensor, strict bool) (LoadReport, error) {
	var report LoadReport
	known := make(map[string]struct{})
	for _, p := range m.params() {
		known[p.name] = struct{}{}
		t, ok := sd[p.name]
		if !ok {
			report.Missing = append(report.Missing, p.name)
			continue
		}
		if !slices.Equal(t.Shape, p.shape) || len(t.Data) != len(p.data) {
			return report, fmt.Errorf("%s: %w: checkpoint %v, model %v", p.name, checkpoint.ErrShapeMismatch, t.Shape, p.shape)
		}
		copy(p.data, t.Data)
	}
	for name := range sd {
		if _, ok := known[name]; !ok {
			report.Unexpected = append(report.Unexpected, name)
		}
	}
	slices.Sort(report.Unexpected)
	if strict && (len(report.Missing) > 0 || len(report.Unexpected) > 0) {
		return report, fmt.Errorf("strict load: %d missing, %d unexpected keys", len(report.Missing), len(report.Unexpected))
	}
	return report, nil
}

// Save writes the model parameters to a safetensors checkpoint.
func (m *PCTransformer) Save(path string, metadata map[string]string) error {
	return checkpoint.Save(path, m.StateDict(), metadata)
}

// Load builds a model for cfg and loads path into it non-strictly.
func Load(path string, cfg config.Config, seed uint64) (*PCTransformer, LoadReport, error) {
	m, err := New(cfg, seed)
	if err != nil {
		return nil, LoadReport{}, err
	}
	sd, _, err := checkpoint.Load(path)
	if err != nil {
		return nil, LoadReport{}, err
	}
	report, err := m.LoadStateDict(sd, false)
	if err != nil {
		return nil, report, err
	}
	return m, report, nil
}
