package data

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nlpodyssey/gopickle/pytorch"

	"sakt/pkg/tensor"
)

// LoadTagTable reads a pretrained (rows, dim) tag embedding.
//
// Files ending in .json hold an array of rows. Anything else is read as a
// torch.save archive containing either the tensor itself or a state dict
// with a "weight" entry.
func LoadTagTable(path string) (*tensor.Tensor, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return loadJSONTable(path)
	}
	return loadTorchTable(path)
}

func loadJSONTable(path string) (*tensor.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag table: %w", err)
	}
	var rows [][]float64
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode tag table %s: %w", path, err)
	}
	return TableFromRows(rows)
}

// TableFromRows builds a 2D tensor from equally sized rows.
func TableFromRows(rows [][]float64) (*tensor.Tensor, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: tag table is empty", ErrShape)
	}
	dim := len(rows[0])
	data := make([]float64, 0, len(rows)*dim)
	for i, r := range rows {
		if len(r) != dim {
			return nil, fmt.Errorf("%w: tag table row %d has %d values, expected %d", ErrShape, i, len(r), dim)
		}
		data = append(data, r...)
	}
	return tensor.FromSlice(data, []int{len(rows), dim})
}

// getter matches the pickle dictionary types.
type getter interface {
	Get(key interface{}) (interface{}, bool)
}

func loadTorchTable(path string) (*tensor.Tensor, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load torch archive %s: %w", path, err)
	}
	if dict, ok := obj.(getter); ok {
		w, found := dict.Get("weight")
		if !found {
			return nil, fmt.Errorf("torch archive %s has no \"weight\" entry", path)
		}
		obj = w
	}
	pt, ok := obj.(*pytorch.Tensor)
	if !ok {
		return nil, fmt.Errorf("torch archive %s holds %T, expected a tensor", path, obj)
	}
	return fromTorch(pt)
}

func fromTorch(pt *pytorch.Tensor) (*tensor.Tensor, error) {
	if len(pt.Size) != 2 {
		return nil, fmt.Errorf("%w: tag table must be 2D, got size %v", ErrShape, pt.Size)
	}
	rows, cols := pt.Size[0], pt.Size[1]
	stride := pt.Stride
	if len(stride) != 2 {
		stride = []int{cols, 1}
	}

	var at func(i int) float64
	var n int
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		at, n = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.DoubleStorage:
		at, n = func(i int) float64 { return s.Data[i] }, len(s.Data)
	case *pytorch.HalfStorage:
		at, n = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	case *pytorch.BFloat16Storage:
		at, n = func(i int) float64 { return float64(s.Data[i]) }, len(s.Data)
	default:
		return nil, fmt.Errorf("unsupported tensor storage %T", pt.Source)
	}

	out := tensor.NewTensor([]int{rows, cols})
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := pt.StorageOffset + r*stride[0] + c*stride[1]
			if i < 0 || i >= n {
				return nil, fmt.Errorf("tensor storage index %d out of range %d", i, n)
			}
			out.Data[r*cols+c] = at(i)
		}
	}
	return out, nil
}

// RandomTagTable returns a (tagsNum+1, dim) table drawn from N(0, 1), for
// runs without a pretrained embedding.
func RandomTagTable(tagsNum, dim int) *tensor.Tensor {
	t := tensor.NewTensor([]int{tagsNum + 1, dim})
	tensor.NormalInit(t, 1)
	return t
}
