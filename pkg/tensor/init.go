package tensor

// NormalInit fills t with values from N(0, std^2).
func NormalInit(t *Tensor, std float64) {
	for i := range t.Data {
		t.Data[i] = NormFloat64() * std
	}
}

// UniformInit fills t with values from U[-limit, limit].
func UniformInit(t *Tensor, limit float64) {
	for i := range t.Data {
		t.Data[i] = Float64()*2*limit - limit
	}
}
