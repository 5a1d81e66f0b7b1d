package tensor

// Mask is a 2D boolean attention mask. A true entry blocks attention from
// row position i to column position j.
type Mask struct {
	Rows int
	Cols int
	Data []bool
}

// NewMask creates an all-open mask of the given size.
func NewMask(rows, cols int) *Mask {
	return &Mask{Rows: rows, Cols: cols, Data: make([]bool, rows*cols)}
}

// Blocked reports whether position i may not attend to position j.
func (m *Mask) Blocked(i, j int) bool {
	return m.Data[i*m.Cols+j]
}

// Block marks (i, j) as blocked.
func (m *Mask) Block(i, j int) {
	m.Data[i*m.Cols+j] = true
}
