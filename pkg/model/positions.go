package model

// MakePositions maps padded id sequences to 1-based positions.
//
// For each row the result is cumsum(id != paddingIdx) * (id != paddingIdx) +
// paddingIdx: padding positions map to paddingIdx and the first real token to
// paddingIdx+1. Counting does not restart after an interior pad, since
// sequences are padded on one side only.
func MakePositions(seq [][]int, paddingIdx int) [][]int {
	out := make([][]int, len(seq))
	for b, row := range seq {
		pos := make([]int, len(row))
		count := 0
		for s, id := range row {
			if id == paddingIdx {
				pos[s] = paddingIdx
				continue
			}
			count++
			pos[s] = count + paddingIdx
		}
		out[b] = pos
	}
	return out
}
