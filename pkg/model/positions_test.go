package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMakePositions(t *testing.T) {
	testCases := []struct {
		name       string
		seq        [][]int
		paddingIdx int
		want       [][]int
	}{
		{
			name: "no_padding",
			seq:  [][]int{{4, 7, 1, 3, 9}},
			want: [][]int{{1, 2, 3, 4, 5}},
		},
		{
			name: "pad_suffix",
			seq:  [][]int{{4, 7, 1, 0, 0}},
			want: [][]int{{1, 2, 3, 0, 0}},
		},
		{
			name: "pad_prefix",
			seq:  [][]int{{0, 0, 5, 2, 8}},
			want: [][]int{{0, 0, 1, 2, 3}},
		},
		{
			name: "all_padding",
			seq:  [][]int{{0, 0, 0}},
			want: [][]int{{0, 0, 0}},
		},
		{
			name:       "nonzero_padding_idx",
			seq:        [][]int{{3, 3, 1, 1}},
			paddingIdx: 1,
			want:       [][]int{{2, 3, 1, 1}},
		},
		{
			name: "batch",
			seq:  [][]int{{1, 2, 0}, {3, 0, 0}},
			want: [][]int{{1, 2, 0}, {1, 0, 0}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := MakePositions(tc.seq, tc.paddingIdx)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("MakePositions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestMakePositions_PadFree checks the 1..L property across lengths.
func TestMakePositions_PadFree(t *testing.T) {
	for _, l := range []int{1, 5, 179} {
		row := make([]int, l)
		want := make([]int, l)
		for i := range row {
			row[i] = i%9 + 1
			want[i] = i + 1
		}
		got := MakePositions([][]int{row}, 0)
		if diff := cmp.Diff([][]int{want}, got); diff != "" {
			t.Errorf("length %d mismatch (-want +got):\n%s", l, diff)
		}
	}
}
