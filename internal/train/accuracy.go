package train

import (
	"fmt"
	"math"
)

// TopKAccuracy returns, for each k in ks, the percentage of rows whose true
// label is among the k highest logits. logits is row-major [len(labels), classes].
//
// Classes are ranked by descending logit with ties broken by lower index, so
// exactly k classes are predicted per row. A NaN logit ranks above every
// number, and a row whose label logit is NaN is a miss. k is clamped to
// [1, classes].
func TopKAccuracy(logits []float32, classes int, labels []int32, ks ...int) ([]float64, error) {
	rows := len(labels)
	if classes <= 0 || len(logits) != rows*classes {
		return nil, fmt.Errorf("logits length %d does not match %d rows x %d classes", len(logits), rows, classes)
	}

	hits := make([]int, len(ks))
	for r, label := range labels {
		if int(label) < 0 || int(label) >= classes {
			return nil, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}
		row := logits[r*classes : (r+1)*classes]
		target := row[label]
		if math.IsNaN(float64(target)) {
			continue
		}

		rank := 0
		for j, v := range row {
			if v > target || (v == target && j < int(label)) || math.IsNaN(float64(v)) {
				rank++
			}
		}
		for i, k := range ks {
			if rank < min(max(k, 1), classes) {
				hits[i]++
			}
		}
	}

	acc := make([]float64, len(ks))
	if rows == 0 {
		return acc, nil
	}
	for i, h := range hits {
		acc[i] = 100 * float64(h) / float64(rows)
	}
	return acc, nil
}
