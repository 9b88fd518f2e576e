package objective

import "github.com/james-bowman/sparse"

// MassMatrix assembles the consistent mass matrix of a triangle mesh, each
// triangle scaled by the mean weight of its vertices. Every triangle adds
// area/6 on the diagonal and area/12 off it; shared vertices are summed on
// conversion to CSR.
func MassMatrix(vertices [][3]float64, tris [][3]int, weights []float64) *sparse.CSR {
	n := 9 * len(tris)
	rows, cols, vals := make([]int, 0, n), make([]int, 0, n), make([]float64, 0, n)
	for _, t := range tris {
		wAvg := (weights[t[0]] + weights[t[1]] + weights[t[2]]) / 3
		ar := wAvg * triangleArea(vertices, t)
		for _, i := range t {
			for _, j := range t {
				v := ar / 12
				if i == j {
					v = ar / 6
				}
				rows = append(rows, i)
				cols = append(cols, j)
				vals = append(vals, v)
			}
		}
	}
	nv := len(vertices)
	return sparse.NewCOO(nv, nv, rows, cols, vals).ToCSR()
}
