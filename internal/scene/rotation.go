package scene

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// smallAngle is the rotation-vector norm below which the linearised rotation is used.
const smallAngle = 1e-5

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// skew returns the cross-product matrix [v]x, so that skew(v)*w == v x w.
func skew(v r3.Vec) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

func toVec(m *mat.VecDense) r3.Vec {
	return r3.Vec{X: m.AtVec(0), Y: m.AtVec(1), Z: m.AtVec(2)}
}

// RotationMatrix returns the Rodrigues matrix of the rotation vector rv.
func RotationMatrix(rv r3.Vec) *mat.Dense {
	R := eye3()
	theta := r3.Norm(rv)
	if theta <= smallAngle {
		R.Add(R, skew(rv))
		return R
	}
	K := skew(r3.Scale(1/theta, rv))
	var K2 mat.Dense
	K2.Mul(K, K)
	K2.Scale(1-math.Cos(theta), &K2)
	K.Scale(math.Sin(theta), K)
	R.Add(R, K)
	R.Add(R, &K2)
	return R
}

// Rotate applies the rotation vector rv to v.
func Rotate(rv, v r3.Vec) r3.Vec {
	var out mat.VecDense
	out.MulVec(RotationMatrix(rv), mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return toVec(&out)
}

// RotationJacobian returns d(R(rv)*v)/d(rv) as a 3x3 matrix, with rows
// indexing the components of the rotated vector.
func RotationJacobian(rv, v r3.Vec) *mat.Dense {
	theta := r3.Norm(rv)
	if theta <= smallAngle {
		J := skew(v)
		J.Scale(-1, J)
		return J
	}
	R := RotationMatrix(rv)
	r := mat.NewDense(3, 1, []float64{rv.X, rv.Y, rv.Z})

	var rrT, rtMinusI, m mat.Dense
	rrT.Mul(r, r.T())
	rtMinusI.Sub(R.T(), eye3())
	m.Mul(&rtMinusI, skew(rv))
	m.Add(&rrT, &m)

	var rv3, J mat.Dense
	rv3.Mul(R, skew(v))
	J.Mul(&rv3, &m)
	J.Scale(-1/(theta*theta), &J)
	return &J
}

// WrapRotation keeps the rotation angle in (-1.5pi, 1.5pi] by subtracting a
// full turn along the axis.
func WrapRotation(rv r3.Vec) r3.Vec {
	n := r3.Norm(rv)
	if n > 1.5*math.Pi {
		return r3.Sub(rv, r3.Scale(2*math.Pi/n, rv))
	}
	return rv
}
