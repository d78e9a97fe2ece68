package rs

import "errors"

// errSingular is returned by invert when a matrix has no GF(2^8) inverse.
// Per spec §4.3 this "cannot happen if matrix construction is correct;
// treat as bug" — callers surface it as FecError::Singular.
var errSingular = errors.New("rs: singular matrix")

// matrix is a dense row-major matrix over GF(2^8).
type matrix [][]byte

func newMatrix(rows, cols int) matrix {
	m := make(matrix, rows)
	for i := range m {
		m[i] = make([]byte, cols)
	}
	return m
}

func identityMatrix(n int) matrix {
	m := newMatrix(n, n)
	for i := 0; i < n; i++ {
		m[i][i] = 1
	}
	return m
}

// vandermonde builds the (rows x cols) Vandermonde matrix used as the RS
// generator before systematic transformation: entry[i][j] = x_i^j, with
// x_i = i+1 so every row uses a distinct nonzero field element.
func vandermonde(rows, cols int) matrix {
	m := newMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		x := byte(i + 1)
		for j := 0; j < cols; j++ {
			m[i][j] = gfPow(x, j)
		}
	}
	return m
}

// multiply computes a*b over GF(2^8).
func (a matrix) multiply(b matrix) matrix {
	rows := len(a)
	inner := len(b)
	cols := len(b[0])
	out := newMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		for k := 0; k < inner; k++ {
			if a[i][k] == 0 {
				continue
			}
			av := a[i][k]
			for j := 0; j < cols; j++ {
				out[i][j] = gfAdd(out[i][j], gfMul(av, b[k][j]))
			}
		}
	}
	return out
}

// submatrix returns the rows of a at the given indices as a new matrix.
func (a matrix) submatrix(rowIdx []int) matrix {
	out := make(matrix, len(rowIdx))
	for i, r := range rowIdx {
		out[i] = a[r]
	}
	return out
}

// invert computes the GF(2^8) inverse of a square matrix by Gauss-Jordan
// elimination with augmented identity, returning errSingular if a is not
// invertible.
func (a matrix) invert() (matrix, error) {
	n := len(a)

	work := newMatrix(n, n)
	for i := range work {
		copy(work[i], a[i])
	}
	result := identityMatrix(n)

	for col := 0; col < n; col++ {
		if work[col][col] == 0 {
			swapped := false
			for row := col + 1; row < n; row++ {
				if work[row][col] != 0 {
					work[col], work[row] = work[row], work[col]
					result[col], result[row] = result[row], result[col]
					swapped = true
					break
				}
			}
			if !swapped {
				return nil, errSingular
			}
		}

		pivotInv := gfInv(work[col][col])
		for j := 0; j < n; j++ {
			work[col][j] = gfMul(work[col][j], pivotInv)
			result[col][j] = gfMul(result[col][j], pivotInv)
		}

		for row := 0; row < n; row++ {
			if row == col || work[row][col] == 0 {
				continue
			}
			factor := work[row][col]
			for j := 0; j < n; j++ {
				work[row][j] = gfAdd(work[row][j], gfMul(factor, work[col][j]))
				result[row][j] = gfAdd(result[row][j], gfMul(factor, result[col][j]))
			}
		}
	}

	return result, nil
}
