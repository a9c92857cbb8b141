package geom

import "fmt"

// Transform is a buffer transform code. The numbering matches the
// compositor HAL: bit 0 reflects horizontally, bit 1 vertically and bit 2
// rotates 90 degrees clockwise after the reflections.
type Transform uint8

const (
	TransformIdentity Transform = 0
	TransformReflectX Transform = 1
	TransformReflectY Transform = 2
	Transform180      Transform = 3
	Transform90       Transform = 4
	Transform135      Transform = 5 // 90 after reflect-X
	Transform45       Transform = 6 // 90 after reflect-Y
	Transform270      Transform = 7
)

// NumTransforms is the size of the transform group.
const NumTransforms = 8

var transformNames = [NumTransforms]string{
	"identity", "reflect-x", "reflect-y", "180", "90", "135", "45", "270",
}

func (t Transform) String() string {
	if int(t) < NumTransforms {
		return transformNames[t]
	}
	return fmt.Sprintf("transform(%d)", uint8(t))
}

// Valid reports whether t is one of the eight transforms.
func (t Transform) Valid() bool { return t < NumTransforms }

// Swaps reports whether the transform exchanges width and height.
func (t Transform) Swaps() bool { return t&Transform90 != 0 }

// ParseTransform accepts either the numeric code or the name.
func ParseTransform(s string) (Transform, error) {
	for i, n := range transformNames {
		if n == s {
			return Transform(i), nil
		}
	}
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err == nil && v >= 0 && v < NumTransforms {
		return Transform(v), nil
	}
	return 0, fmt.Errorf("unknown transform %q", s)
}

// Mat2 is an integer 2x2 matrix acting on column vectors in screen
// coordinates (y grows downwards).
type Mat2 [2][2]int

// Mul returns m*o.
func (m Mat2) Mul(o Mat2) Mat2 {
	var out Mat2
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			out[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j]
		}
	}
	return out
}

// Apply maps the vector (x, y).
func (m Mat2) Apply(x, y int) (int, int) {
	return m[0][0]*x + m[0][1]*y, m[1][0]*x + m[1][1]*y
}

// Transpose returns the transpose, which is also the inverse for every
// member of the transform group.
func (m Mat2) Transpose() Mat2 {
	return Mat2{{m[0][0], m[1][0]}, {m[0][1], m[1][1]}}
}

var transformMats = [NumTransforms]Mat2{
	{{1, 0}, {0, 1}},   // identity
	{{-1, 0}, {0, 1}},  // reflect-x
	{{1, 0}, {0, -1}},  // reflect-y
	{{-1, 0}, {0, -1}}, // 180
	{{0, -1}, {1, 0}},  // 90
	{{0, -1}, {-1, 0}}, // 135
	{{0, 1}, {1, 0}},   // 45
	{{0, 1}, {-1, 0}},  // 270
}

// Matrix returns the matrix form of the transform.
func (t Transform) Matrix() Mat2 {
	return transformMats[t&7]
}

// TransformFromMatrix finds the transform with matrix m.
func TransformFromMatrix(m Mat2) (Transform, bool) {
	for i, tm := range transformMats {
		if tm == m {
			return Transform(i), true
		}
	}
	return 0, false
}
