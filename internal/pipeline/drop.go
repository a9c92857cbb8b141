package pipeline

// DropRule decides which frames are skipped to shorten long runs.
type DropRule interface {
	Drop(seq int64) bool
}

// DropFunc adapts a function to DropRule.
type DropFunc func(seq int64) bool

// Drop implements DropRule.
func (f DropFunc) Drop(seq int64) bool { return f(seq) }

// DropNone submits every frame.
var DropNone DropRule = DropFunc(func(int64) bool { return false })

// DropEveryN drops every n-th frame. n < 2 drops nothing.
func DropEveryN(n int) DropRule {
	if n < 2 {
		return DropNone
	}
	return DropFunc(func(seq int64) bool { return seq%int64(n) == 0 })
}

// KeepEveryN submits only every n-th frame. n < 2 drops nothing.
func KeepEveryN(n int) DropRule {
	if n < 2 {
		return DropNone
	}
	return DropFunc(func(seq int64) bool { return seq%int64(n) != 0 })
}
