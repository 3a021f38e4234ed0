package supervisor

import "fmt"

// ViolationKind 计数器连续性被破坏的方式
type ViolationKind string

const (
	Repeat     ViolationKind = "repeat"     // 同一个值出现两次 (重复计数)
	Regression ViolationKind = "regression" // 回退 (被重置)
	Skip       ViolationKind = "skip"       // 跳过了某一步
	Moved      ViolationKind = "moved"      // 冻结期间仍在前进
)

type Violation struct {
	Kind ViolationKind
	Prev int64
	Got  int64
}

func (v Violation) Error() string {
	return fmt.Sprintf("step counter %s: %d -> %d", v.Kind, v.Prev, v.Got)
}

// Verifier 检查观察到的计数器序列是否每次恰好 +1
//
// 轮询型存储 (SQL, DynamoDB) 可能把几次更新合并成一次，
// 这时用 AllowCoalesce 放过跳跃，只检查重复和回退。
type Verifier struct {
	AllowCoalesce bool

	seen       bool
	last       int64
	observed   int
	violations []Violation
}

// Observe 记录一个新的计数器值；违反连续性时返回对应的 Violation
func (v *Verifier) Observe(counter int64) error {
	defer func() {
		v.seen = true
		v.last = counter
		v.observed++
	}()
	if !v.seen {
		return nil
	}

	var kind ViolationKind
	switch {
	case counter == v.last:
		kind = Repeat
	case counter < v.last:
		kind = Regression
	case counter > v.last+1 && !v.AllowCoalesce:
		kind = Skip
	default:
		return nil
	}

	viol := Violation{Kind: kind, Prev: v.last, Got: counter}
	v.violations = append(v.violations, viol)
	return viol
}

func (v *Verifier) Last() (int64, bool) {
	return v.last, v.seen
}

func (v *Verifier) Observed() int {
	return v.observed
}

func (v *Verifier) Violations() []Violation {
	return append([]Violation(nil), v.violations...)
}
