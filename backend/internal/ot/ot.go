package ot

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	// 预留：复合操作才会用到 retain，Insert/Delete 核心不依赖它
	KindRetain Kind = "retain"
)

// Operation 描述一次原子编辑。
// Position 是操作作者看到的文档视图中的偏移（按 rune 计数）。
// Insert 的 Length 永远由 Value 推导，不信任客户端传来的值。
type Operation struct {
	Kind     Kind   `json:"type"`
	Position int    `json:"position"`
	Value    string `json:"value,omitempty"`
	Length   int    `json:"length,omitempty"`
}

func NewInsert(pos int, value string) Operation {
	return Operation{Kind: KindInsert, Position: pos, Value: value, Length: len([]rune(value))}
}

func NewDelete(pos, length int) Operation {
	return Operation{Kind: KindDelete, Position: pos, Length: length}
}

// InsertLen 返回插入文本的 rune 长度（非 Insert 返回 0）。
func (op Operation) InsertLen() int {
	if op.Kind != KindInsert {
		return 0
	}
	return len([]rune(op.Value))
}

// IsNoop：长度为 0 的 Delete 是合法的空操作（两个相同范围的并发删除会转换出它）。
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case KindDelete:
		return op.Length == 0
	case KindInsert:
		return op.Value == ""
	}
	return true
}

// Apply 把 op 应用到 doc 上，返回新文档。
// 纯函数，不校验边界：越界属于调用方的契约违规，Room Manager 必须先做检查。
func Apply(doc string, op Operation) string {
	switch op.Kind {
	case KindInsert:
		r := []rune(doc)
		return string(r[:op.Position]) + op.Value + string(r[op.Position:])
	case KindDelete:
		r := []rune(doc)
		return string(r[:op.Position]) + string(r[op.Position+op.Length:])
	}
	// retain：对 Apply 是空操作
	return doc
}

// Transform 处理两个基于同一文档状态的并发操作，返回 (a', b')：
// 先应用 b 再应用 a'，与先应用 a 再应用 b'，必须得到相同的文档（TP1）。
// 位置相同的两个 Insert 按到达顺序定序：认为 a 先到，b 右移（服务端到达顺序，
// 而不是客户端随机选择，否则无法保证所有端收敛）。
func Transform(a, b Operation) (Operation, Operation) {
	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		return transformInsertInsert(a, b)
	case a.Kind == KindInsert && b.Kind == KindDelete:
		ap, bp := transformInsertDelete(a, b)
		return ap, bp
	case a.Kind == KindDelete && b.Kind == KindInsert:
		bp, ap := transformInsertDelete(b, a)
		return ap, bp
	case a.Kind == KindDelete && b.Kind == KindDelete:
		return transformDeleteDelete(a, b)
	}
	// retain 参与的组合都不改变对方
	return a, b
}

func transformInsertInsert(a, b Operation) (Operation, Operation) {
	switch {
	case a.Position < b.Position:
		b.Position += a.InsertLen()
	case a.Position > b.Position:
		a.Position += b.InsertLen()
	default:
		// 并列位置：a 视为先到，保持不动，b 右移
		b.Position += a.InsertLen()
	}
	return a, b
}

// transformInsertDelete：ins 与 del 并发。
// ins 落在 del 范围内部时，把插入点钉在 del 的起点（插入的文本存活在被删区间的开头）；
// 另一侧的 del 要把长度加上插入长度，使转换后的范围仍然覆盖删除者当初看到的那段文本。
func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	insLen := ins.InsertLen()
	switch {
	case ins.Position <= del.Position:
		del.Position += insLen
	case ins.Position >= del.Position+del.Length:
		ins.Position -= del.Length
	default:
		ins.Position = del.Position
		del.Length += insLen
	}
	return ins, del
}

// transformDeleteDelete：两个并发删除。
// 每一侧只保留对方尚未删掉的那部分：起点左移对方在它之前删掉的长度，
// 长度减去两个区间的交集。范围完全相同时双方都退化成零长度空操作。
func transformDeleteDelete(a, b Operation) (Operation, Operation) {
	overlap := intersect(a.Position, a.Length, b.Position, b.Length)

	na := a
	nb := b
	// a 之前被 b 删掉了多少
	na.Position = a.Position - clamp(a.Position-b.Position, 0, b.Length)
	na.Length = a.Length - overlap
	nb.Position = b.Position - clamp(b.Position-a.Position, 0, a.Length)
	nb.Length = b.Length - overlap
	return na, nb
}

func intersect(p1, l1, p2, l2 int) int {
	lo := max(p1, p2)
	hi := min(p1+l1, p2+l2)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TransformAgainstHistory 把一个基于旧版本的操作依次变换到 history 之后。
// history 中的操作是服务端已应用的事实，只取每一步的 op' 一侧，历史本身不变。
func TransformAgainstHistory(op Operation, history []Operation) Operation {
	for _, applied := range history {
		_, op = Transform(applied, op)
	}
	return op
}
