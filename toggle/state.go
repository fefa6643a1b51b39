package toggle

import (
	"fmt"
	"strings"
)

// State 可交互物体的两态
type State uint8

const (
	Inactive State = iota
	Active
)

// Next 纯切换：只接受"切换"意图，从不信任客户端给出的目标状态
func (s State) Next() State {
	if s == Active {
		return Inactive
	}
	return Active
}

// Kind 物体类型，决定两态的语义名称与对应能力
type Kind string

const (
	KindFix    Kind = "fix"
	KindFreeze Kind = "freeze"
)

var labels = map[Kind][2]string{
	KindFix:    {"Break", "Fixing"},
	KindFreeze: {"Normal", "Freezing"},
}

func (k Kind) Valid() bool {
	_, ok := labels[k]
	return ok
}

// Label 返回该类型下状态的语义名（Break/Fixing、Normal/Freezing）
func (k Kind) Label(s State) string {
	l, ok := labels[k]
	if !ok || s > Active {
		return fmt.Sprintf("%s(%d)", k, s)
	}
	return l[s]
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown object kind %q", s)
	}
	return k, nil
}

const cellPrefix = "object/"

// StateCell / KindCell 物体在 Registry 中的 Cell 名
func StateCell(id string) string { return cellPrefix + id + "/state" }
func KindCell(id string) string  { return cellPrefix + id + "/kind" }

// ObjectIDFromCell 从 Cell 名反解物体 id
func ObjectIDFromCell(name string) (string, bool) {
	if !strings.HasPrefix(name, cellPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, cellPrefix)
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
