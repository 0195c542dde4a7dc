package session

import (
	"sort"

	"relmap/data/orm"
)

// dependency 表示 on 必须先于持有外键的一方写入；desc 是承载外键的拥有方描述。
type dependency struct {
	on   *Entity
	desc *orm.AssociationDescriptor
}

// nullable 外键列可以先写 NULL 再补写。
func (d dependency) nullable() bool {
	return d.desc != nil && d.desc.Nullable
}

// dependencies 计算写入前置关系：deps[e] 中的实体必须先于 e 写入。
//   - e 的拥有方单值槽位（外键在 e 上）指向的目标先写；未加载的槽位按行上的外键
//     在身份映射中查找目标；
//   - 拥有方一对多（外键在目标表）的所有者先于成员写。
//
// 多对多只产生中间表行，不构成依赖。
func (u *UnitOfWork) dependencies(nodes []*Entity) map[*Entity][]dependency {
	deps := make(map[*Entity][]dependency)
	for _, e := range nodes {
		for _, s := range e.slots {
			if s.desc == nil {
				continue
			}
			switch {
			case s.desc.FKOnOwner() && s.loaded:
				for _, m := range s.members {
					deps[e] = append(deps[e], dependency{on: m, desc: s.desc})
				}
			case s.desc.FKOnOwner() && s.hasFK:
				if target, ok := u.identity.Lookup(s.desc.TargetType, s.fk); ok {
					deps[e] = append(deps[e], dependency{on: target, desc: s.desc})
				}
			case s.desc.FKOnTarget() && s.loaded:
				for _, m := range s.members {
					deps[m] = append(deps[m], dependency{on: e, desc: s.desc})
				}
			}
		}
	}
	return deps
}

// orderByDependency 稳定拓扑排序（Kahn），同层保持 nodes 的原始顺序。
//
// 存在环时取出第一个剩余依赖全部可空的节点，cyclic 返回 true，调用方对这些外键
// 先写 NULL 再补写。环上没有可空外键时按原始顺序取出剩余节点，safe 返回 false。
func orderByDependency(nodes []*Entity, deps map[*Entity][]dependency) (ordered []*Entity, cyclic, safe bool) {
	n := len(nodes)
	index := make(map[*Entity]int, n)
	for i, e := range nodes {
		index[e] = i
	}

	type edge struct {
		to       int
		nullable bool
	}
	indegree := make([]int, n)
	strict := make([]int, n) // 不可空的未满足依赖数
	next := make([][]edge, n)
	for i, e := range nodes {
		for _, dep := range deps[e] {
			j, ok := index[dep.on]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			if !dep.nullable() {
				strict[i]++
			}
			next[j] = append(next[j], edge{to: i, nullable: dep.nullable()})
		}
	}

	done := make([]bool, n)
	safe = true
	ordered = make([]*Entity, 0, n)
	for len(ordered) < n {
		pick := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				pick = i
				break
			}
		}
		if pick < 0 {
			cyclic = true
			for i := 0; i < n; i++ {
				if !done[i] && strict[i] == 0 {
					pick = i
					break
				}
			}
		}
		if pick < 0 {
			safe = false
			for i := 0; i < n; i++ {
				if !done[i] {
					pick = i
					break
				}
			}
		}
		done[pick] = true
		ordered = append(ordered, nodes[pick])
		for _, k := range next[pick] {
			indegree[k.to]--
			if !k.nullable {
				strict[k.to]--
			}
		}
	}
	return ordered, cyclic, safe
}

func reverse(list []*Entity) {
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}

func sortBySeq(list []*Entity, seq map[*Entity]int) {
	sort.SliceStable(list, func(i, j int) bool {
		return seq[list[i]] < seq[list[j]]
	})
}
