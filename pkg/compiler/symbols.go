package compiler

import "strings"

// SymbolKind classifies a declared name.
type SymbolKind int

const (
	SymVariable SymbolKind = iota
	SymConstant
	SymLabel
	SymAlias
	SymDevice
	SymArray
	SymSub
	SymFunction
)

func (k SymbolKind) String() string {
	switch k {
	case SymVariable:
		return "variable"
	case SymConstant:
		return "constant"
	case SymLabel:
		return "label"
	case SymAlias:
		return "alias"
	case SymDevice:
		return "device"
	case SymArray:
		return "array"
	case SymSub:
		return "sub"
	case SymFunction:
		return "function"
	}
	return "symbol"
}

// Symbol is one declared name. Which fields are meaningful depends on Kind.
type Symbol struct {
	Name   string
	Kind   SymbolKind
	Line   int
	Column int

	Register int      // SymVariable: allocated register
	Value    float64  // SymConstant: folded value
	Pin      int      // SymAlias: 0..5, -1 for the housing
	Prefab   string   // SymDevice
	Hash     int32    // SymDevice: prefab hash
	Base     int      // SymArray: first stack address
	Size     int      // SymArray
	Params   []string // SymFunction
}

// SymbolTable resolves names case-insensitively, matching the language.
type SymbolTable struct {
	byName map[string]*Symbol
	order  []*Symbol
}

func newSymbolTable() *SymbolTable {
	return &SymbolTable{byName: make(map[string]*Symbol)}
}

// Lookup finds a symbol by name, ignoring case.
func (st *SymbolTable) Lookup(name string) *Symbol {
	return st.byName[strings.ToLower(name)]
}

// Declare inserts a symbol. It reports false when the name is taken.
func (st *SymbolTable) Declare(s *Symbol) bool {
	key := strings.ToLower(s.Name)
	if _, exists := st.byName[key]; exists {
		return false
	}
	st.byName[key] = s
	st.order = append(st.order, s)
	return true
}

// All returns symbols in declaration order.
func (st *SymbolTable) All() []*Symbol {
	return st.order
}
