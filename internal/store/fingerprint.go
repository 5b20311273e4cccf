package store

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// SchemaKind classifies a resolved Schema node.
type SchemaKind int

const (
	KindPrimitive SchemaKind = iota
	KindUnit
	KindVec
	KindOption
	KindStruct
	KindOpaque // a nominal type with no known field list (treated as a leaf by name)
)

// FieldSchema is one named, typed member of a struct, in declaration order —
// order matters: the spec requires the fingerprint to change on reordering.
type FieldSchema struct {
	Name string
	Type *Schema
}

// Schema is the structural shape of a cell's return type, resolved
// recursively from its declared type name and (for struct types) its field
// list. Two schemas that differ in field name, field order, or field type
// anywhere in the tree must fingerprint differently.
type Schema struct {
	Kind   SchemaKind
	Name   string // primitive/opaque type name, or struct name
	Elem   *Schema
	Fields []FieldSchema
}

// StructDef is a struct's field list as recovered from notebook source.
type StructDef struct {
	Name   string
	Fields []FieldDecl
}

// FieldDecl is one struct field as written in source, in declaration order.
type FieldDecl struct {
	Name string
	Type string
}

var structDeclRe = regexp.MustCompile(`(?m)^\s*(?:pub\s+)?struct\s+(\w+)\s*\{`)

// ExtractStructDefs scans notebook source for struct declarations the way
// CellParser scans for cell markers: a hand-written scanner over surface
// syntax, not a full grammar, sufficient to recover field name/type pairs
// for schema fingerprinting.
func ExtractStructDefs(source string) map[string]StructDef {
	defs := make(map[string]StructDef)
	locs := structDeclRe.FindAllStringSubmatchIndex(source, -1)
	for _, loc := range locs {
		name := source[loc[2]:loc[3]]
		braceIdx := loc[1] - 1
		end := matchingBrace(source, braceIdx)
		if end < 0 {
			continue
		}
		body := source[braceIdx+1 : end]
		defs[name] = StructDef{Name: name, Fields: parseFieldDecls(body)}
	}
	return defs
}

func matchingBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseFieldDecls(body string) []FieldDecl {
	var fields []FieldDecl
	for _, part := range splitTopLevelComma(body) {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "pub ")
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		colon := strings.IndexByte(part, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(part[:colon])
		typ := normalizeTypeName(strings.TrimSpace(part[colon+1:]))
		fields = append(fields, FieldDecl{Name: name, Type: typ})
	}
	return fields
}

func splitTopLevelComma(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<', '(', '[':
			depth++
		case '>', ')', ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func normalizeTypeName(t string) string {
	return strings.Join(strings.Fields(t), " ")
}

// ResolveSchema builds the structural Schema for a declared type name,
// expanding struct member types recursively via defs. Unknown nominal types
// with no entry in defs resolve to an opaque leaf keyed by name alone —
// still enough to detect a rename, but not a field-level change inside a
// type whose definition is not in this notebook.
func ResolveSchema(typeName string, defs map[string]StructDef) *Schema {
	return resolveSchema(typeName, defs, map[string]bool{})
}

func resolveSchema(typeName string, defs map[string]StructDef, inProgress map[string]bool) *Schema {
	typeName = normalizeTypeName(typeName)

	switch typeName {
	case "()":
		return &Schema{Kind: KindUnit, Name: "()"}
	case "i8", "i16", "i32", "i64", "u8", "u16", "u32", "u64", "f32", "f64", "bool", "String", "&str", "str":
		return &Schema{Kind: KindPrimitive, Name: typeName}
	}

	if inner, ok := stripWrapper(typeName, "Vec<"); ok {
		return &Schema{Kind: KindVec, Name: "Vec", Elem: resolveSchema(inner, defs, inProgress)}
	}
	if inner, ok := stripWrapper(typeName, "Option<"); ok {
		return &Schema{Kind: KindOption, Name: "Option", Elem: resolveSchema(inner, defs, inProgress)}
	}

	def, ok := defs[typeName]
	if !ok || inProgress[typeName] {
		// Opaque leaf: either genuinely unknown, or a recursive type we've
		// already started expanding (cut the cycle rather than loop).
		return &Schema{Kind: KindOpaque, Name: typeName}
	}

	inProgress[typeName] = true
	fields := make([]FieldSchema, len(def.Fields))
	for i, f := range def.Fields {
		fields[i] = FieldSchema{Name: f.Name, Type: resolveSchema(f.Type, defs, inProgress)}
	}
	delete(inProgress, typeName)

	return &Schema{Kind: KindStruct, Name: typeName, Fields: fields}
}

func stripWrapper(t, prefix string) (string, bool) {
	if !strings.HasPrefix(t, prefix) || !strings.HasSuffix(t, ">") {
		return "", false
	}
	return strings.TrimSpace(t[len(prefix) : len(t)-1]), true
}

// Fingerprint hashes a Schema's canonical textual encoding with blake2b,
// producing a value stable across processes and compiles of the same
// schema, and different whenever any field name, order, or type differs.
func Fingerprint(s *Schema) TypeFingerprint {
	var b strings.Builder
	writeSchema(&b, s)
	return blake2b.Sum256([]byte(b.String()))
}

func writeSchema(b *strings.Builder, s *Schema) {
	switch s.Kind {
	case KindPrimitive, KindUnit, KindOpaque:
		fmt.Fprintf(b, "%s", s.Name)
	case KindVec:
		b.WriteString("Vec<")
		writeSchema(b, s.Elem)
		b.WriteByte('>')
	case KindOption:
		b.WriteString("Option<")
		writeSchema(b, s.Elem)
		b.WriteByte('>')
	case KindStruct:
		fmt.Fprintf(b, "struct %s{", s.Name)
		for i, f := range s.Fields {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%s:", f.Name)
			writeSchema(b, f.Type)
		}
		b.WriteByte('}')
	}
}

// sortedKeys is used by tests asserting deterministic struct-def iteration.
func sortedKeys(defs map[string]StructDef) []string {
	keys := make([]string, 0, len(defs))
	for k := range defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
