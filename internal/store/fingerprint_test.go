package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractStructDefsRecoversFieldOrder(t *testing.T) {
	src := `
#[derive(Debug, Clone)]
pub struct Config {
    pub name: String,
    pub iterations: i32,
}

#[derive(Debug, Clone)]
pub struct Summary {
    pub message: String,
    pub values: Vec<i32>,
    pub total: i32,
}
`
	defs := ExtractStructDefs(src)
	require.Equal(t, []string{"Config", "Summary"}, sortedKeys(defs))

	cfg := defs["Config"]
	require.Equal(t, []FieldDecl{{Name: "name", Type: "String"}, {Name: "iterations", Type: "i32"}}, cfg.Fields)
}

func TestFingerprintStableAcrossResolves(t *testing.T) {
	defs := ExtractStructDefs(`pub struct Config { pub name: String, pub iterations: i32, }`)

	a := Fingerprint(ResolveSchema("Config", defs))
	b := Fingerprint(ResolveSchema("Config", defs))
	require.Equal(t, a, b)
}

func TestFingerprintChangesOnFieldTypeChange(t *testing.T) {
	before := ExtractStructDefs(`pub struct Config { pub count: i32, }`)
	after := ExtractStructDefs(`pub struct Config { pub count: i64, }`)

	fpBefore := Fingerprint(ResolveSchema("Config", before))
	fpAfter := Fingerprint(ResolveSchema("Config", after))
	require.NotEqual(t, fpBefore, fpAfter)
}

func TestFingerprintChangesOnFieldRename(t *testing.T) {
	before := ExtractStructDefs(`pub struct Config { pub count: i32, }`)
	after := ExtractStructDefs(`pub struct Config { pub total: i32, }`)

	fpBefore := Fingerprint(ResolveSchema("Config", before))
	fpAfter := Fingerprint(ResolveSchema("Config", after))
	require.NotEqual(t, fpBefore, fpAfter)
}

func TestFingerprintChangesOnFieldOrder(t *testing.T) {
	before := ExtractStructDefs(`pub struct Config { pub a: i32, pub b: i32, }`)
	after := ExtractStructDefs(`pub struct Config { pub b: i32, pub a: i32, }`)

	fpBefore := Fingerprint(ResolveSchema("Config", before))
	fpAfter := Fingerprint(ResolveSchema("Config", after))
	require.NotEqual(t, fpBefore, fpAfter)
}

func TestFingerprintUnchangedForUnrelatedEdit(t *testing.T) {
	before := ExtractStructDefs(`pub struct Config { pub count: i32, }`)
	after := ExtractStructDefs(`pub struct Config { pub count: i32, }
pub struct Unrelated { pub x: String, }`)

	fpBefore := Fingerprint(ResolveSchema("Config", before))
	fpAfter := Fingerprint(ResolveSchema("Config", after))
	require.Equal(t, fpBefore, fpAfter)
}

func TestResolveSchemaPrimitivesAndCollections(t *testing.T) {
	defs := map[string]StructDef{}
	require.Equal(t, KindPrimitive, ResolveSchema("i32", defs).Kind)
	require.Equal(t, KindVec, ResolveSchema("Vec<i32>", defs).Kind)
	require.Equal(t, KindOption, ResolveSchema("Option<String>", defs).Kind)
	require.Equal(t, KindUnit, ResolveSchema("()", defs).Kind)
	require.Equal(t, KindOpaque, ResolveSchema("DataFrame", defs).Kind)
}

func TestResolveSchemaCutsSelfReferentialCycle(t *testing.T) {
	defs := ExtractStructDefs(`pub struct Node { pub next: Option<Node>, pub value: i32, }`)
	require.NotPanics(t, func() {
		Fingerprint(ResolveSchema("Node", defs))
	})
}
