package compile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ml-rust/venus/internal/graph"
)

func buildTestGraph(t *testing.T) (*graph.Graph, graph.CellInfo, graph.CellInfo) {
	t.Helper()
	g := graph.NewGraph()
	producer := graph.CellInfo{ID: 0, SourceName: "config", ReturnType: "Config", Body: "{ Config::default() }"}
	consumer := graph.CellInfo{
		ID: 1, SourceName: "greeting", ReturnType: "String", Body: "{ format!(\"hi\") }",
		Dependencies: []graph.Dependency{{Parameter: "config", DeclaredType: "Config"}},
	}
	require.NoError(t, g.AddCell(producer))
	require.NoError(t, g.AddCell(consumer))
	require.NoError(t, g.Build())
	return g, producer, consumer
}

func TestSourceHashStableForIdenticalBody(t *testing.T) {
	_, producer, _ := buildTestGraph(t)
	require.Equal(t, SourceHash(producer), SourceHash(producer))
}

func TestSourceHashChangesWithBody(t *testing.T) {
	_, producer, _ := buildTestGraph(t)
	modified := producer
	modified.Body = "{ Config::new() }"
	require.NotEqual(t, SourceHash(producer), SourceHash(modified))
}

func TestDepsHashChangesWhenProducerReturnTypeChanges(t *testing.T) {
	g, producer, consumer := buildTestGraph(t)
	before := DepsHash(consumer, g)

	g2 := graph.NewGraph()
	changedProducer := producer
	changedProducer.ReturnType = "NewConfig"
	require.NoError(t, g2.AddCell(changedProducer))
	require.NoError(t, g2.AddCell(consumer))
	require.NoError(t, g2.Build())
	after := DepsHash(consumer, g2)

	require.NotEqual(t, before, after)
}

func TestGenerateWrapperSourceIncludesExactArityParams(t *testing.T) {
	cell := graph.CellInfo{
		SourceName: "merged",
		Body:       "{ 1 }",
		Dependencies: []graph.Dependency{
			{Parameter: "a", DeclaredType: "i32"},
			{Parameter: "b", DeclaredType: "i32"},
		},
	}
	src := generateWrapperSource(cell)
	require.Contains(t, src, "cell_merged")
	require.Contains(t, src, "dep_0_ptr")
	require.Contains(t, src, "dep_1_ptr")
	require.Contains(t, src, "widget_values_ptr")
	require.NotContains(t, src, "dep_2_ptr")
}

func TestDylibExtForPlatform(t *testing.T) {
	require.Equal(t, ".so", dylibExtFor("linux-amd64"))
	require.Equal(t, ".dylib", dylibExtFor("darwin-arm64"))
	require.Equal(t, ".dll", dylibExtFor("windows-amd64"))
}
