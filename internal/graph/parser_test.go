package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ml-rust/venus/internal/venuserr"
)

const helloSource = `//! # Hello World Notebook
//!
//! A simple Venus notebook demonstrating basic cell functionality.
//!
//! ` + "```cargo" + `
//! [dependencies]
//! venus = { path = "../crates/venus" }
//! ` + "```" + `

// Venus cells use &String/&Vec<T> rather than &str/&[T] because
// dependency resolution matches parameter types to producer return types exactly.
#![allow(clippy::ptr_arg)]

use venus::prelude::*;

/// # Configuration
///
/// This cell provides configuration for the notebook.
#[venus::cell]
pub fn config() -> Config {
    Config {
        name: "Hello Venus".to_string(),
        iterations: 10,
    }
}

/// # Greeting
///
/// Generate a greeting message using the config.
#[venus::cell]
pub fn greeting(config: &Config) -> String {
    format!("Hello from {}!", config.name)
}

/// # Computation
///
/// Perform a simple computation based on config.
#[venus::cell]
pub fn compute(config: &Config) -> Vec<i32> {
    (0..config.iterations).map(|i| i * i).collect()
}
`

func TestParseHelloNotebook(t *testing.T) {
	p := NewCellParser()
	result, err := p.Parse(helloSource)
	require.NoError(t, err)
	require.Len(t, result.Cells, 3)

	require.Equal(t, "config", result.Cells[0].SourceName)
	require.Equal(t, "Configuration", result.Cells[0].DisplayName)
	require.Empty(t, result.Cells[0].Dependencies)
	require.Equal(t, "Config", result.Cells[0].ReturnType)

	require.Equal(t, "greeting", result.Cells[1].SourceName)
	require.Equal(t, "Greeting", result.Cells[1].DisplayName)
	require.Len(t, result.Cells[1].Dependencies, 1)
	require.Equal(t, "config", result.Cells[1].Dependencies[0].Parameter)
	require.Equal(t, "Config", result.Cells[1].Dependencies[0].DeclaredType)
	require.Equal(t, "String", result.Cells[1].ReturnType)

	require.Equal(t, "compute", result.Cells[2].SourceName)
	require.Equal(t, "Vec<i32>", result.Cells[2].ReturnType)

	require.True(t, result.Markdown[0].ModuleDoc)
	require.Contains(t, result.Markdown[0].Text, "Hello World Notebook")
}

const simpleComputeSource = `//! Test notebook for process isolation - simple computation.
//!
//! This cell performs a quick computation and returns a result.

//! [dependencies]
//! # No dependencies needed

use venus::prelude::*;

/// Simple computation cell that returns quickly.
#[venus::cell]
pub fn simple_compute() -> i32 {
    let mut sum = 0i32;
    for i in 0..1000 {
        sum = sum.wrapping_add(i);
    }
    sum
}
`

func TestParseSimpleComputeNotebookToleratesPlainDependencyComment(t *testing.T) {
	p := NewCellParser()
	result, err := p.Parse(simpleComputeSource)
	require.NoError(t, err)
	require.Len(t, result.Cells, 1)
	require.Equal(t, "simple_compute", result.Cells[0].SourceName)
	require.Equal(t, "simple_compute", result.Cells[0].DisplayName) // no heading, falls back to source name
	require.Equal(t, "i32", result.Cells[0].ReturnType)
	require.Contains(t, result.Cells[0].Body, "wrapping_add")
}

const infiniteLoopSource = `//! Notebook used to exercise process-isolated cancellation.

use venus::prelude::*;

/// Loops forever; never returns under the linear or parallel executors.
#[venus::cell]
pub fn spin() -> i32 {
    loop {
        std::hint::spin_loop();
    }
}
`

func TestParseInfiniteLoopNotebook(t *testing.T) {
	p := NewCellParser()
	result, err := p.Parse(infiniteLoopSource)
	require.NoError(t, err)
	require.Len(t, result.Cells, 1)
	require.Empty(t, result.Cells[0].Dependencies)
	require.Contains(t, result.Cells[0].Body, "spin_loop")
}

const widgetsSource = `//! # Widget Notebook

use venus::prelude::*;

/// # Slider Value
#[venus::cell]
pub fn slider_value() -> i32 {
    input_slider("threshold", 0, 100, 50)
}

/// # Label
#[venus::cell]
pub fn label(slider_value: &i32) -> String {
    input_text_with_default("label", "default")
}
`

func TestParseWidgetsNotebookTreatsWidgetCallsAsOpaqueBody(t *testing.T) {
	p := NewCellParser()
	result, err := p.Parse(widgetsSource)
	require.NoError(t, err)
	require.Len(t, result.Cells, 2)
	require.Contains(t, result.Cells[0].Body, "input_slider")
	require.Contains(t, result.Cells[1].Body, "input_text_with_default")
	require.Equal(t, "slider_value", result.Cells[1].Dependencies[0].Parameter)
	require.Equal(t, "i32", result.Cells[1].Dependencies[0].DeclaredType)
}

func TestParseMultiParamBorrowAndGenericTypes(t *testing.T) {
	src := `#[venus::cell]
pub fn merged(a: &Vec<i32>, b: &HashMap<String, i32>) -> Vec<i32> {
    a.clone()
}
`
	p := NewCellParser()
	result, err := p.Parse(src)
	require.NoError(t, err)
	require.Len(t, result.Cells, 1)
	deps := result.Cells[0].Dependencies
	require.Len(t, deps, 2)
	require.Equal(t, "a", deps[0].Parameter)
	require.Equal(t, "Vec<i32>", deps[0].DeclaredType)
	require.Equal(t, "b", deps[1].Parameter)
	require.Equal(t, "HashMap<String, i32>", deps[1].DeclaredType)
}

func TestParseUnterminatedBodyFails(t *testing.T) {
	src := `#[venus::cell]
pub fn broken() -> i32 {
    42
`
	p := NewCellParser()
	_, err := p.Parse(src)
	require.Error(t, err)
	var parseErr *venuserr.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParseMalformedSignatureFails(t *testing.T) {
	src := `#[venus::cell]
pub not_even_a_fn() -> i32 { 1 }
`
	p := NewCellParser()
	_, err := p.Parse(src)
	require.Error(t, err)
}

func TestParseMissingParameterTypeFails(t *testing.T) {
	src := `#[venus::cell]
pub fn bad(x) -> i32 {
    1
}
`
	p := NewCellParser()
	_, err := p.Parse(src)
	require.Error(t, err)
}
