package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectLanguage(t *testing.T) {
	a := NewAdapter()

	cases := map[string]string{
		"src/app.ts":      "typescript",
		"src/view.tsx":    "tsx",
		"lib/util.js":     "javascript",
		"lib/widget.jsx":  "jsx",
		"pkg/service.py":  "python",
		"internal/x.go":   "go",
		"core/lib.rs":     "rust",
		"com/app/Main.java": "java",
	}
	for path, want := range cases {
		assert.Equal(t, want, a.DetectLanguage(path), path)
	}
	assert.False(t, a.IsSupported("notes.txt"))
	assert.True(t, a.IsSupported("src/app.ts"))
}

func TestParseFileTypeScript(t *testing.T) {
	src := []byte(`import { Router } from 'express';
import * as path from 'path';

export interface Store {
  get(key: string): string;
}

export class MemoryStore extends BaseStore implements Store {
  get(key: string): string {
    return this.data[key];
  }
}

export function createStore(opts: StoreOptions): Store {
  return new MemoryStore(opts);
}

const toKey = (raw: string) => raw.trim();
`)
	a := NewAdapter()
	pf := a.ParseFile("/ws/src/store.ts", "src/store.ts", src)

	require.NotNil(t, pf)
	assert.Equal(t, "typescript", pf.Language)
	assert.Empty(t, pf.Warnings)

	fnNames := make(map[string]ParsedFunction)
	for _, fn := range pf.Functions {
		fnNames[fn.Name] = fn
	}
	require.Contains(t, fnNames, "createStore")
	assert.True(t, fnNames["createStore"].IsExported)
	assert.Contains(t, fnNames, "toKey")
	assert.Equal(t, "arrow", fnNames["toKey"].Kind)

	clsNames := make(map[string]ParsedClass)
	for _, c := range pf.Classes {
		clsNames[c.Name] = c
	}
	require.Contains(t, clsNames, "MemoryStore")
	assert.Equal(t, []string{"BaseStore"}, clsNames["MemoryStore"].Extends)
	assert.Equal(t, []string{"Store"}, clsNames["MemoryStore"].Implements)
	require.Contains(t, clsNames, "Store")
	assert.Equal(t, "interface", clsNames["Store"].Kind)

	sources := make([]string, 0, len(pf.Imports))
	for _, imp := range pf.Imports {
		sources = append(sources, imp.Source)
	}
	assert.Contains(t, sources, "express")
	assert.Contains(t, sources, "path")
}

func TestParseFilePython(t *testing.T) {
	src := []byte(`import os
from collections import defaultdict, Counter

class Indexer(BaseIndexer):
    def build(self, root):
        return root

    def _scan(self):
        pass

def run(argv):
    return 0
`)
	a := NewAdapter()
	pf := a.ParseFile("/ws/src/indexer.py", "src/indexer.py", src)

	require.NotNil(t, pf)
	require.Len(t, pf.Classes, 1)
	assert.Equal(t, "Indexer", pf.Classes[0].Name)
	assert.Equal(t, []string{"BaseIndexer"}, pf.Classes[0].Extends)

	var names []string
	for _, fn := range pf.Functions {
		names = append(names, fn.Name)
	}
	assert.Contains(t, names, "build")
	assert.Contains(t, names, "_scan")
	assert.Contains(t, names, "run")

	for _, fn := range pf.Functions {
		if fn.Name == "_scan" {
			assert.False(t, fn.IsExported)
		}
		if fn.Name == "build" {
			assert.Equal(t, "method", fn.Kind)
		}
	}

	require.Len(t, pf.Imports, 2)
	assert.Equal(t, "os", pf.Imports[0].Source)
	assert.Equal(t, "collections", pf.Imports[1].Source)
	assert.ElementsMatch(t, []string{"defaultdict", "Counter"}, pf.Imports[1].Specifiers)
}

func TestParseFileGo(t *testing.T) {
	src := []byte(`package store

import (
	"fmt"
	"strings"
)

type Store interface {
	Get(key string) (string, error)
}

type memStore struct {
	data map[string]string
}

func (s *memStore) Get(key string) (string, error) {
	v, ok := s.data[key]
	if !ok {
		return "", fmt.Errorf("missing %s", strings.TrimSpace(key))
	}
	return v, nil
}

func New() Store {
	return &memStore{data: map[string]string{}}
}
`)
	a := NewAdapter()
	pf := a.ParseFile("/ws/store.go", "store.go", src)

	require.NotNil(t, pf)
	clsNames := make(map[string]ParsedClass)
	for _, c := range pf.Classes {
		clsNames[c.Name] = c
	}
	require.Contains(t, clsNames, "Store")
	assert.Equal(t, "interface", clsNames["Store"].Kind)
	require.Contains(t, clsNames, "memStore")
	assert.False(t, clsNames["memStore"].IsExported)

	fnNames := make(map[string]ParsedFunction)
	for _, fn := range pf.Functions {
		fnNames[fn.Name] = fn
	}
	require.Contains(t, fnNames, "Get")
	assert.Equal(t, "method", fnNames["Get"].Kind)
	require.Contains(t, fnNames, "New")
	assert.True(t, fnNames["New"].IsExported)

	var sources []string
	for _, imp := range pf.Imports {
		sources = append(sources, imp.Source)
	}
	assert.ElementsMatch(t, []string{"fmt", "strings"}, sources)
}

func TestParseFileRustFallback(t *testing.T) {
	src := []byte(`use std::collections::HashMap;

pub struct Graph {
    nodes: HashMap<String, Node>,
}

pub trait Walkable {
    fn walk(&self);
}

pub fn build_graph(root: &str) -> Graph {
    Graph { nodes: HashMap::new() }
}

fn internal_helper() {}
`)
	a := NewAdapter()
	pf := a.ParseFile("/ws/src/graph.rs", "src/graph.rs", src)

	require.NotNil(t, pf)
	require.NotEmpty(t, pf.Warnings)

	fnNames := make(map[string]ParsedFunction)
	for _, fn := range pf.Functions {
		fnNames[fn.Name] = fn
	}
	require.Contains(t, fnNames, "build_graph")
	assert.True(t, fnNames["build_graph"].IsExported)
	require.Contains(t, fnNames, "internal_helper")
	assert.False(t, fnNames["internal_helper"].IsExported)

	clsNames := make(map[string]ParsedClass)
	for _, c := range pf.Classes {
		clsNames[c.Name] = c
	}
	assert.Contains(t, clsNames, "Graph")
	require.Contains(t, clsNames, "Walkable")
	assert.Equal(t, "interface", clsNames["Walkable"].Kind)
}

func TestDetectTestSuites(t *testing.T) {
	a := NewAdapter()

	jest := []byte(`import { createStore } from '../store';

describe('store integration', () => {
  it('round-trips values', () => {
    expect(1).toBe(1);
  });
});

describe('key normalization', () => {
  it('trims whitespace', () => {});
});
`)
	pf := a.ParseFile("/ws/src/store.test.ts", "src/store.test.ts", jest)
	require.Len(t, pf.TestSuites, 2)
	assert.Equal(t, "store integration", pf.TestSuites[0].Name)
	assert.Equal(t, "integration", pf.TestSuites[0].Category)
	assert.Equal(t, "unit", pf.TestSuites[1].Category)
	assert.Equal(t, "jest", pf.TestSuites[0].Type)

	goTest := []byte(`package store

import "testing"

func TestGet(t *testing.T) {}

func helperSetup(t *testing.T) {}
`)
	pf = a.ParseFile("/ws/store_test.go", "store_test.go", goTest)
	require.Len(t, pf.TestSuites, 1)
	assert.Equal(t, "TestGet", pf.TestSuites[0].Name)
	assert.Equal(t, "go", pf.TestSuites[0].Type)

	// Non-test files never carry suites, even with describe-shaped text.
	pf = a.ParseFile("/ws/src/store.ts", "src/store.ts", jest)
	assert.Empty(t, pf.TestSuites)
}

func TestContentHashStable(t *testing.T) {
	h1 := ContentHash([]byte("hello world"))
	h2 := ContentHash([]byte("hello world"))
	h3 := ContentHash([]byte("hello world "))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 16)
}

func TestStripGenerics(t *testing.T) {
	assert.Equal(t, "Base", StripGenerics("Base<T, U>"))
	assert.Equal(t, "Base", StripGenerics("  Base  "))
	assert.Equal(t, "", StripGenerics(""))
}
