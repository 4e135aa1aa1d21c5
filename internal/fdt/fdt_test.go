package fdt

import (
	"reflect"
	"testing"
)

func TestBuildStructure(t *testing.T) {
	root := Node{
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
			"compatible":     {Strings: []string{"riscv-virtio"}},
		},
		Children: []Node{
			{Name: "uart@10000000", Properties: map[string]Property{
				"reg":              {U64: []uint64{0x1000_0000, 0x100}},
				"interrupt-parent": {U32: []uint32{3}},
			}},
			{Name: "soc", Children: []Node{
				{Name: "imsics@24000000", Properties: map[string]Property{"msi-controller": {Flag: true}}},
			}},
		},
	}
	blob, err := Build(root)
	if err != nil {
		t.Fatal(err)
	}
	names, err := Names(blob)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"/",
		"/:#address-cells",
		"/:compatible",
		"/uart@10000000",
		"/uart@10000000:interrupt-parent",
		"/uart@10000000:reg",
		"/soc",
		"/soc/imsics@24000000",
		"/soc/imsics@24000000:msi-controller",
	}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("names:\n got %q\nwant %q", names, want)
	}

	if n, ok := root.Lookup("/soc/imsics@24000000"); !ok || !n.Properties["msi-controller"].Flag {
		t.Fatalf("lookup failed: %+v %v", n, ok)
	}
}

func TestBuildRejectsAmbiguousProperty(t *testing.T) {
	_, err := Build(Node{Properties: map[string]Property{
		"bad": {U32: []uint32{1}, Strings: []string{"x"}},
	}})
	if err == nil {
		t.Fatalf("expected error for property with two kinds")
	}
	_, err = Build(Node{Properties: map[string]Property{"empty": {}}})
	if err == nil {
		t.Fatalf("expected error for property with no value")
	}
}
