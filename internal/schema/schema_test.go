package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	want := []string{"items", "customers", "prices", "stock", "payment_methods"}
	got := Default().Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"empty", Definition{}},
		{"bad table name", Definition{Tables: []Table{{Name: "items; DROP", KeyPath: "code"}}}},
		{"duplicate table", Definition{Tables: []Table{{Name: "a", KeyPath: "k"}, {Name: "a", KeyPath: "k"}}}},
		{"bad key path", Definition{Tables: []Table{{Name: "a", KeyPath: "$.k"}}}},
		{"bad index", Definition{Tables: []Table{{Name: "a", KeyPath: "k", Indexes: []string{"x-y"}}}}},
		{"duplicate index", Definition{Tables: []Table{{Name: "a", KeyPath: "k", Indexes: []string{"x", "x"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.def.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestHash_StableAndOrderIndependent(t *testing.T) {
	a := Default()
	b := Default()
	if a.Hash() != b.Hash() {
		t.Fatal("hash of identical definitions differs")
	}

	// Reverse table order and index order
	rev := Definition{}
	for i := len(a.Tables) - 1; i >= 0; i-- {
		tbl := a.Tables[i]
		idx := make([]string, 0, len(tbl.Indexes))
		for j := len(tbl.Indexes) - 1; j >= 0; j-- {
			idx = append(idx, tbl.Indexes[j])
		}
		rev.Tables = append(rev.Tables, Table{Name: tbl.Name, KeyPath: tbl.KeyPath, Indexes: idx})
	}
	if rev.Hash() != a.Hash() {
		t.Error("declaration order changed the hash")
	}
}

func TestHash_ChangesWithDefinition(t *testing.T) {
	base := Default()
	changed := Default()
	changed.Tables[0].Indexes = append(changed.Tables[0].Indexes, "brand")
	if base.Hash() == changed.Hash() {
		t.Error("adding an index did not change the hash")
	}
}

func TestRegistry_UnchangedDefinitionKeepsVersion(t *testing.T) {
	// Given: a fresh registry
	path := filepath.Join(t.TempDir(), "pos.db.schema.json")
	reg := NewRegistry(path)

	// When: the same definition is resolved repeatedly, across registry instances
	v1, err := reg.Resolve(Default())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	v2, err := reg.Resolve(Default())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	v3, err := NewRegistry(path).Resolve(Default())
	if err != nil {
		t.Fatalf("Resolve after restart failed: %v", err)
	}

	// Then: the version is 1 every time
	if v1 != 1 || v2 != 1 || v3 != 1 {
		t.Errorf("versions = %d, %d, %d; want 1, 1, 1", v1, v2, v3)
	}
}

func TestRegistry_ChangedDefinitionBumpsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pos.db.schema.json")
	reg := NewRegistry(path)
	if _, err := reg.Resolve(Default()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	changed := Default()
	changed.Tables = append(changed.Tables, Table{Name: "coupons", KeyPath: "code"})

	for i := 0; i < 3; i++ {
		v, err := NewRegistry(path).Resolve(changed)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if v != 2 {
			t.Errorf("start %d: version = %d, want 2", i, v)
		}
	}

	// Reverting is also a change
	v, err := reg.Resolve(Default())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if v != 3 {
		t.Errorf("version after revert = %d, want 3", v)
	}
}

func TestRegistry_EnsureAtLeast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reg.json")
	reg := NewRegistry(path)
	if _, err := reg.Resolve(Default()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	v, err := reg.EnsureAtLeast(5)
	if err != nil {
		t.Fatalf("EnsureAtLeast failed: %v", err)
	}
	if v != 5 {
		t.Errorf("EnsureAtLeast(5) = %d", v)
	}

	v, err = reg.EnsureAtLeast(2)
	if err != nil {
		t.Fatalf("EnsureAtLeast failed: %v", err)
	}
	if v != 5 {
		t.Errorf("EnsureAtLeast(2) lowered version to %d", v)
	}

	// Hash is kept so an unchanged definition stays at 5
	v, err = reg.Resolve(Default())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if v != 5 {
		t.Errorf("Resolve after EnsureAtLeast = %d, want 5", v)
	}
}

func TestRegistry_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reg.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(path)
	if _, err := reg.Resolve(Default()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Resolve error = %v, want ErrCorrupt", err)
	}

	// Reset rewrites the file and Resolve trusts it again
	v, err := reg.Reset(Default(), 4)
	if err != nil || v != 4 {
		t.Fatalf("Reset = %d, %v", v, err)
	}
	if v, err := reg.Resolve(Default()); err != nil || v != 4 {
		t.Errorf("Resolve after Reset = %d, %v, want 4", v, err)
	}
}

func TestSidecarPath(t *testing.T) {
	if got := SidecarPath("/data/pos.db"); got != "/data/pos.db.schema.json" {
		t.Errorf("SidecarPath() = %q", got)
	}
}
