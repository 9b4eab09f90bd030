package classify

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileClassifiesShebangScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := File(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindScript {
		t.Fatalf("got Kind %v, want KindScript", res.Kind)
	}
	if res.Interpreter != "/bin/sh" {
		t.Fatalf("got Interpreter %q, want /bin/sh", res.Interpreter)
	}
}

func TestFileClassifiesShebangWithArgument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script")
	if err := os.WriteFile(path, []byte("#!/usr/bin/env python3\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := File(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Interpreter != "/usr/bin/env" {
		t.Fatalf("got Interpreter %q, want /usr/bin/env", res.Interpreter)
	}
}

func TestFileClassifiesPlainData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	if err := os.WriteFile(path, []byte("just some text\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := File(path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindData {
		t.Fatalf("got Kind %v, want KindData", res.Kind)
	}
}

func TestFileClassifiesRealELFBinary(t *testing.T) {
	self, err := os.Executable()
	if err != nil {
		t.Skip("os.Executable unavailable in this environment")
	}

	res, err := File(self)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindELFDynamic && res.Kind != KindELFStatic {
		t.Fatalf("got Kind %v for the running test binary, want an ELF kind", res.Kind)
	}
}
