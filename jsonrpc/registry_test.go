package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func nopHandler(context.Context, Args) (any, error) { return nil, nil }

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Method{Name: "a.b", Handler: nopHandler}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m, err := r.Resolve("a.b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Name != "a.b" {
		t.Fatalf("got %q", m.Name)
	}

	_, err = r.Resolve("missing")
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeMethodNotFound {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Method{Name: "x", Handler: nopHandler})
	err := r.Register(Method{Name: "x", Handler: nopHandler})
	var dup *DuplicateMethodError
	if !errors.As(err, &dup) || dup.Name != "x" {
		t.Fatalf("expected *DuplicateMethodError, got %v", err)
	}
}

func TestRegistry_Frozen(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Method{Name: "x", Handler: nopHandler})
	r.Freeze()
	r.Freeze()
	if err := r.Register(Method{Name: "y", Handler: nopHandler}); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
	if _, err := r.Resolve("x"); err != nil {
		t.Fatalf("Resolve after Freeze: %v", err)
	}
}

func TestRegistry_Validation(t *testing.T) {
	tests := []struct {
		name string
		m    Method
	}{
		{"empty name", Method{Handler: nopHandler}},
		{"nil handler", Method{Name: "x"}},
		{"unnamed param", Method{Name: "x", Handler: nopHandler, Params: []Param{{}}}},
		{"duplicate param", Method{Name: "x", Handler: nopHandler, Params: []Param{{Name: "a"}, {Name: "a"}}}},
		{"required after optional", Method{Name: "x", Handler: nopHandler, Params: []Param{{Name: "a", Optional: true}, {Name: "b"}}}},
		{"unencodable default", Method{Name: "x", Handler: nopHandler, Params: []Param{{Name: "a", Optional: true, Default: make(chan int)}}}},
		{"invalid raw default", Method{Name: "x", Handler: nopHandler, Params: []Param{{Name: "a", Optional: true, Default: json.RawMessage("{")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.Register(tt.m); err == nil {
				t.Fatal("expected error")
			}
			if len(r.Methods()) != 0 {
				t.Fatal("invalid method was registered")
			}
		})
	}
}

func TestRegistry_DefaultsEncodedAtRegistration(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Method{
		Name:    "x",
		Handler: nopHandler,
		Params:  []Param{{Name: "a"}, {Name: "b", Optional: true, Default: "Default"}},
	})
	m, _ := r.Resolve("x")
	raw, ok := m.Params[1].Default.(json.RawMessage)
	if !ok {
		t.Fatalf("default not encoded: %T", m.Params[1].Default)
	}
	if string(raw) != `"Default"` {
		t.Fatalf("got %s", raw)
	}
}

func TestRegistry_MethodsSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"c", "a", "b"} {
		r.MustRegister(Method{Name: n, Handler: nopHandler})
	}
	var names []string
	for _, m := range r.Methods() {
		names = append(names, m.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
		t.Fatalf("Methods() mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewRegistry().MustRegister(Method{})
}
