package agent

import (
	"context"
	"slices"
	"testing"
)

type nopAgent struct{ name string }

func (a *nopAgent) Name() string { return a.name }
func (a *nopAgent) Execute(context.Context, Invocation) (*Result, error) {
	return &Result{Success: true}, nil
}

func TestRegisterAndNew(t *testing.T) {
	Register("test-nop", func(config map[string]string) (Agent, error) {
		return &nopAgent{name: config["name"]}, nil
	})

	a, err := New("test-nop", map[string]string{"name": "alpha"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Name() != "alpha" {
		t.Errorf("name = %s, want alpha", a.Name())
	}
	if !slices.Contains(Available(), "test-nop") {
		t.Errorf("Available() = %v, missing test-nop", Available())
	}
}

func TestNewUnknownAgent(t *testing.T) {
	if _, err := New("test-missing", nil); err == nil {
		t.Fatal("expected error for unregistered factory")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register("test-dup", func(map[string]string) (Agent, error) { return &nopAgent{}, nil })
	Register("test-dup", func(map[string]string) (Agent, error) { return &nopAgent{}, nil })
}
