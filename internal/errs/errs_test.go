package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfSurvivesWrapping(t *testing.T) {
	sentinel := NewCoded("SandboxProvisionError", "sandbox provision failed")
	err := Wrap(fmt.Errorf("attempt 3: %w", sentinel), "acquire sandbox")

	if !errors.Is(err, sentinel) {
		t.Fatalf("errors.Is() = false, want true")
	}
	if got := CodeOf(err); got != "SandboxProvisionError" {
		t.Fatalf("CodeOf() = %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestWrapfKeepsChain(t *testing.T) {
	base := errors.New("boom")
	err := Wrapf(base, "step %d", 2)
	if err.Error() != "step 2: boom" {
		t.Fatalf("Wrapf() = %q", err.Error())
	}

	chain := ErrorChainStrings(err)
	if len(chain) != 2 || chain[1] != "boom" {
		t.Fatalf("ErrorChainStrings() = %#v", chain)
	}
}

func TestWithStackCapturesOnce(t *testing.T) {
	err := WithStack(errors.New("root"))
	again := WithStack(Wrap(err, "outer"))

	var se *StackError
	if !errors.As(again, &se) || len(se.Stack()) == 0 {
		t.Fatalf("WithStack() lost stack")
	}
	if Wrap(nil, "x") != nil || WithStack(nil) != nil {
		t.Fatalf("nil errors must stay nil")
	}
}
