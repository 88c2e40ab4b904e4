package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type mailer struct {
	name   string
	events *[]string
	fail   bool
}

func (m *mailer) Send(ctx context.Context, in Input) (any, error) {
	to, _ := in.Kwarg("to")
	return "sent to " + to.(string), nil
}

func (m *mailer) Count(ctx context.Context, in Input) (any, error) {
	return len(in.Args), nil
}

// Not a runner: wrong signature.
func (m *mailer) Close() error { return nil }

func (m *mailer) Initialize(ctx context.Context) error {
	*m.events = append(*m.events, "init "+m.name)
	if m.fail {
		return errors.New("unreachable")
	}
	return nil
}

func (m *mailer) Shutdown(ctx context.Context) error {
	*m.events = append(*m.events, "stop "+m.name)
	return nil
}

func TestPlugins_RegistersRunnerSymbols(t *testing.T) {
	reg := NewRegistry()
	plugins := NewPlugins(reg)
	var events []string
	if err := plugins.Register("mail", &mailer{name: "mail", events: &events}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for _, name := range []string{"mail.send", "mail.count"} {
		if _, ok := reg.Symbol(name); !ok {
			t.Errorf("Expected symbol %s", name)
		}
	}
	if _, ok := reg.Symbol("mail.close"); ok {
		t.Error("Close should not be exposed")
	}

	v, _ := reg.Symbol("mail.send")
	out, err := v.(Runner).Run(context.Background(), Input{Kwargs: map[string]any{"to": "ops"}})
	if err != nil {
		t.Fatal(err)
	}
	if out != "sent to ops" {
		t.Errorf("Unexpected output: %v", out)
	}

	send, _ := reg.Symbol("mail.send")
	count, _ := reg.Symbol("mail.count")
	if name, _ := reg.symbolName(send); name != "mail.send" {
		t.Errorf("Expected mail.send, got %s", name)
	}
	if name, _ := reg.symbolName(count); name != "mail.count" {
		t.Errorf("Expected mail.count, got %s", name)
	}

	if err := plugins.Register("mail", &mailer{events: &events}); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	if err := plugins.Register("nil", nil); err == nil {
		t.Error("Expected nil plugin to fail")
	}
}

func TestPlugins_Lifecycle(t *testing.T) {
	plugins := NewPlugins(NewRegistry())
	var events []string
	for _, name := range []string{"a", "b"} {
		if err := plugins.Register(name, &mailer{name: name, events: &events}); err != nil {
			t.Fatal(err)
		}
	}

	if err := plugins.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := plugins.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	want := []string{"init a", "init b", "stop b", "stop a"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("Lifecycle order mismatch (-want +got):\n%s", diff)
	}
}

func TestPlugins_InitializeStopsAtFailure(t *testing.T) {
	plugins := NewPlugins(NewRegistry())
	var events []string
	_ = plugins.Register("a", &mailer{name: "a", events: &events, fail: true})
	_ = plugins.Register("b", &mailer{name: "b", events: &events})

	err := plugins.Initialize(context.Background())
	if err == nil || !strings.Contains(err.Error(), "plugin a") {
		t.Fatalf("Expected failure from plugin a, got %v", err)
	}
	if diff := cmp.Diff([]string{"init a"}, events); diff != "" {
		t.Errorf("Expected b not to start (-want +got):\n%s", diff)
	}
}
