package environment_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/bdobrica/vito/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("VITO_TEST_STRING", "  hello ")
	if got := environment.StringOr("VITO_TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("VITO_TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestOverrideString(t *testing.T) {
	v := "from-file"
	environment.OverrideString(&v, "VITO_TEST_UNSET")
	if v != "from-file" {
		t.Errorf("unset variable must not override, got %q", v)
	}
	t.Setenv("VITO_TEST_SET", "from-env")
	environment.OverrideString(&v, "VITO_TEST_SET")
	if v != "from-env" {
		t.Errorf("expected from-env, got %q", v)
	}
}

func TestOverrideSlice(t *testing.T) {
	t.Setenv("VITO_TEST_SLICE", " @a:x , ,@b:x ")
	var got []string
	environment.OverrideSlice(&got, "VITO_TEST_SLICE")
	if want := []string{"@a:x", "@b:x"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestOverrideInt(t *testing.T) {
	n := 5
	t.Setenv("VITO_TEST_INT", "42")
	if err := environment.OverrideInt(&n, "VITO_TEST_INT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Errorf("expected 42, got %d", n)
	}
	t.Setenv("VITO_TEST_INT", "forty")
	if err := environment.OverrideInt(&n, "VITO_TEST_INT"); err == nil {
		t.Error("expected parse error")
	}
	if n != 42 {
		t.Errorf("failed parse must leave value untouched, got %d", n)
	}
}

func TestOverrideDuration(t *testing.T) {
	d := time.Hour
	t.Setenv("VITO_TEST_DURATION", "90s")
	if err := environment.OverrideDuration(&d, "VITO_TEST_DURATION"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 90*time.Second {
		t.Errorf("expected 90s, got %v", d)
	}
	t.Setenv("VITO_TEST_DURATION", "soon")
	if err := environment.OverrideDuration(&d, "VITO_TEST_DURATION"); err == nil {
		t.Error("expected parse error")
	}
}
