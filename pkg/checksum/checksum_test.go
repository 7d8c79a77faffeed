package checksum

import (
	"errors"
	"strings"
	"testing"
)

func TestCalculateSHA256(t *testing.T) {
	// echo -n "hello" | sha256sum
	got, err := CalculateSHA256(strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("CalculateSHA256() error: %v", err)
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("CalculateSHA256(hello) = %q, want %q", got, want)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestCalculateSHA256_ReaderError(t *testing.T) {
	if _, err := CalculateSHA256(failingReader{}); err == nil {
		t.Error("CalculateSHA256() expected error from failing reader")
	}
}

func TestSumJSON_MapOrderIndependent(t *testing.T) {
	a := map[string]any{"action": "create", "resource": "user", "n": 1}
	b := map[string]any{"n": 1, "resource": "user", "action": "create"}

	ha, err := SumJSON(a)
	if err != nil {
		t.Fatalf("SumJSON(a) error: %v", err)
	}
	hb, _ := SumJSON(b)
	if ha != hb {
		t.Errorf("SumJSON differs for maps with same content: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(ha))
	}
}

func TestVerifyJSON(t *testing.T) {
	v := struct {
		Action string `json:"action"`
	}{"delete"}
	sum, _ := SumJSON(v)

	ok, err := VerifyJSON(v, sum)
	if err != nil || !ok {
		t.Errorf("VerifyJSON(original) = %v, %v; want true, nil", ok, err)
	}

	v.Action = "update"
	ok, _ = VerifyJSON(v, sum)
	if ok {
		t.Error("VerifyJSON(tampered) = true, want false")
	}
}

func TestSumJSON_Unencodable(t *testing.T) {
	if _, err := SumJSON(make(chan int)); err == nil {
		t.Error("SumJSON(chan) expected error")
	}
}
