package client

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDo_NoDaemon(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock")).WithTimeout(time.Second)

	_, err := c.Do(context.Background(), Request{Type: TypePing})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "dial daemon") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestWithTimeout_DoesNotMutateOriginal(t *testing.T) {
	c := New("/tmp/engrammar.sock")
	c2 := c.WithTimeout(time.Minute)
	if c.timeout != DefaultTimeout {
		t.Errorf("original client timeout changed to %v", c.timeout)
	}
	if c2.timeout != time.Minute {
		t.Errorf("derived client timeout %v", c2.timeout)
	}
}

func TestResponseOK(t *testing.T) {
	if !(&Response{Status: "ok"}).OK() {
		t.Error("expected ok")
	}
	if (&Response{Status: "error", Error: "boom"}).OK() {
		t.Error("expected not ok")
	}
}
