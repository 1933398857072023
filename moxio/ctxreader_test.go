package moxio

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCtxReader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := CtxReader{ctx, strings.NewReader("hello")}
	buf := make([]byte, 2)
	n, err := r.Read(buf)
	tcheckf(t, err, "read")
	if n != 2 || string(buf) != "he" {
		t.Fatalf("got %q, expected %q", buf[:n], "he")
	}
	cancel()
	if _, err := io.ReadAll(r); !errors.Is(err, context.Canceled) {
		t.Fatalf("got err %v, expected context.Canceled", err)
	}
}
