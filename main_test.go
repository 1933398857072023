package main

import (
	"strings"
	"testing"
)

func TestCommandUsage(t *testing.T) {
	for _, c := range cmds {
		c.gather()
		name := strings.Join(c.words, " ")
		if c.help == "" {
			t.Fatalf("command %q has no help text", name)
		}
		usage := c.makeUsage()
		if !strings.HasPrefix(usage, "usage: mtacore "+name) {
			t.Fatalf("usage for %q: got %q", name, usage)
		}
	}
}
