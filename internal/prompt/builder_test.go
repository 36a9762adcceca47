package prompt

import (
	"strings"
	"testing"
)

func TestBuildDeterministicHash(t *testing.T) {
	b := NewBuilder("you are a coding agent", "never force-push")

	ctx := []Section{{Name: "Repo", Body: "monorepo, pnpm"}}
	first := b.Build("fix the billing rounding bug", ctx)
	second := b.Build("fix the billing rounding bug", ctx)

	if first.Hash != second.Hash {
		t.Error("hash not deterministic for identical input")
	}
	if first.Hash == b.Build("different task", ctx).Hash {
		t.Error("hash identical for different input")
	}
}

func TestBuildTierOrder(t *testing.T) {
	b := NewBuilder("SYSTEM", "CONSTRAINTS")
	got := b.Build("TASK", []Section{{Name: "Ctx", Body: "CONTEXT"}})

	sys := strings.Index(got.Text, "SYSTEM")
	task := strings.Index(got.Text, "TASK")
	ctx := strings.Index(got.Text, "CONTEXT")
	cons := strings.Index(got.Text, "CONSTRAINTS")
	if !(sys < task && task < ctx && ctx < cons) {
		t.Errorf("tier order wrong: %q", got.Text)
	}
}

func TestBuildSkipsEmptySections(t *testing.T) {
	b := NewBuilder("", "")
	got := b.Build("TASK", []Section{{Name: "Empty", Body: ""}})
	if strings.Contains(got.Text, "Empty") {
		t.Error("empty section rendered")
	}
}

func TestIdempotencyToken(t *testing.T) {
	a := IdempotencyToken("alice", "fleet/t1", "hash1")
	b := IdempotencyToken("alice", "fleet/t1", "hash1")
	if a != b {
		t.Error("token not deterministic")
	}
	if a == IdempotencyToken("bob", "fleet/t1", "hash1") {
		t.Error("token ignores operator")
	}
	if a == IdempotencyToken("alice", "fleet/t2", "hash1") {
		t.Error("token ignores branch")
	}
}
