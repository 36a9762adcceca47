// Package prompt assembles the tiered prompt an agent receives and
// derives the deterministic identifiers built from it.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// fleetNamespace is a fixed UUID namespace so the same admission
// attempt always derives the same idempotency token.
var fleetNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Section is one tier of an assembled prompt
type Section struct {
	Name string
	Body string
}

// Assembled is the final prompt plus its content hash
type Assembled struct {
	Text string
	Hash string
}

// Builder assembles prompts from ordered tiers
type Builder struct {
	system      string
	constraints string
}

// NewBuilder creates a Builder with fleet-wide system and constraint
// tiers. Either may be empty.
func NewBuilder(system, constraints string) *Builder {
	return &Builder{system: system, constraints: constraints}
}

// Build assembles the tiers in a fixed order and hashes the result.
// The hash is deterministic for identical inputs, which makes it usable
// for idempotency and audit.
func (b *Builder) Build(taskBody string, context []Section) Assembled {
	var parts []string
	if b.system != "" {
		parts = append(parts, b.system)
	}
	parts = append(parts, taskBody)
	for _, s := range context {
		if s.Body == "" {
			continue
		}
		parts = append(parts, "## "+s.Name+"\n"+s.Body)
	}
	if b.constraints != "" {
		parts = append(parts, b.constraints)
	}

	text := strings.Join(parts, "\n\n")
	sum := sha256.Sum256([]byte(text))
	return Assembled{Text: text, Hash: hex.EncodeToString(sum[:])}
}

// IdempotencyToken uniquely identifies one admission attempt. It is a
// deterministic UUID over (operator, branch, prompt hash): retrying the
// same request yields the same token.
func IdempotencyToken(operator, branch, promptHash string) string {
	return uuid.NewSHA1(fleetNamespace, []byte(operator+"\x00"+branch+"\x00"+promptHash)).String()
}
