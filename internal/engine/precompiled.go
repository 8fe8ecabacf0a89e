// Package engine owns the wazero runtime and the Precompiled-Policy Table:
// the set of Wasm modules that have been fetched and compiled exactly once,
// keyed by content digest so that distinct policy IDs pointing at the same
// bytes share a single compiled module. Grounded on
// evaluation_environment.rs's module_digest_to_policy_evaluator_pre map and
// precompiled_policy.rs's PrecompiledPolicy/PrecompiledPolicies types, with
// wasmtime::Module::deserialize replaced by wazero's
// Runtime.CompileModule (wazero has no separate ahead-of-time artifact in
// the interpreter/baseline-compiler configuration this package uses, so
// "precompiled" here means "already run through CompileModule", not a
// serialized blob reused across process restarts).
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/kubewarden/policy-server/internal/policy"
)

// Digest is the content hash of a module's Wasm bytes, used to deduplicate
// distinct policy IDs / module references that happen to share identical
// bytes.
type Digest string

// ComputeDigest hashes raw Wasm bytes into a Digest.
func ComputeDigest(raw []byte) Digest {
	sum := sha256.Sum256(raw)
	return Digest(hex.EncodeToString(sum[:]))
}

// Precompiled is one compiled Wasm module, ready to be instantiated
// repeatedly without re-parsing/re-validating its bytes.
type Precompiled struct {
	Digest        Digest
	ExecutionMode policy.ExecutionMode
	Module        wazero.CompiledModule
}

// Table is the process-wide set of compiled modules, keyed by digest.
// Safe for concurrent use: populated once at bootstrap, then only read.
type Table struct {
	runtime wazero.Runtime
	mu      sync.RWMutex
	entries map[Digest]*Precompiled
}

// NewTable builds an empty Table backed by runtime. The caller owns
// runtime's lifecycle (it must outlive the Table and every instantiated
// module).
func NewTable(runtime wazero.Runtime) *Table {
	return &Table{runtime: runtime, entries: make(map[Digest]*Precompiled)}
}

// Compile compiles raw if its digest has not been seen before, returning the
// (possibly shared) Precompiled entry. mode is the already-resolved execution mode for this
// specific module reference: two policy IDs that happen to share bytes are
// still compiled only once, so the mode recorded is whichever reference won
// the race to compile -- callers must ensure that when two IDs intentionally
// share a module, they also agree on its execution mode.
func (t *Table) Compile(ctx context.Context, raw []byte, mode policy.ExecutionMode) (*Precompiled, error) {
	digest := ComputeDigest(raw)

	t.mu.RLock()
	existing, ok := t.entries[digest]
	t.mu.RUnlock()
	if ok {
		return existing, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[digest]; ok {
		return existing, nil
	}

	compiled, err := t.runtime.CompileModule(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("compiling wasm module: %w", err)
	}

	entry := &Precompiled{Digest: digest, ExecutionMode: mode, Module: compiled}
	t.entries[digest] = entry
	return entry, nil
}

// Lookup returns the already-compiled entry for digest, if any.
func (t *Table) Lookup(digest Digest) (*Precompiled, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[digest]
	return entry, ok
}

// Len reports how many distinct module digests are compiled, which is how
// the bootstrap-time dedup invariant ("identical bytes compiled once") gets
// verified in tests.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Close releases every compiled module and the runtime itself.
func (t *Table) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.entries {
		if err := entry.Module.Close(ctx); err != nil {
			return fmt.Errorf("closing compiled module %s: %w", entry.Digest, err)
		}
	}
	return t.runtime.Close(ctx)
}
