// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// AccumulatorCapacity is the fixed buffer size for one streamed
	// answer. 512 KiB holds roughly 131k tokens at 4 bytes each,
	// far past any configured max_length.
	AccumulatorCapacity = 512 * 1024

	// minMlockKB is the mlock resource limit required for the secure
	// accumulator, in kilobytes.
	minMlockKB = 512
)

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
	mlockLimitKB     int64
)

// Accumulator collects streamed fragments into the final answer.
//
// # Description
//
// Fragments are appended as they arrive and hashed incrementally, so
// the finished answer carries an integrity hash without a second
// pass. The secure implementation keeps the bytes in mlocked memory
// so a partially generated answer never reaches swap; Finalize and
// Destroy both wipe the buffer. An accumulator serves exactly one
// generation and cannot be reused after Finalize or Destroy.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Accumulator interface {
	// Write appends one fragment. Fails once the fixed capacity is
	// exceeded or after Finalize/Destroy.
	Write(fragment string) error

	// Finalize returns the accumulated answer and its hex-encoded
	// SHA-256 hash, then wipes the buffer.
	Finalize() (answer string, digest string, err error)

	// Destroy wipes the buffer without returning data. Idempotent;
	// meant for defer on error paths.
	Destroy()

	// ID identifies this accumulator in logs.
	ID() string

	// CreatedAt is the instantiation time.
	CreatedAt() time.Time
}

// NewAccumulator returns an accumulator for one generation turn.
//
// When the process's mlock limit covers AccumulatorCapacity the
// buffer is mlocked with guard pages. With an insufficient limit the
// constructor fails unless KODIAK_INSECURE_MEMORY=true, which selects
// the plain-memory fallback with a logged warning.
func NewAccumulator() (Accumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("KODIAK_INSECURE_MEMORY") == "true" {
			return newPlainAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient for secure answer buffering: have %d KB, need %d KB "+
				"(raise the limit or set KODIAK_INSECURE_MEMORY=true)",
			mlockLimitKB, minMlockKB)
	}

	buf := memguard.NewBuffer(AccumulatorCapacity)
	if buf == nil {
		return nil, fmt.Errorf("allocate secure buffer of %d bytes", AccumulatorCapacity)
	}
	buf.Melt()

	acc := &secureAccumulator{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}
	slog.Debug("created secure answer accumulator", "accumulator_id", acc.id)
	return acc, nil
}

// initMemguard probes the mlock limit once per process and arms the
// interrupt handler that purges secure memory on SIGINT/SIGTERM.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, mlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("secure answer buffering available", "mlock_limit_kb", mlockLimitKB)
		} else {
			slog.Warn("mlock limit below secure buffering requirement",
				"mlock_limit_kb", mlockLimitKB,
				"required_kb", minMlockKB,
				"fallback_env", "KODIAK_INSECURE_MEMORY=true")
		}
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK covers the secure
// buffer, and the current limit in KB (-1 when unlimited).
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockKB, limitKB
}

// PurgeSecureMemory wipes all memguard-held buffers. Call during
// graceful shutdown; every live secure accumulator becomes unusable.
func PurgeSecureMemory() {
	memguard.Purge()
	slog.Info("purged secure memory")
}

// secureAccumulator keeps the answer in an mlocked, guard-paged
// buffer and zeroes it on the way out.
type secureAccumulator struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("answer exceeds secure buffer capacity")
	}
	if a.offset+len(fragment) > AccumulatorCapacity {
		a.overflow = true
		return fmt.Errorf("answer exceeds secure buffer capacity: need %d bytes, %d remaining",
			len(fragment), AccumulatorCapacity-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], fragment)
	a.offset += len(fragment)
	a.hasher.Write([]byte(fragment))
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("answer overflowed during accumulation")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("finalized secure answer accumulator",
		"accumulator_id", a.id,
		"answer_bytes", len(answer))
	return answer, digest, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

func (a *secureAccumulator) ID() string           { return a.id }
func (a *secureAccumulator) CreatedAt() time.Time { return a.createdAt }

// newPlainAccumulator builds the plain-memory fallback. Same contract
// as the secure form, but the answer can be swapped to disk and the
// final wipe is best effort only.
func newPlainAccumulator() Accumulator {
	acc := &plainAccumulator{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		data:      make([]byte, 0, AccumulatorCapacity),
		hasher:    sha256.New(),
	}
	slog.Warn("created INSECURE answer accumulator, data may reach swap",
		"accumulator_id", acc.id)
	return acc
}

type plainAccumulator struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *plainAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("answer exceeds buffer capacity")
	}
	if len(a.data)+len(fragment) > AccumulatorCapacity {
		a.overflow = true
		return fmt.Errorf("answer exceeds buffer capacity: need %d bytes, %d remaining",
			len(fragment), AccumulatorCapacity-len(a.data))
	}

	a.data = append(a.data, fragment...)
	a.hasher.Write([]byte(fragment))
	return nil
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("answer overflowed during accumulation")
	}

	answer := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, digest, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

// wipe zeroes the slice before dropping it. Best effort: the GC may
// have copied the backing array during growth.
func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

func (a *plainAccumulator) ID() string           { return a.id }
func (a *plainAccumulator) CreatedAt() time.Time { return a.createdAt }

var (
	_ Accumulator = (*secureAccumulator)(nil)
	_ Accumulator = (*plainAccumulator)(nil)
)
