// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cyclelock serializes ingestion cycles across service replicas with
// a Redis ownership lock. Acquire is SET NX PX with a random token; Release
// deletes the key only while the token still matches.
package cyclelock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis key guarding the mailbox cycle.
const DefaultKey = "flightlog:lock:cycle"

// ErrHeld is returned by Acquire when another owner holds the lock.
var ErrHeld = errors.New("cycle lock held by another owner")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Lock is a Redis-backed mutual exclusion lock with a TTL. The TTL bounds
// how long a crashed owner can block other replicas.
type Lock struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// New creates a lock on key. An empty key uses DefaultKey.
func New(rdb *redis.Client, key string, ttl time.Duration) *Lock {
	if key == "" {
		key = DefaultKey
	}
	return &Lock{rdb: rdb, key: key, ttl: ttl}
}

// Acquire takes the lock and returns the ownership token needed to release
// it. ErrHeld means another owner has it.
func (l *Lock) Acquire(ctx context.Context) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return "", ErrHeld
	}

	slog.Debug("cycle lock acquired", "key", l.key, "ttl", l.ttl)
	return token, nil
}

// Release drops the lock if token still owns it. Releasing an expired or
// foreign lock is a no-op.
func (l *Lock) Release(ctx context.Context, token string) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		slog.Warn("cycle lock was no longer owned at release", "key", l.key)
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
