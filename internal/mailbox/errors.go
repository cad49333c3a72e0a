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

package mailbox

import (
	"context"
	"errors"
	"net"
	"os"
)

// Session-level failures. Any of these aborts the whole ingestion cycle.
var (
	ErrAuthentication = errors.New("mailbox authentication failed")
	ErrConnectivity   = errors.New("mailbox unreachable")
	ErrTimeout        = errors.New("mailbox operation timed out")
	ErrMailbox        = errors.New("mailbox folder unavailable")
	ErrSessionClosed  = errors.New("mailbox session closed")
)

// classifyDialError maps a dial/greeting failure onto the session taxonomy.
func classifyDialError(err error) error {
	if isTimeout(err) {
		return ErrTimeout
	}
	return ErrConnectivity
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
