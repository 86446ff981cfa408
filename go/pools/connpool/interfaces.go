// Copyright 2026 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package connpool provides a minimal pool of connection entries built by a
// Factory. Borrowers hand entries back with Recycle, or Taint them when the
// connection must not be reused.
package connpool

import "context"

// Connection represents a pooled database connection.
type Connection interface {
	// IsClosed returns true if the connection has been closed or broken.
	IsClosed() bool

	// Activate prepares an idle connection to be lent out again.
	Activate()

	// Destroy physically closes the connection. The pool calls it exactly
	// once, when the entry leaves the pool for good.
	Destroy() error
}

// Factory builds new entries for a pool.
type Factory[C Connection] interface {
	CreateEntry(ctx context.Context) (*Pooled[C], error)
}
