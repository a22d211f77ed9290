/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package notify delivers canary state-change notifications.
package notify

import (
	"context"

	"github.com/coal-mine/coal-mine/internal/store"
)

// Kind is the class of notification being sent.
type Kind string

const (
	// KindLate means the canary missed its deadline.
	KindLate Kind = "late"
	// KindRecovered means a late canary reported again.
	KindRecovered Kind = "recovered"
)

// Notifier sends a notification about a canary. Implementations must
// tolerate being called from the deadline engine's timer goroutine;
// slow transports should queue internally.
type Notifier interface {
	Notify(ctx context.Context, c *store.Canary, kind Kind) error
}

// Nop is a Notifier that discards everything.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, *store.Canary, Kind) error { return nil }
