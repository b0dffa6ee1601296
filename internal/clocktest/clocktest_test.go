// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package clocktest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerFiresOnAdvance(t *testing.T) {
	t.Parallel()
	clock := NewFakeClock()
	timer := clock.NewTimer(time.Second)
	select {
	case <-timer.Chan():
		t.Fatal("timer fired before the clock advanced")
	default:
	}
	clock.Advance(time.Second)
	select {
	case <-timer.Chan():
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire after the clock advanced")
	}
}

func TestAfterFuncRunsOnAdvance(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	clock := NewFakeClock()
	fired := make(chan struct{})
	clock.AfterFunc(2*time.Second, func() { close(fired) })
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)
	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("callback did not run after the clock advanced")
	}
}
