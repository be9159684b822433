// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package bandwidth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLimiterReserveCountsByCategory(t *testing.T) {
	require := require.New(t)

	l := NewLimiter(Config{Disable: true}, zap.NewNop().Sugar())

	require.NoError(l.ReserveEgress(context.Background(), 1024, CategoryPiecePayload))
	require.NoError(l.ReserveIngress(context.Background(), 512, CategoryProtocol))

	counts := l.Counts()
	require.Equal(int64(1024), counts[CategoryPiecePayload])
	require.Equal(int64(512), counts[CategoryProtocol])
}

func TestLimiterRejectsOversizedReservation(t *testing.T) {
	require := require.New(t)

	l := NewLimiter(Config{
		EgressBitsPerSec: 8,
		TokenSize:        1,
	}, zap.NewNop().Sugar())

	err := l.ReserveEgress(context.Background(), 1<<30, CategoryPiecePayload)
	require.Error(err)
}

func TestLimiterContextCancellation(t *testing.T) {
	require := require.New(t)

	l := NewLimiter(Config{
		EgressBitsPerSec: 8,
		TokenSize:        1,
	}, zap.NewNop().Sugar())

	// Drain the 8-token bucket so the next reservation has to wait.
	require.NoError(l.ReserveEgress(context.Background(), 1, CategoryPiecePayload))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A reservation that would otherwise have to wait should respect
	// cancellation instead of blocking forever.
	require.Error(l.ReserveEgress(ctx, 1, CategoryPiecePayload))
}
