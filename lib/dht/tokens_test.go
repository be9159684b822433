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
package dht

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestTokenStoreIssueAndValidate(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	s := NewTokenStore(clk)

	token := s.Issue("10.0.0.1")
	require.True(s.Validate("10.0.0.1", token))
	require.False(s.Validate("10.0.0.2", token), "token must be bound to the issuing IP")
}

func TestTokenStoreAcceptsPreviousSecretAfterRotation(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	s := NewTokenStore(clk)

	token := s.Issue("10.0.0.1")
	clk.Add(TokenRotationInterval + time.Second)

	require.True(s.Validate("10.0.0.1", token), "a token issued just before rotation must still validate")
}

func TestTokenStoreRejectsAfterTwoRotations(t *testing.T) {
	require := require.New(t)

	clk := clock.NewMock()
	s := NewTokenStore(clk)

	token := s.Issue("10.0.0.1")
	clk.Add(TokenRotationInterval + time.Second)
	s.Issue("10.0.0.1") // Trigger the rotation check again so 'current' advances past 'previous'.
	clk.Add(TokenRotationInterval + time.Second)
	s.Issue("10.0.0.1")

	require.False(s.Validate("10.0.0.1", token), "a token from two rotations ago must no longer validate")
}
