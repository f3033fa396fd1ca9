/* Copyright 2025 Refsync Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package token generates per-request write tokens
package token

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/refsync/refsync/pkg/clock"
)

// New returns a 32-character lowercase hexadecimal write token derived from
// the current time and a random salt. Collisions are statistically avoided,
// not cryptographically defended against.
func New(c clock.Clock) string {
	seed := fmt.Sprintf("%d%s", c.Now().UnixNano(), uuid.NewString())
	sum := md5.Sum([]byte(seed))

	return hex.EncodeToString(sum[:])
}
