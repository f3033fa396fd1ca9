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

// Package context defines the refsync runtime context
package context

import (
	"net/http"

	"github.com/refsync/refsync/pkg/clock"
)

// RefsyncCtx is a context holding the information of the current runtime
type RefsyncCtx struct {
	APIEndpoint string
	APIKey      string
	Version     string
	HTTPClient  *http.Client
	Clock       clock.Clock
}

// Redact replaces private information from the context with placeholder
// values for safe logging.
func Redact(ctx RefsyncCtx) RefsyncCtx {
	if ctx.APIKey != "" {
		ctx.APIKey = "1"
	} else {
		ctx.APIKey = "0"
	}

	return ctx
}
