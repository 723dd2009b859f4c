/*
 *	Copyright 2026 The Pokemon One-Shot Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package oneshot

import (
	"github.com/gomlx/gomlx/backends"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var testBackend backends.Backend

// getTestBackend returns a backend shared by all tests in the package.
func getTestBackend() backends.Backend {
	if testBackend == nil {
		testBackend = backends.MustNew()
	}
	return testBackend
}
