// Copyright 2025 Blink Labs Software
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

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionString(t *testing.T) {
	oldVersion, oldCommit := Version, CommitHash
	t.Cleanup(func() {
		Version, CommitHash = oldVersion, oldCommit
	})
	Version, CommitHash = "", "abc1234"
	assert.Equal(t, "devel (commit abc1234)", GetVersionString())
	Version = "v0.3.0"
	assert.Equal(t, "v0.3.0 (commit abc1234)", GetVersionString())
}
