package aistream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFenceTracker_TogglesOnTripleBacktick(t *testing.T) {
	var f FenceTracker
	assert.False(t, f.Feed("plain text"))
	assert.True(t, f.Feed("```go\nfunc main() {}"))
	assert.False(t, f.Feed("\n```\ndone"))
}

func TestFenceTracker_MarkerSplitAcrossChunks(t *testing.T) {
	var f FenceTracker
	assert.False(t, f.Feed("here is code: `"))
	assert.False(t, f.Feed("`"))
	assert.True(t, f.Feed("`python"))
	assert.True(t, f.Feed("print(1)\n`"))
	assert.False(t, f.Feed("``"))
}

func TestFenceTracker_InlineCodeDoesNotToggle(t *testing.T) {
	var f FenceTracker
	assert.False(t, f.Feed("use `fmt.Println` and ``raw`` spans"))
	assert.False(t, f.Inside())
}

func TestFenceTracker_InterruptedRunResets(t *testing.T) {
	var f FenceTracker
	// the double backtick run is broken by x, so one backtick carries over
	assert.False(t, f.Feed("``x`"))
	assert.True(t, f.Feed("``x"))
	assert.False(t, f.Feed("```"))
}
