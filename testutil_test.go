package amqp

import "github.com/google/go-cmp/cmp"

// testDiff renders a human-readable diff between got and want for test
// failure messages.
func testDiff(got, want interface{}) string {
	return cmp.Diff(want, got)
}
