// Package emit provides event emission and observability for the
// scheduler main loop, adapted from the teacher's graph/emit package.
package emit

// Event is one task-lifecycle or broadcast observation emitted by the
// main loop. Ported from graph/emit.Event, re-keyed from
// run/step/node to cycle point/task name/submit number.
type Event struct {
	Point     string
	Name      string
	SubmitNum int
	Msg       string
	Meta      map[string]interface{}
}
