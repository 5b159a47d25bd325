package bus

// Subjects for events emitted by the execution core. Schedule, slice
// and breach subjects are suffixed with the order symbol at publish
// time.
const (
	SubjectScheduleCreated   = "executions.schedule.created"
	SubjectScheduleCompleted = "executions.schedule.completed"
	SubjectScheduleCancelled = "executions.schedule.cancelled"
	SubjectScheduleFailed    = "executions.schedule.failed"
	SubjectScheduleTimedOut  = "executions.schedule.timed_out"
	SubjectSliceDispatched   = "executions.slice.dispatched"
	SubjectSliceCompleted    = "executions.slice.completed"
	SubjectScoresUpdated     = "executions.venue.scores_updated"
	SubjectBreachSlippage    = "executions.breach.slippage"
	SubjectBreachLatency     = "executions.breach.latency"
	SubjectBreachCost        = "executions.breach.cost"
)

// Publisher is the outbound event surface of the execution core. The
// core publishes JSON-encodable payloads; consumers (telemetry, human
// oversight) live outside this repository.
type Publisher interface {
	Publish(subject string, payload interface{}) error
	Close()
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) error { return nil }
func (nopPublisher) Close()                            {}

// Nop returns a publisher that discards every event. Used in tests and
// when no broker is configured.
func Nop() Publisher { return nopPublisher{} }
