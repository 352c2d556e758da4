package agent

import "time"

// Recorder receives control loop observations. internal/metrics implements it.
type Recorder interface {
	CycleCompleted(outcome Outcome, duration time.Duration)
	TickDropped()
	TokenAcquisition(outcome string)
	PingFailed()
	ReportFailed()
	CommandDispatched(status Status, duration time.Duration)
}

// NopRecorder discards observations
type NopRecorder struct{}

func (NopRecorder) CycleCompleted(Outcome, time.Duration)   {}
func (NopRecorder) TickDropped()                            {}
func (NopRecorder) TokenAcquisition(string)                 {}
func (NopRecorder) PingFailed()                             {}
func (NopRecorder) ReportFailed()                           {}
func (NopRecorder) CommandDispatched(Status, time.Duration) {}
