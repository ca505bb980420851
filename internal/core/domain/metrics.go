package domain

import "time"

type CallStats struct {
	CallsStarted         int64               `json:"calls_started"`
	CallsAccepted        int64               `json:"calls_accepted"`
	CallsConnected       int64               `json:"calls_connected"`
	CallsEnded           map[EndReason]int64 `json:"calls_ended"`
	CandidatesSent       int64               `json:"candidates_sent"`
	CandidateSendErrors  int64               `json:"candidate_send_errors"`
	CandidatesApplied    int64               `json:"candidates_applied"`
	IncomingSurfaced     int64               `json:"incoming_surfaced"`
	AverageSetupDuration time.Duration       `json:"average_setup_duration"`
	Timestamp            time.Time           `json:"timestamp"`
}
