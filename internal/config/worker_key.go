package config

type WorkerKeyStruct struct {
	// ExpirySchedule is the sorted set of pending expiry jobs, scored by
	// fire time in unix milliseconds.
	ExpirySchedule string
	// ExpiryPayloads maps job id to the session id it finalizes.
	ExpiryPayloads string
}

var WorkerKey = &WorkerKeyStruct{
	ExpirySchedule: "expiry_schedule",
	ExpiryPayloads: "expiry_schedule_payloads",
}
