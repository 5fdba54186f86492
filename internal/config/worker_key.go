package config

type WorkerKeyStruct struct {
	PersistEventsQueue string
	PersistScoresQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistEventsQueue: "persist_events_queue",
	PersistScoresQueue: "persist_scores_queue",
}
