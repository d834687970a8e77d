package config

type WorkerKeyStruct struct {
	PersistSessionsQueue string
	PersistAnswersQueue  string
	PersistEventsQueue   string
	PersistResultsQueue  string
}

var WorkerKey = &WorkerKeyStruct{
	PersistSessionsQueue: "persist_sessions_queue",
	PersistAnswersQueue:  "persist_answers_queue",
	PersistEventsQueue:   "persist_events_queue",
	PersistResultsQueue:  "persist_results_queue",
}
