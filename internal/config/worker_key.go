package config

type WorkerKeyStruct struct {
	PersistIntegrityEventsQueue string
	PersistAuditQueue           string
	PersistQuestionStatsQueue   string
}

var WorkerKey = &WorkerKeyStruct{
	PersistIntegrityEventsQueue: "persist_integrity_events_queue",
	PersistAuditQueue:           "persist_audit_queue",
	PersistQuestionStatsQueue:   "persist_question_stats_queue",
}
