package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// CandidateSessionKey returns the cache key for a candidate's login session
func (r *CacheKeyStruct) CandidateSessionKey(candidateID int) string {
	return fmt.Sprintf("login:candidate:%d", candidateID)
}

// ExamSettingsKey returns the cache key for the parsed exam settings
func (r *CacheKeyStruct) ExamSettingsKey() string {
	return "exam:settings"
}

// ExamMonitorChannel returns the Redis PubSub channel name for the live monitor
func (r *CacheKeyStruct) ExamMonitorChannel() string {
	return "exam:monitor"
}

var CacheKey = NewCacheKeyStruct()
