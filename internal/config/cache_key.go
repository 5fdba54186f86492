package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionLedgerCountsKey returns the hash holding per-alert-type violation counts.
func (r *CacheKeyStruct) SessionLedgerCountsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:ledger:counts", sessionID)
}

// SessionLedgerFiredKey returns the hash holding per-alert-type last-fired unix millis.
func (r *CacheKeyStruct) SessionLedgerFiredKey(sessionID string) string {
	return fmt.Sprintf("session:%s:ledger:fired", sessionID)
}

// SessionLedgerRecentKey returns the list holding the recent-alert log (newest first).
func (r *CacheKeyStruct) SessionLedgerRecentKey(sessionID string) string {
	return fmt.Sprintf("session:%s:ledger:recent", sessionID)
}

// SessionChannel returns the Redis PubSub channel for one exam session.
func (r *CacheKeyStruct) SessionChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:events", sessionID)
}

// PaperMonitorChannel returns the Redis PubSub channel proctors watch for a paper.
func (r *CacheKeyStruct) PaperMonitorChannel(paperID string) string {
	return fmt.Sprintf("paper:%s:monitor", paperID)
}

var CacheKey = NewCacheKeyStruct()
