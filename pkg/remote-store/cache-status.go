package remotestore

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// No entry is stored under the requested key.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// An entry was stored, but its bytes could not be used.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"

	// An entry was stored, but it was expired.
	CacheStatusFwdStale CacheStatusFwdReason = "stale"
)

// CacheStatus renders the Cache-Status response header (RFC 9211) of entry reads.
type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("FlightCache; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
