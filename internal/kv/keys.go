package kv

import "fmt"

// Key prefixes, one per entity in §3 of SPEC_FULL.md.
const (
	prefixNode  = "nd/"
	prefixHB    = "hb/"
	prefixNDLQ  = "ndlq/"
	prefixTBLQ  = "tblq/"
	prefixNotif = "nt/"
	prefixRec   = "rc/"
)

// tsWidth is wide enough for any int64 nanosecond timestamp; zero-padding
// keeps lexicographic and numeric order identical.
const tsWidth = 20

func ndKey(nodeID string) string {
	return prefixNode + nodeID
}

func hbKey(ts uint64, nodeID string) string {
	return fmt.Sprintf("%s%0*d/%s", prefixHB, tsWidth, ts, nodeID)
}

func hbScanStart(minTS uint64) string {
	return fmt.Sprintf("%s%0*d", prefixHB, tsWidth, minTS)
}

func ndlqKey(nodeID, lqID string) string {
	return fmt.Sprintf("%s%s/%s", prefixNDLQ, nodeID, lqID)
}

func ndlqPrefix(nodeID string) string {
	return fmt.Sprintf("%s%s/", prefixNDLQ, nodeID)
}

func tblqKey(ns, db, tb, lqID string) string {
	return fmt.Sprintf("%s%s/%s/%s/%s", prefixTBLQ, ns, db, tb, lqID)
}

func tblqPrefix(ns, db, tb string) string {
	return fmt.Sprintf("%s%s/%s/%s/", prefixTBLQ, ns, db, tb)
}

func notifKey(ns, db, tb, lqID, notifID string) string {
	return fmt.Sprintf("%s%s/%s/%s/%s/%s", prefixNotif, ns, db, tb, lqID, notifID)
}

func notifLQPrefix(ns, db, tb, lqID string) string {
	return fmt.Sprintf("%s%s/%s/%s/%s/", prefixNotif, ns, db, tb, lqID)
}

func recordKey(ns, db, tb, recordID string) string {
	return fmt.Sprintf("%s%s/%s/%s/%s", prefixRec, ns, db, tb, recordID)
}
