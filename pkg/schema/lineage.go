package schema

import (
	"sync"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

const maxTransformationRecords = 50

// lineageLog keeps the most recent transformation records per schema,
// indexed under both the source and the target id.
type lineageLog struct {
	mu      sync.Mutex
	records map[string][]v1.TransformationRecord
}

func newLineageLog() *lineageLog {
	return &lineageLog{records: make(map[string][]v1.TransformationRecord)}
}

func (l *lineageLog) add(rec v1.TransformationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(rec.SourceSchemaID, rec)
	if rec.TargetSchemaID != rec.SourceSchemaID {
		l.appendLocked(rec.TargetSchemaID, rec)
	}
}

func (l *lineageLog) appendLocked(id string, rec v1.TransformationRecord) {
	list := append(l.records[id], rec)
	if len(list) > maxTransformationRecords {
		list = list[len(list)-maxTransformationRecords:]
	}
	l.records[id] = list
}

func (l *lineageLog) recent(id string) []v1.TransformationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]v1.TransformationRecord(nil), l.records[id]...)
}
