package fulfillment

import (
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/enrollment_backend/entitlement"
)

var (
	ErrSubjectNotFound  = errors.New("no subject with that email")
	ErrAmbiguousSubject = errors.New("more than one subject with that email")
)

// SubjectIndex finds subjects by email over one store scan.
type SubjectIndex struct {
	byEmail map[string][]entitlement.SubjectKey
}

func NewSubjectIndex(records []entitlement.Record) *SubjectIndex {
	idx := &SubjectIndex{byEmail: make(map[string][]entitlement.SubjectKey)}
	for _, rec := range records {
		email := normalizeEmail(rec.Email)
		if email == "" && strings.Contains(rec.Key.RowKey, "@") {
			email = normalizeEmail(rec.Key.RowKey)
		}
		if email == "" {
			continue
		}
		idx.byEmail[email] = append(idx.byEmail[email], rec.Key)
	}
	return idx
}

func (i *SubjectIndex) Lookup(email string) (entitlement.SubjectKey, error) {
	email = normalizeEmail(email)
	keys := i.byEmail[email]
	switch len(keys) {
	case 0:
		return entitlement.SubjectKey{}, fmt.Errorf("%w: %s", ErrSubjectNotFound, email)
	case 1:
		return keys[0], nil
	default:
		return entitlement.SubjectKey{}, fmt.Errorf("%w: %s (%d subjects)", ErrAmbiguousSubject, email, len(keys))
	}
}

func (i *SubjectIndex) Len() int {
	return len(i.byEmail)
}

func normalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
