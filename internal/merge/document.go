package merge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"quiz-sync-relay/internal/domain"
)

// Shape is the detected layout of an import document.
type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapePersonal is {username, users: {username: record}}.
	ShapePersonal
	// ShapeMaster carries many users under users, students or classData.users,
	// optionally with allAnswers/allProgress side maps.
	ShapeMaster
	// ShapeLegacyRaw is a bare {answers, progress} document for one user.
	ShapeLegacyRaw
)

func (s Shape) String() string {
	switch s {
	case ShapePersonal:
		return "personal"
	case ShapeMaster:
		return "master"
	case ShapeLegacyRaw:
		return "legacy"
	default:
		return "unknown"
	}
}

// Document is a parsed import file. Exactly one of the concrete types
// PersonalBackup, MasterBackup or LegacyRaw is returned by Parse.
type Document interface {
	Shape() Shape
}

type PersonalBackup struct {
	Username string
	Record   json.RawMessage
}

func (PersonalBackup) Shape() Shape { return ShapePersonal }

// MasterBackup maps usernames to their raw, not yet decoded, records.
type MasterBackup struct {
	Users map[string]json.RawMessage
}

func (MasterBackup) Shape() Shape { return ShapeMaster }

// Usernames returns the users in the backup in sorted order.
func (m MasterBackup) Usernames() []string {
	names := make([]string, 0, len(m.Users))
	for name := range m.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type LegacyRaw struct {
	Username string
	Answers  json.RawMessage
	Progress json.RawMessage
}

func (LegacyRaw) Shape() Shape { return ShapeLegacyRaw }

// Record assembles the legacy fields into a user record document.
func (l LegacyRaw) Record() json.RawMessage {
	return synthesizeRecord(l.Answers, l.Progress)
}

type rawDocument struct {
	Username    string                     `json:"username"`
	Answers     json.RawMessage            `json:"answers"`
	Progress    json.RawMessage            `json:"progress"`
	Users       map[string]json.RawMessage `json:"users"`
	Students    map[string]json.RawMessage `json:"students"`
	AllAnswers  map[string]json.RawMessage `json:"allAnswers"`
	AllProgress map[string]json.RawMessage `json:"allProgress"`
	ClassData   *struct {
		Users map[string]json.RawMessage `json:"users"`
	} `json:"classData"`
}

// DetectShape reports the shape of data without keeping the parsed document.
func DetectShape(data []byte) Shape {
	doc, err := Parse(data)
	if err != nil {
		return ShapeUnknown
	}
	return doc.Shape()
}

// Parse classifies an import file once so callers can switch on the result.
func Parse(data []byte) (Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", domain.ErrUnrecognizedImport)
	}
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnrecognizedImport, err)
	}

	users := raw.Users
	if users == nil {
		users = raw.Students
	}
	if users == nil && raw.ClassData != nil {
		users = raw.ClassData.Users
	}

	if users != nil {
		if raw.Username != "" && len(users) == 1 && raw.AllAnswers == nil {
			if record, ok := users[raw.Username]; ok {
				return PersonalBackup{Username: raw.Username, Record: record}, nil
			}
		}
		merged := make(map[string]json.RawMessage, len(users))
		for name, record := range users {
			merged[name] = record
		}
		for name, answers := range raw.AllAnswers {
			if _, ok := merged[name]; ok {
				continue
			}
			merged[name] = synthesizeRecord(answers, raw.AllProgress[name])
		}
		return MasterBackup{Users: merged}, nil
	}

	if raw.AllAnswers != nil {
		merged := make(map[string]json.RawMessage, len(raw.AllAnswers))
		for name, answers := range raw.AllAnswers {
			merged[name] = synthesizeRecord(answers, raw.AllProgress[name])
		}
		return MasterBackup{Users: merged}, nil
	}

	if len(raw.Answers) > 0 || len(raw.Progress) > 0 {
		return LegacyRaw{Username: raw.Username, Answers: raw.Answers, Progress: raw.Progress}, nil
	}

	return nil, domain.ErrUnrecognizedImport
}

func synthesizeRecord(answers, progress json.RawMessage) json.RawMessage {
	rec := struct {
		Answers  json.RawMessage `json:"answers,omitempty"`
		Progress json.RawMessage `json:"progress,omitempty"`
	}{Answers: nonNull(answers), Progress: nonNull(progress)}
	out, err := json.Marshal(rec)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

func nonNull(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
