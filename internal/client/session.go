package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"quiz-sync-relay/internal/domain"
	"quiz-sync-relay/internal/merge"
)

// Session owns one identity's view of the class dataset on this device.
// OpenSession and Close bound its lifetime; every mutation is persisted.
type Session struct {
	store KVStore
	clock clockwork.Clock

	mu       sync.Mutex
	username string
	dataset  *domain.ClassDataset
	closed   bool
}

// ImportResult describes what an import changed.
type ImportResult struct {
	Shape  merge.Shape
	Users  []string
	Report merge.Report
}

type SyncStatus string

const (
	SyncInSync      SyncStatus = "in sync"
	SyncLocalAhead  SyncStatus = "local ahead"
	SyncRemoteAhead SyncStatus = "remote ahead"
)

// SyncReport compares the local dataset with a peer snapshot.
type SyncReport struct {
	LocalAnswers  int        `json:"localAnswers"`
	LocalUsers    int        `json:"localUsers"`
	RemoteAnswers int        `json:"remoteAnswers"`
	RemoteUsers   int        `json:"remoteUsers"`
	Status        SyncStatus `json:"status"`
}

func OpenSession(ctx context.Context, store KVStore, username string, clock clockwork.Clock) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, domain.ErrNoUsername
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Session{store: store, clock: clock, username: username}

	dataset, err := s.loadDataset(ctx)
	if err != nil {
		return nil, err
	}
	s.dataset = dataset

	rec, ok := dataset.Users[username]
	if !ok || rec == nil {
		rec = domain.NewUserRecord(clock.Now())
		dataset.Users[username] = rec
	}
	rec.EnsureMaps()
	if rec.CurrentActivity == nil {
		rec.CurrentActivity = &domain.Activity{State: domain.ActivityIdle, LastUpdate: clock.Now().UnixMilli()}
	}

	if _, err := s.persistLocked(ctx, username); err != nil {
		return nil, err
	}
	if err := s.rememberIdentity(ctx); err != nil {
		return nil, err
	}

	log.Info().Str("username", username).Int("users", len(dataset.Users)).Msg("session opened")
	return s, nil
}

// loadDataset decodes stored class data user by user. Entries that are not
// user records are dropped from the live dataset and preserved under a
// classData_corrupt_<ms> key; an unreadable document is preserved whole.
func (s *Session) loadDataset(ctx context.Context) (*domain.ClassDataset, error) {
	raw, err := s.store.Get(ctx, KeyClassData)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return domain.NewClassDataset(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", KeyClassData, err)
	}

	var stored struct {
		Users map[string]json.RawMessage `json:"users"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		log.Error().Err(err).Msg("stored class data unreadable, starting fresh")
		if err := s.preserveCorrupt(ctx, raw); err != nil {
			return nil, err
		}
		return domain.NewClassDataset(), nil
	}

	now := s.clock.Now()
	dataset := domain.NewClassDataset()
	bad := make(map[string]json.RawMessage)
	for name, rawUser := range stored.Users {
		rec, problems := domain.DecodeUserRecord(rawUser, now)
		for _, p := range problems {
			log.Warn().Err(p).Str("username", name).Msg("dropped malformed entry in stored user record")
		}
		if rec == nil {
			log.Warn().Str("username", name).Msg("stored user record unreadable, skipping")
			bad[name] = rawUser
			continue
		}
		rec.EnsureMaps()
		dataset.Users[name] = rec
	}
	if len(bad) > 0 {
		data, err := json.Marshal(map[string]any{"users": bad})
		if err != nil {
			return nil, err
		}
		if err := s.preserveCorrupt(ctx, data); err != nil {
			return nil, err
		}
	}
	return dataset, nil
}

func (s *Session) preserveCorrupt(ctx context.Context, data []byte) error {
	key := fmt.Sprintf("%s_corrupt_%d", KeyClassData, s.clock.Now().UnixMilli())
	if err := s.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("preserve unreadable %s: %w", KeyClassData, err)
	}
	log.Warn().Str("backup_key", key).Msg("unreadable class data preserved")
	return nil
}

func (s *Session) rememberIdentity(ctx context.Context) error {
	names, err := RecentUsernames(ctx, s.store)
	if err != nil {
		log.Warn().Err(err).Msg("recent usernames unreadable, resetting")
		names = nil
	}
	if err := setJSON(ctx, s.store, KeyRecentUsernames, rememberUsername(names, s.username)); err != nil && !errors.Is(err, domain.ErrStorageQuota) {
		return err
	}
	if err := s.store.Set(ctx, KeyCurrentUsername, []byte(s.username)); err != nil && !errors.Is(err, domain.ErrStorageQuota) {
		return err
	}
	return nil
}

// persistLocked writes the dataset plus the answers and progress blobs of
// users. A quota failure is reported as a warning notice, not an error.
func (s *Session) persistLocked(ctx context.Context, users ...string) (*domain.Notice, error) {
	err := setJSON(ctx, s.store, KeyClassData, s.dataset)
	for _, name := range users {
		if err != nil {
			break
		}
		rec := s.dataset.Users[name]
		if rec == nil {
			continue
		}
		if err = setJSON(ctx, s.store, AnswersKey(name), rec.Answers); err != nil {
			break
		}
		err = setJSON(ctx, s.store, ProgressKey(name), rec.Progress)
	}
	if errors.Is(err, domain.ErrStorageQuota) {
		log.Warn().Err(err).Str("username", s.username).Msg("local storage full, changes kept in memory only")
		return &domain.Notice{
			Level:   domain.NoticeInfo,
			Message: "Local storage is full; recent changes are kept for this session only",
		}, nil
	}
	return nil, err
}

func (s *Session) Username() string {
	return s.username
}

// User returns a copy of name's record, or nil.
func (s *Session) User(name string) *domain.UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataset.Users[name].Clone()
}

// Usernames lists every user in the local dataset, sorted.
func (s *Session) Usernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.dataset.Users))
	for name := range s.dataset.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AnswerRecords returns the session user's answers as relay records,
// ordered by question id. Answers without a timestamp are skipped.
func (s *Session) AnswerRecords() []domain.AnswerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.dataset.Users[s.username]
	if rec == nil {
		return nil
	}
	out := make([]domain.AnswerRecord, 0, len(rec.Answers))
	for qid, a := range rec.Answers {
		ts := a.Timestamp
		if ts == 0 {
			ts = rec.Timestamps[qid]
		}
		if ts <= 0 {
			continue
		}
		out = append(out, domain.AnswerRecord{Username: s.username, QuestionID: qid, Value: a.Value, Timestamp: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

func (s *Session) current() (*domain.UserRecord, error) {
	if s.closed {
		return nil, domain.ErrSessionClosed
	}
	return s.dataset.Users[s.username], nil
}

// RecordAnswer stores the session user's answer and returns the record to
// submit to the relay.
func (s *Session) RecordAnswer(ctx context.Context, questionID, value, reason string) (domain.AnswerRecord, *domain.Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.current()
	if err != nil {
		return domain.AnswerRecord{}, nil, err
	}
	out := domain.AnswerRecord{
		Username:   s.username,
		QuestionID: questionID,
		Value:      value,
		Timestamp:  s.clock.Now().UnixMilli(),
	}
	if err := out.Validate(); err != nil {
		return domain.AnswerRecord{}, nil, err
	}

	rec.Answers[questionID] = domain.Answer{Value: value, Timestamp: out.Timestamp}
	rec.Timestamps[questionID] = out.Timestamp
	rec.Attempts[questionID]++
	if reason != "" {
		rec.Reasons[questionID] = reason
	}
	qid := questionID
	rec.CurrentActivity = &domain.Activity{State: domain.ActivitySubmitted, QuestionID: &qid, LastUpdate: out.Timestamp}

	notice, err := s.persistLocked(ctx, s.username)
	if err != nil {
		return domain.AnswerRecord{}, nil, err
	}
	return out, notice, nil
}

// SetProgress raises a progress metric; lower values are ignored.
func (s *Session) SetProgress(ctx context.Context, key string, value float64) (*domain.Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.current()
	if err != nil {
		return nil, err
	}
	if value <= rec.Progress[key] {
		return nil, nil
	}
	rec.Progress[key] = value
	return s.persistLocked(ctx, s.username)
}

// AwardBadge records a badge the first time it is earned.
func (s *Session) AwardBadge(ctx context.Context, badgeID string) (*domain.Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.current()
	if err != nil {
		return nil, err
	}
	if b, ok := rec.Badges[badgeID]; ok && b.EarnedAt > 0 {
		return nil, nil
	}
	rec.Badges[badgeID] = domain.Badge{EarnedAt: s.clock.Now().UnixMilli()}
	return s.persistLocked(ctx, s.username)
}

func (s *Session) SetActivity(ctx context.Context, state domain.ActivityState, questionID string) (*domain.Notice, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("unknown activity state %q", state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.current()
	if err != nil {
		return nil, err
	}
	activity := &domain.Activity{State: state, LastUpdate: s.clock.Now().UnixMilli()}
	if questionID != "" {
		activity.QuestionID = &questionID
	}
	rec.CurrentActivity = activity
	return s.persistLocked(ctx, s.username)
}

// mergeUserLocked decodes raw and folds it into name's local record.
func (s *Session) mergeUserLocked(name string, raw json.RawMessage) (merge.Report, error) {
	incoming, problems := domain.DecodeUserRecord(raw, s.clock.Now())
	for _, p := range problems {
		log.Warn().Err(p).Str("username", name).Msg("skipped malformed entry in imported record")
	}
	if incoming == nil {
		return merge.Report{}, fmt.Errorf("%w: %s", domain.ErrMalformedRecord, name)
	}
	merged, rep := merge.Merge(s.dataset.Users[name], incoming)
	rep.Skipped += len(problems)
	merged.EnsureMaps()
	s.dataset.Users[name] = merged
	return rep, nil
}

// Import merges a backup document into the local dataset. When target is
// set only that user is restored and a backup without them is a failure.
func (s *Session) Import(ctx context.Context, data []byte, target string) (ImportResult, domain.Notice) {
	doc, err := merge.Parse(data)
	if err != nil {
		log.Warn().Err(err).Msg("import rejected")
		return ImportResult{}, domain.Notice{Level: domain.NoticeFailure, Message: "Unrecognized backup file: " + err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ImportResult{}, domain.Notice{Level: domain.NoticeFailure, Message: domain.ErrSessionClosed.Error()}
	}

	res := ImportResult{Shape: doc.Shape()}
	raws := make(map[string]json.RawMessage)

	switch d := doc.(type) {
	case merge.PersonalBackup:
		raws[d.Username] = d.Record
	case merge.MasterBackup:
		for name, raw := range d.Users {
			raws[name] = raw
		}
	case merge.LegacyRaw:
		name := d.Username
		if name == "" {
			name = target
		}
		if name == "" {
			name = s.username
		}
		raws[name] = d.Record()
	default:
		return ImportResult{}, domain.Notice{Level: domain.NoticeFailure, Message: domain.ErrUnrecognizedImport.Error()}
	}

	names := make([]string, 0, len(raws))
	if target != "" {
		if _, ok := raws[target]; !ok {
			log.Warn().Str("target", target).Str("shape", res.Shape.String()).Msg("restore target missing from backup")
			return res, domain.Notice{Level: domain.NoticeFailure, Message: fmt.Sprintf("%s: %s", domain.ErrUserNotInBackup, target)}
		}
		names = append(names, target)
	} else {
		for name := range raws {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	for _, name := range names {
		rep, err := s.mergeUserLocked(name, raws[name])
		if err != nil {
			log.Warn().Err(err).Msg("skipped user in import")
			res.Report.Skipped++
			continue
		}
		res.Users = append(res.Users, name)
		res.Report.AnswersUpdated += rep.AnswersUpdated
		res.Report.AttemptsUpdated += rep.AttemptsUpdated
		res.Report.ProgressUpdated += rep.ProgressUpdated
		res.Report.BadgesUpdated += rep.BadgesUpdated
		res.Report.Skipped += rep.Skipped
	}
	if len(res.Users) == 0 {
		return res, domain.Notice{Level: domain.NoticeFailure, Message: "No usable user data found in backup"}
	}

	notice, err := s.persistLocked(ctx, res.Users...)
	if err != nil {
		log.Error().Err(err).Msg("persist after import failed")
		return res, domain.Notice{Level: domain.NoticeFailure, Message: "Import merged but could not be saved: " + err.Error()}
	}
	if notice != nil {
		return res, *notice
	}

	log.Info().
		Str("shape", res.Shape.String()).
		Int("users", len(res.Users)).
		Int("answers_updated", res.Report.AnswersUpdated).
		Int("skipped", res.Report.Skipped).
		Msg("import merged")
	return res, domain.Notice{
		Level:   domain.NoticeSuccess,
		Message: fmt.Sprintf("Imported %d user(s), %d answer(s) updated", len(res.Users), res.Report.AnswersUpdated),
	}
}

// ApplyPeerRecords merges answers pulled from the relay into every user
// other than the session's own, returning how many answers changed.
func (s *Session) ApplyPeerRecords(ctx context.Context, recs []domain.AnswerRecord) (int, *domain.Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, domain.ErrSessionClosed
	}

	byUser := make(map[string]*domain.UserRecord)
	for _, r := range recs {
		if r.Username == s.username {
			continue
		}
		if err := r.Validate(); err != nil {
			log.Debug().Err(err).Msg("dropping peer record")
			continue
		}
		in, ok := byUser[r.Username]
		if !ok {
			in = &domain.UserRecord{}
			in.EnsureMaps()
			byUser[r.Username] = in
		}
		if prev, ok := in.Answers[r.QuestionID]; ok && prev.Timestamp > r.Timestamp {
			continue
		}
		in.Answers[r.QuestionID] = domain.Answer{Value: r.Value, Timestamp: r.Timestamp}
		in.Timestamps[r.QuestionID] = r.Timestamp
	}

	updated := 0
	touched := make([]string, 0, len(byUser))
	for name, in := range byUser {
		merged, rep := merge.Merge(s.dataset.Users[name], in)
		changed := rep.AnswersUpdated
		if merged == in {
			changed = len(in.Answers)
		}
		if changed == 0 {
			continue
		}
		merged.EnsureMaps()
		s.dataset.Users[name] = merged
		touched = append(touched, name)
		updated += changed
	}
	if len(touched) == 0 {
		return 0, nil, nil
	}
	sort.Strings(touched)

	notice, err := s.persistLocked(ctx, touched...)
	if err != nil {
		return updated, nil, err
	}
	log.Debug().Int("users", len(touched)).Int("answers", updated).Msg("peer data merged")
	return updated, notice, nil
}

type personalExport struct {
	ExportTime string                        `json:"exportTime"`
	Username   string                        `json:"username"`
	Users      map[string]*domain.UserRecord `json:"users"`
}

type masterExport struct {
	Timestamp   string                     `json:"timestamp"`
	ExportType  string                     `json:"exportType"`
	ClassData   *domain.ClassDataset       `json:"classData"`
	AllAnswers  map[string]json.RawMessage `json:"allAnswers"`
	AllProgress map[string]json.RawMessage `json:"allProgress"`
}

// ExportPersonal renders the session user's record as a personal backup.
func (s *Session) ExportPersonal() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(personalExport{
		ExportTime: s.clock.Now().UTC().Format(time.RFC3339),
		Username:   s.username,
		Users:      map[string]*domain.UserRecord{s.username: s.dataset.Users[s.username]},
	}, "", "  ")
}

// ExportMaster renders the whole device state as a master backup.
func (s *Session) ExportMaster(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allAnswers, err := s.collectBlobs(ctx, answersKeyPrefix)
	if err != nil {
		return nil, err
	}
	allProgress, err := s.collectBlobs(ctx, progressKeyPrefix)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(masterExport{
		Timestamp:   s.clock.Now().UTC().Format(time.RFC3339),
		ExportType:  "master_database",
		ClassData:   s.dataset,
		AllAnswers:  allAnswers,
		AllProgress: allProgress,
	}, "", "  ")
}

func (s *Session) collectBlobs(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	keys, err := s.store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		if !json.Valid(raw) {
			log.Warn().Str("key", key).Msg("skipping unreadable blob in export")
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = raw
	}
	return out, nil
}

// Diagnostics compares local answer counts with a relay snapshot.
func (s *Session) Diagnostics(remote []domain.AnswerRecord) SyncReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := SyncReport{}
	for _, rec := range s.dataset.Users {
		if rec == nil || len(rec.Answers) == 0 {
			continue
		}
		rep.LocalUsers++
		rep.LocalAnswers += len(rec.Answers)
	}
	remoteUsers := make(map[string]struct{})
	for _, r := range remote {
		remoteUsers[r.Username] = struct{}{}
	}
	rep.RemoteAnswers = len(remote)
	rep.RemoteUsers = len(remoteUsers)
	switch {
	case rep.LocalAnswers > rep.RemoteAnswers:
		rep.Status = SyncLocalAhead
	case rep.LocalAnswers < rep.RemoteAnswers:
		rep.Status = SyncRemoteAhead
	default:
		rep.Status = SyncInSync
	}
	return rep
}

// Close marks the user idle and flushes state. The store is left open.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if rec := s.dataset.Users[s.username]; rec != nil {
		rec.CurrentActivity = &domain.Activity{State: domain.ActivityIdle, LastUpdate: s.clock.Now().UnixMilli()}
	}
	s.closed = true
	_, err := s.persistLocked(ctx, s.username)
	return err
}
