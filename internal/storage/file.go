package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"digestbot/internal/schedule"
	logx "digestbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend for small installs.
//
// Files:
//   - <prefix>.users.json  (snapshot, rewritten atomically on every change)
//   - <prefix>.runs.jsonl  (append-only; a finished run is appended again)
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	usersPath string
	users     map[string]User

	runsFile *os.File
	runsPath string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		now:       time.Now,
		usersPath: prefix + ".users.json",
		runsPath:  prefix + ".runs.jsonl",
		users:     map[string]User{},
	}
	if err := s.loadUsers(); err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.runsFile = rf
	return s, nil
}

func (s *fileStore) loadUsers() error {
	b, err := os.ReadFile(s.usersPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []User
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("decode %s: %w", s.usersPath, err)
	}
	for _, u := range list {
		s.users[u.ID] = u
	}
	return nil
}

// persistLocked writes the snapshot via temp file + rename.
func (s *fileStore) persistLocked() error {
	list := make([]User, 0, len(s.users))
	for _, u := range s.users {
		list = append(list, u)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.usersPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.usersPath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) ListCandidates(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if u.IsCandidate() {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (s *fileStore) UpsertUser(_ context.Context, u User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if prev, ok := s.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
		u.LastSentDate = prev.LastSentDate
	} else {
		if u.CreatedAt.IsZero() {
			u.CreatedAt = now
		}
		u.LastSentDate = canonicalLastSent(u.LastSentDate)
	}
	if u.SendFrequency == "" {
		u.SendFrequency = string(schedule.FrequencyDaily)
	}
	u.UpdatedAt = now
	s.users[u.ID] = u
	return s.persistLocked()
}

func (s *fileStore) MarkSent(_ context.Context, userID string, date schedule.Date) (bool, error) {
	if date.IsZero() {
		return false, errors.New("mark sent: zero date")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return false, ErrClosed
	}
	u, ok := s.users[userID]
	if !ok {
		return false, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if !markerAdvances(u.LastSentDate, date) {
		return false, nil
	}
	prev := u
	u.LastSentDate = date.String()
	u.UpdatedAt = s.now().UTC()
	s.users[userID] = u
	if err := s.persistLocked(); err != nil {
		s.users[userID] = prev
		return false, err
	}
	return true, nil
}

func (s *fileStore) appendRunLocked(r RunRecord) error {
	if s.runsFile == nil {
		return ErrClosed
	}
	if r.Results == nil {
		r.Results = []UserResult{}
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) CreateRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRunLocked(r)
}

func (s *fileStore) FinishRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendRunLocked(r)
}

// ListRuns folds the log by run ID; the last line for an ID wins.
func (s *fileStore) ListRuns(_ context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.runsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	byID := map[string]RunRecord{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			s.log.Debug("skipping malformed run line", logx.Err(err))
			continue
		}
		byID[r.ID] = r
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]RunRecord, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
