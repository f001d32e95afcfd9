package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "feedbot/pkg/logx"
)

// fileStore keeps state in JSON files next to Config.Path.
//
// Files:
//   - <prefix>.deliveries.jsonl    (append-only JSON Lines)
//   - <prefix>.seen.snapshot.json  (compacted seen set)
//   - <prefix>.seen.journal.jsonl  (append-only journal)
//   - <prefix>.dedup.snapshot.json
//   - <prefix>.dedup.journal.jsonl
//
// Journals are periodically compacted into their snapshot.
type fileStore struct {
	log       logx.Logger
	retention time.Duration

	mu sync.Mutex

	deliveryFile *os.File

	seen       map[string]map[string]int64 // feed -> guid -> unix milli
	seenSnap   string
	seenJrnl   *os.File
	seenWrites int

	dedup       map[string]int64 // unix milli
	dedupSnap   string
	dedupJrnl   *os.File
	dedupWrites int
}

type seenRecord struct {
	Feed string `json:"feed"`
	GUID string `json:"guid"`
	At   int64  `json:"at"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		retention: cfg.retention(),
		seen:      map[string]map[string]int64{},
		seenSnap:  prefix + ".seen.snapshot.json",
		dedup:     map[string]int64{},
		dedupSnap: prefix + ".dedup.snapshot.json",
	}

	if err := loadSnapshot(s.seenSnap, &s.seen); err != nil || s.seen == nil {
		s.seen = map[string]map[string]int64{}
	}
	if err := replayJournal(prefix+".seen.journal.jsonl", func(r seenRecord) {
		if r.Feed != "" && r.GUID != "" {
			markIn(s.seen, r.Feed, []string{r.GUID}, r.At)
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("seen journal replay failed", logx.Err(err))
	}
	pruneSeen(s.seen, time.Now().Add(-s.retention).UnixMilli())

	if err := loadSnapshot(s.dedupSnap, &s.dedup); err != nil || s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	if err := replayJournal(prefix+".dedup.journal.jsonl", func(r dedupRecord) {
		if r.Key != "" {
			s.dedup[r.Key] = r.Until
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup journal replay failed", logx.Err(err))
	}
	pruneExpiredDedup(s.dedup)

	var err error
	if s.deliveryFile, err = openAppend(prefix + ".deliveries.jsonl"); err != nil {
		return nil, err
	}
	if s.seenJrnl, err = openAppend(prefix + ".seen.journal.jsonl"); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.dedupJrnl, err = openAppend(prefix + ".dedup.journal.jsonl"); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.deliveryFile, &s.seenJrnl, &s.dedupJrnl} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) KnownFeed(_ context.Context, feedID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen[feedID]) > 0, nil
}

func (s *fileStore) Unseen(_ context.Context, feedID string, guids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unseenIn(s.seen[feedID], guids), nil
}

func (s *fileStore) MarkSeen(_ context.Context, feedID string, guids []string, at time.Time) error {
	if feedID == "" || len(guids) == 0 {
		return nil
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenJrnl == nil {
		return errors.New("seen journal closed")
	}
	markIn(s.seen, feedID, guids, ms)

	enc := json.NewEncoder(s.seenJrnl)
	for _, g := range guids {
		if g == "" {
			continue
		}
		if err := enc.Encode(seenRecord{Feed: feedID, GUID: g, At: ms}); err != nil {
			return err
		}
		s.seenWrites++
	}
	if s.seenWrites >= compactEvery {
		s.seenWrites = 0
		pruneSeen(s.seen, time.Now().Add(-s.retention).UnixMilli())
		if err := compact(s.seenSnap, s.seenJrnl, s.seen); err != nil {
			s.log.Debug("seen compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) AppendDelivery(_ context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return errors.New("delivery file closed")
	}
	return json.NewEncoder(s.deliveryFile).Encode(r)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJrnl == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJrnl).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%compactEvery == 0 {
		pruneExpiredDedup(s.dedup)
		if err := compact(s.dedupSnap, s.dedupJrnl, s.dedup); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// compact writes v as the new snapshot and truncates the journal.
func compact(snapPath string, journal *os.File, v any) error {
	tmp := snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, snapPath); err != nil {
		return err
	}
	if err := journal.Truncate(0); err != nil {
		return err
	}
	_, err = journal.Seek(0, 2)
	return err
}

func loadSnapshot[T any](path string, out *T) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func replayJournal[T any](path string, apply func(T)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r T
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		apply(r)
	}
	return sc.Err()
}

func pruneSeen(m map[string]map[string]int64, before int64) {
	for feed, guids := range m {
		for g, at := range guids {
			if at < before {
				delete(guids, g)
			}
		}
		if len(guids) == 0 {
			delete(m, feed)
		}
	}
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
