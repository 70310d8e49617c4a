package storage

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"tabchat/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketSession  = []byte("session")
	bucketSettings = []byte("settings")
)

const (
	settingPresence  = "presence_status"
	settingInvisible = "invisible_mode"
)

// BboltStorage persists the few things that must survive a process restart:
// the logged-in session and user preferences. Conversations are never
// persisted.
type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSession); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSettings); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func (s *BboltStorage) put(bucket []byte, item Storeable) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := item.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(item.Key(), data)
	})
}

// get loads the item stored under item.Key(). It returns models.ErrNotFound
// when nothing is stored.
func (s *BboltStorage) get(bucket []byte, item Storeable) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(item.Key())
		if data == nil {
			return models.ErrNotFound
		}
		return item.UnmarshalBinary(data)
	})
}

// GetSession returns the stored session or models.ErrNotFound.
func (s *BboltStorage) GetSession() (models.Session, error) {
	var dbSession DBSession
	if err := s.get(bucketSession, &dbSession); err != nil {
		return models.Session{}, err
	}
	return models.Session{
		UserID:   dbSession.UserID,
		Username: dbSession.Username,
		Role:     models.Role(dbSession.Role),
	}, nil
}

func (s *BboltStorage) SaveSession(session models.Session) error {
	if !session.Valid() {
		return fmt.Errorf("invalid session for user %q", session.Username)
	}
	return s.put(bucketSession, &DBSession{
		UserID:   session.UserID,
		Username: session.Username,
		Role:     string(session.Role),
		SavedAt:  s.now().Unix(),
	})
}

func (s *BboltStorage) ClearSession() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(sessionKey)
	})
}

func (s *BboltStorage) getSetting(name string) (string, error) {
	setting := DBSetting{Name: name}
	if err := s.get(bucketSettings, &setting); err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *BboltStorage) putSetting(name, value string) error {
	return s.put(bucketSettings, &DBSetting{
		Name:      name,
		Value:     value,
		UpdatedAt: s.now().Unix(),
	})
}

// LoadPresence returns the last status chosen by the user or
// models.ErrNotFound.
func (s *BboltStorage) LoadPresence() (models.PresenceStatus, error) {
	v, err := s.getSetting(settingPresence)
	if err != nil {
		return "", err
	}
	return models.PresenceStatus(v), nil
}

func (s *BboltStorage) SavePresence(status models.PresenceStatus) error {
	return s.putSetting(settingPresence, string(status))
}

// LoadInvisible reports the stored invisible-mode flag. Missing means false.
func (s *BboltStorage) LoadInvisible() (bool, error) {
	v, err := s.getSetting(settingInvisible)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}

func (s *BboltStorage) SaveInvisible(invisible bool) error {
	return s.putSetting(settingInvisible, strconv.FormatBool(invisible))
}
