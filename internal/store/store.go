// Package store persists accounts, device command mappings, and conversation
// history.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Account is a registered controller account with its synthesis preferences.
type Account struct {
	Account    string  `gorm:"primaryKey" json:"account"`
	Password   string  `json:"-"`
	VoiceID    string  `json:"voiceId"`
	SpeedRatio float64 `json:"speedRatio"`
}

// Command maps a spoken phrase to the opaque message relayed to the device.
type Command struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Account string `gorm:"index" json:"account"`
	Content string `json:"content"`
	Message string `json:"message"`
}

// Conversation is one completed turn: what was asked and what was answered.
type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Account   string    `gorm:"index" json:"account"`
	Ask       string    `json:"ask"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Account{}, &Command{}, &Conversation{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateAccount registers a new account.
func (s *Store) CreateAccount(a *Account) error {
	return s.db.Create(a).Error
}

// GetAccount looks up an account by id. Returns gorm.ErrRecordNotFound when
// the account does not exist.
func (s *Store) GetAccount(account string) (*Account, error) {
	var a Account
	if err := s.db.First(&a, "account = ?", account).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateVoiceParams persists an account's synthesis preferences. Returns
// gorm.ErrRecordNotFound when the account does not exist.
func (s *Store) UpdateVoiceParams(account, voiceID string, speedRatio float64) error {
	res := s.db.Model(&Account{}).Where("account = ?", account).
		Updates(map[string]any{"voice_id": voiceID, "speed_ratio": speedRatio})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListCommands returns the command mappings for an account.
func (s *Store) ListCommands(account string) ([]Command, error) {
	var cmds []Command
	if err := s.db.Where("account = ?", account).Find(&cmds).Error; err != nil {
		return nil, err
	}
	return cmds, nil
}

// SaveConversation appends one completed turn to the history.
func (s *Store) SaveConversation(account, ask, answer string) error {
	return s.db.Create(&Conversation{
		Account: account,
		Ask:     ask,
		Answer:  answer,
	}).Error
}

// ListConversations returns an account's history, newest first.
func (s *Store) ListConversations(account string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var convs []Conversation
	err := s.db.Where("account = ?", account).
		Order("created_at desc").Limit(limit).Find(&convs).Error
	if err != nil {
		return nil, err
	}
	return convs, nil
}
