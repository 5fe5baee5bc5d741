package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"dkls-node/internal/config"
	"dkls-node/internal/keyshare"
	"dkls-node/internal/logger"
	"dkls-node/internal/storage/models"
)

// ErrNotFound is returned when a key or share is not stored on this node.
var ErrNotFound = errors.New("storage: not found")

// keyNamespace derives stable UUIDs from DKG key ids.
var keyNamespace = uuid.MustParse("6f1d7c2e-3b0a-5e8f-9a4d-2c6b1e0f7a35")

// KeyUUID returns the record id of the key agreed as keyID in DKG.
func KeyUUID(keyID [32]byte) uuid.UUID {
	return uuid.NewSHA1(keyNamespace, keyID[:])
}

// Store persists key shares.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(cfg config.DBConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
			cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, cfg.SSLMode, cfg.TimeZone)
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Log.Infof("Database connection successfully established (%s).", cfg.Type)
	return New(db)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&models.KeyData{}, &models.KeyShare{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	logger.Log.Debug("Database schema migrated.")
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveKeyShares stores the shares of one key, creating the key record on
// first use. A share already stored for the same party is replaced.
func (s *Store) SaveKeyShares(shares ...*keyshare.KeyShare) (*models.KeyData, error) {
	if len(shares) == 0 {
		return nil, errors.New("no key shares to save")
	}
	first := shares[0]
	for _, ks := range shares[1:] {
		if ks.KeyID != first.KeyID {
			return nil, errors.New("key shares belong to different keys")
		}
	}

	record := keyRecord(first)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			return fmt.Errorf("failed to create key record: %w", err)
		}
		for _, ks := range shares {
			blob, err := keyshare.Export(ks)
			if err != nil {
				return fmt.Errorf("failed to export share of party %d: %w", ks.PartyID, err)
			}
			row := models.KeyShare{KeyDataID: record.KeyID, PartyID: int(ks.PartyID), ShareData: blob}
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key_data_id"}, {Name: "party_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"share_data", "updated_at"}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("failed to store share of party %d: %w", ks.PartyID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetKey(record.KeyID)
}

// GetKey loads a key record with its locally stored shares.
func (s *Store) GetKey(id uuid.UUID) (*models.KeyData, error) {
	var record models.KeyData
	err := s.db.Preload("Shares", orderByParty).First(&record, "key_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("key %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find key %s: %w", id, err)
	}
	return &record, nil
}

func orderByParty(db *gorm.DB) *gorm.DB {
	return db.Order("party_id")
}

// ListKeys returns every key record, newest first.
func (s *Store) ListKeys() ([]models.KeyData, error) {
	var records []models.KeyData
	if err := s.db.Preload("Shares", orderByParty).Order("created_at desc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return records, nil
}

// LoadKeyShare imports the share party partyID holds of key id.
func (s *Store) LoadKeyShare(id uuid.UUID, partyID int) (*keyshare.KeyShare, error) {
	var row models.KeyShare
	err := s.db.First(&row, "key_data_id = ? AND party_id = ?", id, partyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("share %d of key %s: %w", partyID, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load share %d of key %s: %w", partyID, id, err)
	}
	return keyshare.Import(row.ShareData)
}

// LoadKeyShares imports every share of key id stored on this node, ordered
// by party id.
func (s *Store) LoadKeyShares(id uuid.UUID) ([]*keyshare.KeyShare, error) {
	record, err := s.GetKey(id)
	if err != nil {
		return nil, err
	}
	out := make([]*keyshare.KeyShare, 0, len(record.Shares))
	for _, row := range record.Shares {
		ks, err := keyshare.Import(row.ShareData)
		if err != nil {
			return nil, fmt.Errorf("share %d of key %s: %w", row.PartyID, id, err)
		}
		out = append(out, ks)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartyID < out[j].PartyID })
	return out, nil
}

// ParseRanks decodes KeyData.Ranks.
func ParseRanks(s string) ([]uint8, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint8, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid rank %q: %w", p, err)
		}
		out[i] = uint8(v)
	}
	return out, nil
}

func keyRecord(ks *keyshare.KeyShare) models.KeyData {
	ranks := make([]string, len(ks.Ranks))
	for i, r := range ks.Ranks {
		ranks[i] = strconv.Itoa(int(r))
	}
	return models.KeyData{
		KeyID:     KeyUUID(ks.KeyID),
		DKGKeyID:  hex.EncodeToString(ks.KeyID[:]),
		PublicKey: hex.EncodeToString(ks.PublicKey[:]),
		ChainCode: hex.EncodeToString(ks.ChainCode[:]),
		Ranks:     strings.Join(ranks, ","),
		Threshold: int(ks.Threshold),
		Total:     ks.Total(),
	}
}

