package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateUser = errors.New("email or username already in use")
)

type User struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	Username     string `gorm:"uniqueIndex;not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LessonProgress is one user's best recorded result for a lesson.
type LessonProgress struct {
	ID            uint           `gorm:"primaryKey"`
	UserID        string         `gorm:"type:uuid;not null;uniqueIndex:idx_user_lesson"`
	LessonID      string         `gorm:"not null;uniqueIndex:idx_user_lesson"`
	Mode          string         `gorm:"not null;default:NORMAL"`
	Star          int            `gorm:"not null;default:0"`
	Accuracy      float64        `gorm:"not null;default:0"`
	WPM           float64        `gorm:"not null;default:0"`
	FocusKeys     []string       `gorm:"serializer:json"`
	ErrorPatterns map[string]int `gorm:"serializer:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Store struct {
	db *gorm.DB
}

func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &LessonProgress{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle; used by tests.
func NewWithDB(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) CreateUser(ctx context.Context, u *User) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("email = ? OR username = ?", u.Email, u.Username).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateUser
	}
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ProgressInput carries a lesson result as reported by the client.
type ProgressInput struct {
	LessonID      string
	Mode          string
	Star          int
	Accuracy      float64
	WPM           float64
	FocusKeys     []string
	ErrorPatterns map[string]int
}

// SaveProgress upserts with keep-best semantics: performance fields only move
// forward, error patterns are always refreshed. The bool reports whether the
// stored performance improved.
func (s *Store) SaveProgress(ctx context.Context, userID string, in ProgressInput) (*LessonProgress, bool, error) {
	var existing LessonProgress
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND lesson_id = ?", userID, in.LessonID).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		mode := in.Mode
		if mode == "" {
			mode = "NORMAL"
		}
		p := LessonProgress{
			UserID:        userID,
			LessonID:      in.LessonID,
			Mode:          mode,
			Star:          in.Star,
			Accuracy:      in.Accuracy,
			WPM:           in.WPM,
			FocusKeys:     in.FocusKeys,
			ErrorPatterns: in.ErrorPatterns,
		}
		if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
			return nil, false, err
		}
		return &p, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	improved := in.Star > existing.Star ||
		in.Accuracy > existing.Accuracy ||
		in.WPM > existing.WPM

	if improved {
		existing.Star = max(existing.Star, in.Star)
		existing.Accuracy = max(existing.Accuracy, in.Accuracy)
		existing.WPM = max(existing.WPM, in.WPM)
		if len(in.FocusKeys) > 0 {
			existing.FocusKeys = in.FocusKeys
		}
	}
	if in.ErrorPatterns != nil {
		existing.ErrorPatterns = in.ErrorPatterns
	}
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, improved, nil
}

func (s *Store) GetProgress(ctx context.Context, userID, lessonID string) (*LessonProgress, error) {
	var p LessonProgress
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND lesson_id = ?", userID, lessonID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProgress returns a user's progress newest-first, optionally filtered by
// mode and a minimum star count.
func (s *Store) ListProgress(ctx context.Context, userID, mode string, minStars int) ([]LessonProgress, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if mode != "" {
		q = q.Where("mode = ?", mode)
	}
	if minStars > 0 {
		q = q.Where("star >= ?", minStars)
	}
	var out []LessonProgress
	if err := q.Order("updated_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteProgress(ctx context.Context, userID, lessonID string) error {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND lesson_id = ?", userID, lessonID).
		Delete(&LessonProgress{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ProgressStats aggregates a progress listing for the overview endpoint.
type ProgressStats struct {
	TotalLessons     int     `json:"totalLessons"`
	AverageAccuracy  float64 `json:"averageAccuracy"`
	AverageWPM       float64 `json:"averageWpm"`
	TotalStars       int     `json:"totalStars"`
	CompletedLessons int     `json:"completedLessons"`
}

func ComputeStats(progress []LessonProgress) ProgressStats {
	stats := ProgressStats{TotalLessons: len(progress)}
	if len(progress) == 0 {
		return stats
	}
	var accSum, wpmSum float64
	for _, p := range progress {
		accSum += p.Accuracy
		wpmSum += p.WPM
		stats.TotalStars += p.Star
		if p.Star >= 1 {
			stats.CompletedLessons++
		}
	}
	stats.AverageAccuracy = accSum / float64(len(progress))
	stats.AverageWPM = wpmSum / float64(len(progress))
	return stats
}
