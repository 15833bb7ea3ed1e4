package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"docqa/pkg/domain"
)

const migrateLockID int64 = 51902217

// GormStore implements Store using GORM over PostgreSQL or MySQL.
type GormStore struct {
	db     *gorm.DB
	driver string
}

// NewGormStore opens the DB for driver ("postgres" or "mysql") and runs
// auto-migrations.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "postgres"
	}
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", driver)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &GormStore{db: db, driver: driver}
	if err := s.withMigrationLock(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &DocumentModel{}, &QuestionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection so the pgvector index can share it.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Driver reports the configured SQL dialect.
func (s *GormStore) Driver() string {
	return s.driver
}

// withMigrationLock serializes migrations across replicas. MySQL has no
// session advisory lock we rely on, so it migrates unguarded.
func (s *GormStore) withMigrationLock(fn func(*gorm.DB) error) error {
	if s.driver != "postgres" {
		return fn(s.db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(s.db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateUser inserts a new user; a taken email yields ErrConflict.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: email %s", ErrConflict, u.Email)
		}
		return err
	}
	return nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateDocument inserts a document row. The unique (user, file name) index
// turns a concurrent first upload of the same file into ErrConflict.
func (s *GormStore) CreateDocument(ctx context.Context, d domain.Document) error {
	model := documentToModel(d)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: document %s", ErrConflict, d.FileName)
		}
		return err
	}
	return nil
}

// SaveDocument inserts or replaces a document row.
func (s *GormStore) SaveDocument(ctx context.Context, d domain.Document) error {
	model := documentToModel(d)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"file_name", "blob_url", "index_name", "upload_date", "status", "error_message", "file_size", "updated_at"}),
	}).Create(&model).Error
}

// GetDocument fetches one document of a user.
func (s *GormStore) GetDocument(ctx context.Context, userID, id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ? AND id = ?", userID, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// FindDocumentByFileName returns the user's document with the given file name.
func (s *GormStore) FindDocumentByFileName(ctx context.Context, userID, fileName string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND file_name = ?", userID, fileName).
		Order("upload_date DESC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocuments returns a user's documents in no particular order.
func (s *GormStore) ListDocuments(ctx context.Context, userID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&models).Error; err != nil {
		return nil, err
	}
	return documentsFromModels(models), nil
}

// ListStaleDocuments returns documents of every user stuck in status since
// before updatedBefore.
func (s *GormStore) ListStaleDocuments(ctx context.Context, status domain.DocumentStatus, updatedBefore time.Time) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(status), updatedBefore.UTC()).
		Order("updated_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return documentsFromModels(models), nil
}

// SetDocumentStatus updates status and error message.
func (s *GormStore) SetDocumentStatus(ctx context.Context, userID, id string, status domain.DocumentStatus, errMsg string) error {
	return s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("user_id = ? AND id = ?", userID, id).
		Updates(map[string]any{
			"status":        string(status),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// SetDocumentSize records the blob size of a document.
func (s *GormStore) SetDocumentSize(ctx context.Context, userID, id string, size int64) error {
	return s.db.WithContext(ctx).Model(&DocumentModel{}).
		Where("user_id = ? AND id = ?", userID, id).
		Update("file_size", size).Error
}

// DeleteDocument removes a document row and reports whether it existed.
func (s *GormStore) DeleteDocument(ctx context.Context, userID, id string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&DocumentModel{}, "user_id = ? AND id = ?", userID, id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SaveQuestion inserts a history entry.
func (s *GormStore) SaveQuestion(ctx context.Context, q domain.Question) error {
	model := questionToModel(q)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetQuestion fetches one history entry of a user.
func (s *GormStore) GetQuestion(ctx context.Context, userID, id string) (domain.Question, bool, error) {
	var model QuestionModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ? AND id = ?", userID, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Question{}, false, nil
		}
		return domain.Question{}, false, err
	}
	return questionFromModel(model), true, nil
}

// ListQuestions returns a user's history entries in no particular order.
func (s *GormStore) ListQuestions(ctx context.Context, userID string) ([]domain.Question, error) {
	var models []QuestionModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Question, 0, len(models))
	for _, m := range models {
		items = append(items, questionFromModel(m))
	}
	return items, nil
}

// DeleteQuestion removes one history entry and reports whether it existed.
func (s *GormStore) DeleteQuestion(ctx context.Context, userID, id string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&QuestionModel{}, "user_id = ? AND id = ?", userID, id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		UserID:       d.UserID,
		ID:           d.ID,
		FileName:     d.FileName,
		BlobURL:      d.BlobURL,
		IndexName:    d.IndexName,
		UploadDate:   d.UploadDate.UTC(),
		Status:       string(d.Status),
		ErrorMessage: d.ErrorMessage,
		FileSize:     d.FileSize,
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:           m.ID,
		UserID:       m.UserID,
		FileName:     m.FileName,
		BlobURL:      m.BlobURL,
		IndexName:    m.IndexName,
		UploadDate:   m.UploadDate.UTC(),
		Status:       domain.DocumentStatus(m.Status),
		ErrorMessage: m.ErrorMessage,
		FileSize:     m.FileSize,
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}

func documentsFromModels(models []DocumentModel) []domain.Document {
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res
}

func questionToModel(q domain.Question) QuestionModel {
	model := QuestionModel{
		UserID:   q.UserID,
		ID:       q.ID,
		FileName: q.FileName,
		Question: q.Question,
		Answer:   q.Answer,
	}
	if !q.AskedAt.IsZero() {
		askedAt := q.AskedAt.UTC()
		model.AskedAt = &askedAt
	}
	return model
}

func questionFromModel(m QuestionModel) domain.Question {
	q := domain.Question{
		ID:       m.ID,
		UserID:   m.UserID,
		FileName: m.FileName,
		Question: m.Question,
		Answer:   m.Answer,
	}
	if m.AskedAt != nil {
		q.AskedAt = m.AskedAt.UTC()
	}
	return q
}
