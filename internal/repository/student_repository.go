package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-discipline-api/internal/dto"
	"github.com/noah-isme/sma-discipline-api/internal/models"
)

// StudentRepository reads the student directory.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// Search matches active students by name or NIS for the participant picker.
func (r *StudentRepository) Search(ctx context.Context, term string, limit int) ([]dto.StudentSearchResult, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	query := fmt.Sprintf(`SELECT id, nis, full_name FROM students
WHERE active = TRUE AND (LOWER(full_name) LIKE $1 OR LOWER(nis) LIKE $1)
ORDER BY full_name ASC LIMIT %d`, limit)
	pattern := "%" + strings.ToLower(strings.TrimSpace(term)) + "%"
	var results []dto.StudentSearchResult
	if err := r.db.SelectContext(ctx, &results, query, pattern); err != nil {
		return nil, fmt.Errorf("search students: %w", err)
	}
	return results, nil
}

// FindByID fetches a student by id.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, nis, full_name, phone, active, created_at, updated_at FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}
