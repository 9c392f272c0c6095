package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateID is returned when creating a person whose ID already exists.
var ErrDuplicateID = errors.New("person id already exists")

// Person represents a registered identity with its face embedding.
// The embedding is the stored feature vector the recognition gallery loads;
// the pipeline treats it as read-only.
type Person struct {
	ID        string
	Name      string
	Embedding []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PersonRepository provides CRUD operations for persons.
type PersonRepository struct {
	db *sql.DB
}

// Persons returns the person repository for this store.
func (s *Store) Persons() *PersonRepository {
	return &PersonRepository{db: s.db}
}

// Create inserts a new person into the database.
func (r *PersonRepository) Create(p *Person) error {
	var exists int
	if err := r.db.QueryRow(`SELECT COUNT(1) FROM persons WHERE id = ?`, p.ID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return ErrDuplicateID
	}

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := r.db.Exec(
		`INSERT INTO persons (id, name, embedding, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Embedding, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetByID retrieves a person by ID.
func (r *PersonRepository) GetByID(id string) (*Person, error) {
	p := &Person{}

	err := r.db.QueryRow(
		`SELECT id, name, embedding, created_at, updated_at
		 FROM persons WHERE id = ?`,
		id,
	).Scan(&p.ID, &p.Name, &p.Embedding, &p.CreatedAt, &p.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// List retrieves all persons, newest first.
func (r *PersonRepository) List() ([]*Person, error) {
	rows, err := r.db.Query(
		`SELECT id, name, embedding, created_at, updated_at
		 FROM persons ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var persons []*Person
	for rows.Next() {
		p := &Person{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Embedding, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

// Delete removes a person by ID.
func (r *PersonRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM persons WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
