package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"campusattend/internal/engine"
	"campusattend/internal/geo"
)

// Student is an enrolled student account.
type Student struct {
	ID           string     `json:"id"`
	StudentID    string     `json:"student_id"`
	Name         *string    `json:"name,omitempty"`
	FaceEnrolled bool       `json:"face_enrolled"`
	EnrolledAt   *time.Time `json:"enrolled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AttendanceRecord is a persisted decision. Vetoed submissions never reach
// this table.
type AttendanceRecord struct {
	ID          string          `json:"id"`
	StudentID   string          `json:"student_id"`
	ClassID     string          `json:"class_id"`
	Status      string          `json:"status"`
	MinutesLate int             `json:"minutes_late"`
	Flags       []engine.Flag   `json:"flags"`
	Outcomes    json.RawMessage `json:"outcomes,omitempty"`
	ImageURL    string          `json:"image_url,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertStudent creates or updates a student.
func (r *Repository) UpsertStudent(ctx context.Context, studentID string, name *string) error {
	if studentID == "" {
		return errors.New("student id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (student_id, name)
		VALUES ($1, $2)
		ON CONFLICT (student_id) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, students.name),
			updated_at = NOW()
	`, studentID, name)
	return err
}

// GetStudent returns a single student by student_id.
func (r *Repository) GetStudent(ctx context.Context, studentID string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, name, face_enrolled, enrolled_at, created_at
		FROM students WHERE student_id = $1
	`, studentID)
	var s Student
	if err := row.Scan(&s.ID, &s.StudentID, &s.Name, &s.FaceEnrolled, &s.EnrolledAt, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SetFaceEnrolled marks a student as face-enrolled.
func (r *Repository) SetFaceEnrolled(ctx context.Context, studentID string, enrolled bool) error {
	var enrolledAt interface{}
	if enrolled {
		enrolledAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE students
		SET face_enrolled = $2, enrolled_at = $3, updated_at = NOW()
		WHERE student_id = $1
	`, studentID, enrolled, enrolledAt)
	return err
}

// GetClassSession loads the current session context for a class.
func (r *Repository) GetClassSession(ctx context.Context, classID string) (*engine.ClassSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT status, start_time, teacher_lat, teacher_lng, teacher_radius_m,
		       window_before_min, window_after_min
		FROM class_sessions
		WHERE class_id = $1
		ORDER BY start_time DESC
		LIMIT 1
	`, classID)
	var (
		s        engine.ClassSession
		lat, lng float64
	)
	if err := row.Scan(&s.Status, &s.StartTime, &lat, &lng, &s.TeacherRadiusMeters,
		&s.WindowBeforeMinutes, &s.WindowAfterMinutes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no session for class %s", classID)
		}
		return nil, err
	}
	s.TeacherLocation = geo.Point{Lat: lat, Lng: lng}
	return &s, nil
}

// InsertEmbedding stores one face embedding for a student.
func (r *Repository) InsertEmbedding(ctx context.Context, studentID string, vec []float32, sourceImageRef string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO face_embeddings (id, student_id, embedding, source_image_ref)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), studentID, pgvector.NewVector(vec), sourceImageRef)
	return err
}

// ListEmbeddings returns a student's embeddings in enrollment order.
func (r *Repository) ListEmbeddings(ctx context.Context, studentID string) ([][]float32, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT embedding FROM face_embeddings
		WHERE student_id = $1
		ORDER BY created_at ASC
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]float32
	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, err
		}
		out = append(out, vec.Slice())
	}
	return out, rows.Err()
}

// CountEmbeddings returns how many embeddings a student has enrolled.
func (r *Repository) CountEmbeddings(ctx context.Context, studentID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM face_embeddings WHERE student_id = $1`, studentID,
	).Scan(&count)
	return count, err
}

// InsertRecord writes a finalized decision.
func (r *Repository) InsertRecord(ctx context.Context, rec AttendanceRecord) (AttendanceRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	flags, err := json.Marshal(rec.Flags)
	if err != nil {
		return AttendanceRecord{}, err
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, class_id, status, minutes_late, flags, outcomes, image_url, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.ClassID, rec.Status, rec.MinutesLate, flags, rec.Outcomes, rec.ImageURL, rec.RecordedAt)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return AttendanceRecord{}, err
	}
	return rec, nil
}

// ListRecords returns records with basic filters.
func (r *Repository) ListRecords(ctx context.Context, studentID, classID string, limit, offset int) ([]AttendanceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, student_id, class_id, status, minutes_late, flags, outcomes, image_url, recorded_at, created_at FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if studentID != "" {
		clauses = append(clauses, "student_id = $"+itoa(len(args)+1))
		args = append(args, studentID)
	}
	if classID != "" {
		clauses = append(clauses, "class_id = $"+itoa(len(args)+1))
		args = append(args, classID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += " ORDER BY recorded_at DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AttendanceRecord
	for rows.Next() {
		var (
			rec   AttendanceRecord
			flags []byte
		)
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.ClassID, &rec.Status, &rec.MinutesLate,
			&flags, &rec.Outcomes, &rec.ImageURL, &rec.RecordedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(flags) > 0 {
			if err := json.Unmarshal(flags, &rec.Flags); err != nil {
				return nil, err
			}
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RecordAttempt appends one submission attempt to the history.
func (r *Repository) RecordAttempt(ctx context.Context, studentID, classID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_attempts (id, student_id, class_id, attempted_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), studentID, classID, at)
	return err
}

// RecentAttempts returns attempt timestamps within the window, oldest first.
func (r *Repository) RecentAttempts(ctx context.Context, studentID, classID string, window time.Duration) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT attempted_at FROM attendance_attempts
		WHERE student_id = $1 AND class_id = $2
		  AND attempted_at >= NOW() - ($3 * interval '1 second')
		ORDER BY attempted_at ASC
	`, studentID, classID, window.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

// UpsertDevice ensures a device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}
